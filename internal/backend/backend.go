// Package backend defines the source of truth the address book indexes and
// provides the in-memory and file-backed implementations.
package backend

import (
	"context"
	"errors"

	"github.com/celerix-dev/celerix-addressbook/pkg/schema"
)

var (
	// ErrNotFound is returned when a contact does not exist in the backend.
	ErrNotFound = errors.New("contact not found")
	// ErrExists is returned when creating a contact whose ID is taken.
	ErrExists = errors.New("contact already exists")
	// ErrClosed is returned by every call on a closed backend.
	ErrClosed = errors.New("backend closed")
)

// Batch is one change notification. Added carries new and updated
// contacts; Removed carries the handles of deleted ones.
type Batch struct {
	Added   []*schema.Contact
	Removed []schema.Handle
}

// IsEmpty reports whether the batch carries nothing.
func (b Batch) IsEmpty() bool {
	return len(b.Added) == 0 && len(b.Removed) == 0
}

// Backend is the identity store behind the address book. Mutations are
// only ever observed through the Changes feed.
type Backend interface {
	// Changes subscribes to the feed. The first batch holds every existing
	// contact. The channel is closed when ctx ends or the backend goes away.
	Changes(ctx context.Context) (<-chan Batch, error)
	// Create stores a new contact, assigning an ID when it has none.
	Create(ctx context.Context, c *schema.Contact) (*schema.Contact, error)
	// Update replaces the stored contact with the same ID.
	Update(ctx context.Context, c *schema.Contact) error
	// Remove deletes the contact with the given ID.
	Remove(ctx context.Context, id string) error
	// List returns every stored contact.
	List(ctx context.Context) ([]*schema.Contact, error)
	Close() error
}

// SourceInfo describes one backend source of contacts.
type SourceInfo = schema.SourceInfo

// SourcesLister is implemented by backends that can enumerate their sources.
type SourcesLister interface {
	Sources(ctx context.Context) ([]SourceInfo, error)
}
