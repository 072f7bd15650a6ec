package sdk

import (
	"context"
	"errors"

	"github.com/celerix-dev/celerix-addressbook/pkg/schema"
)

var (
	// ErrDisconnected is returned by a remote view whose connection was
	// replaced. Views live as long as the connection that opened them.
	ErrDisconnected = errors.New("view lost with its connection")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client closed")
)

// --- Functional Interfaces (Interface Segregation) ---

// Querier opens live views.
type Querier interface {
	Query(ctx context.Context, req schema.QueryRequest) (View, error)
}

// ContactWriter mutates contacts. Changes reach views through the backend
// feed, shortly after the call returns.
type ContactWriter interface {
	CreateContact(ctx context.Context, vcard string) (string, error)
	// UpdateContacts returns one entry per input: the input when accepted,
	// an error message otherwise.
	UpdateContacts(ctx context.Context, vcards []string) ([]string, error)
	RemoveContacts(ctx context.Context, ids []string) (int, error)
}

// Directory answers questions about the address book itself.
type Directory interface {
	LookupByVCard(ctx context.Context, vcard string) (string, error)
	SortFields(ctx context.Context) ([]string, error)
	Sources(ctx context.Context) ([]schema.SourceInfo, error)
}

// --- Composite Interfaces ---

// AddressBook is the primary interface, served remotely by Client and
// in-process by the embedded implementation.
type AddressBook interface {
	Querier
	ContactWriter
	Directory
	Close() error
}

// View is one live query.
type View interface {
	ID() string
	// Info returns what the server reported when the view was opened.
	Info() schema.ViewInfo
	Count(ctx context.Context) (int, error)
	// Fetch returns a page of vCards, projected to fields when any are given.
	Fetch(ctx context.Context, fields []string, start, size int) ([]string, error)
	// Sort reorders the view and returns the rejected sort fields.
	Sort(ctx context.Context, clause string) ([]string, error)
	// Watch calls fn with the result count each time it changes.
	Watch(ctx context.Context, fn func(count int)) error
	Close() error
}
