// Package engine holds the contact index and the live views computed over it.
package engine

import "errors"

var (
	// ErrNotFound is returned when a contact is not in the index.
	ErrNotFound = errors.New("contact not found")
	// ErrInvalidContact is returned when a contact cannot be indexed.
	ErrInvalidContact = errors.New("invalid contact")
	// ErrHandleInUse is returned when a backend handle already belongs to another contact.
	ErrHandleInUse = errors.New("handle already indexed for another contact")
	// ErrViewClosed is returned by every read on a closed view.
	ErrViewClosed = errors.New("view closed")
)
