package addressbook

import (
	"context"
	"errors"
	"fmt"

	"github.com/celerix-dev/celerix-addressbook/internal/backend"
	"github.com/celerix-dev/celerix-addressbook/internal/engine"
	"github.com/celerix-dev/celerix-addressbook/internal/vcard"
	"github.com/celerix-dev/celerix-addressbook/pkg/schema"
)

// Messages placed in UpdateContacts results for items that failed.
const (
	MsgContactNotFound = "Contact not found!"
	MsgMalformedVCard  = "Malformed vCard!"
)

// Fetch returns a page of the view as vCards, projected to fields. Field
// names are vCard property names (TEL, EMAIL...) or query field names;
// an empty list returns whole records.
func (ab *AddressBook) Fetch(ctx context.Context, v *engine.View, fields []string, start, size int) ([]string, error) {
	page, err := v.Results(ctx, start, size)
	if err != nil {
		return nil, err
	}
	types, unknown := resolveFields(fields)
	if len(unknown) > 0 {
		ab.logger.Debug("ignoring unknown fetch fields", "view", v.ID(), "fields", unknown)
	}
	out := make([]string, len(page))
	for i, c := range page {
		out[i] = ab.codec.encode(c, types)
	}
	return out, nil
}

// Contact returns the indexed contact with the given ID.
func (ab *AddressBook) Contact(id string) (*schema.Contact, bool) {
	return ab.index.Lookup(id)
}

// Encode renders an indexed contact as a vCard.
func (ab *AddressBook) Encode(c *schema.Contact, fields ...string) string {
	types, _ := resolveFields(fields)
	return ab.codec.encode(c, types)
}

// LookupByVCard resolves the indexed contact a vCard refers to through its UID.
func (ab *AddressBook) LookupByVCard(text string) (*schema.Contact, error) {
	c, err := vcard.Decode(text)
	if err != nil {
		return nil, err
	}
	if c.ID == "" {
		return nil, engine.ErrNotFound
	}
	found, ok := ab.index.Lookup(c.ID)
	if !ok {
		return nil, engine.ErrNotFound
	}
	return found, nil
}

// CreateContact stores a new contact in the backend and returns its ID.
// The contact shows up in views once the backend reports it.
func (ab *AddressBook) CreateContact(ctx context.Context, text string) (string, error) {
	if ab.isClosed() {
		return "", ErrClosed
	}
	c, err := vcard.Decode(text)
	if err != nil {
		return "", err
	}
	if c.ID != "" {
		if _, ok := ab.index.Lookup(c.ID); ok {
			return "", fmt.Errorf("%w: %s", ErrContactExists, c.ID)
		}
	}
	created, err := ab.backend.Create(ctx, c)
	if errors.Is(err, backend.ErrExists) {
		return "", fmt.Errorf("%w: %s", ErrContactExists, c.ID)
	}
	if err != nil {
		return "", fmt.Errorf("create contact: %w", err)
	}
	ab.logger.Info("contact created", "id", created.ID)
	return created.ID, nil
}

// UpdateContacts replaces the contacts the vCards refer to. The result has
// one entry per input: the input itself when it was accepted, an error
// message otherwise.
func (ab *AddressBook) UpdateContacts(ctx context.Context, texts []string) []string {
	out := make([]string, len(texts))
	for i, text := range texts {
		out[i] = text
		if err := ab.updateOne(ctx, text); err != nil {
			ab.logger.Warn("contact update rejected", "item", i, "error", err)
			out[i] = updateMessage(err)
		}
	}
	return out
}

func (ab *AddressBook) updateOne(ctx context.Context, text string) error {
	if ab.isClosed() {
		return ErrClosed
	}
	c, err := vcard.Decode(text)
	if err != nil {
		return err
	}
	if _, ok := ab.index.Lookup(c.ID); !ok || c.ID == "" {
		return engine.ErrNotFound
	}
	return ab.backend.Update(ctx, c)
}

func updateMessage(err error) string {
	switch {
	case errors.Is(err, engine.ErrNotFound), errors.Is(err, backend.ErrNotFound):
		return MsgContactNotFound
	case errors.Is(err, vcard.ErrMalformed):
		return MsgMalformedVCard
	}
	return err.Error()
}

// RemoveContacts deletes the given contacts and returns how many the
// backend accepted.
func (ab *AddressBook) RemoveContacts(ctx context.Context, ids []string) int {
	if ab.isClosed() {
		return 0
	}
	removed := 0
	for _, id := range ids {
		if err := ab.backend.Remove(ctx, id); err != nil {
			ab.logger.Warn("contact removal failed", "id", id, "error", err)
			continue
		}
		removed++
	}
	return removed
}

func (ab *AddressBook) isClosed() bool {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return ab.closed
}
