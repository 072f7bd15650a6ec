package sdk

import (
	"context"

	"github.com/celerix-dev/celerix-addressbook/internal/vcard"
	"github.com/celerix-dev/celerix-addressbook/pkg/schema"
)

// FetchContacts fetches a page of v and decodes it.
func FetchContacts(ctx context.Context, v View, fields []string, start, size int) ([]*schema.Contact, error) {
	cards, err := v.Fetch(ctx, fields, start, size)
	if err != nil {
		return nil, err
	}
	out := make([]*schema.Contact, 0, len(cards))
	for _, card := range cards {
		c, err := vcard.Decode(card)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Create encodes c and creates it.
func Create(ctx context.Context, w ContactWriter, c *schema.Contact) (string, error) {
	return w.CreateContact(ctx, vcard.Encode(c))
}

// Update encodes cs and updates them.
func Update(ctx context.Context, w ContactWriter, cs ...*schema.Contact) ([]string, error) {
	return w.UpdateContacts(ctx, vcard.EncodeAll(cs))
}
