package sdk

import (
	"context"
	"errors"
	"strings"

	"github.com/celerix-dev/celerix-addressbook/internal/addressbook"
	"github.com/celerix-dev/celerix-addressbook/internal/backend"
	"github.com/celerix-dev/celerix-addressbook/internal/engine"
	"github.com/celerix-dev/celerix-addressbook/internal/query"
	"github.com/celerix-dev/celerix-addressbook/pkg/schema"
)

// Embedded serves an in-process address book. It owns the book and its
// backend and closes both.
type Embedded struct {
	book    *addressbook.AddressBook
	backend backend.Backend
}

// NewEmbedded starts an address book over b.
func NewEmbedded(ctx context.Context, b backend.Backend) (*Embedded, error) {
	book, err := addressbook.New(addressbook.Options{Backend: b})
	if err != nil {
		return nil, err
	}
	if err := book.Start(ctx); err != nil {
		return nil, err
	}
	return &Embedded{book: book, backend: b}, nil
}

func (e *Embedded) Query(_ context.Context, req schema.QueryRequest) (View, error) {
	if req.Max < 0 {
		return nil, errors.New("max must not be negative")
	}
	v, err := e.book.Query(addressbook.RequestOptions(req))
	if err != nil {
		return nil, err
	}
	return &embeddedView{book: e.book, view: v, info: addressbook.Info(v)}, nil
}

func (e *Embedded) CreateContact(ctx context.Context, vcard string) (string, error) {
	return e.book.CreateContact(ctx, vcard)
}

func (e *Embedded) UpdateContacts(ctx context.Context, vcards []string) ([]string, error) {
	return e.book.UpdateContacts(ctx, vcards), nil
}

func (e *Embedded) RemoveContacts(ctx context.Context, ids []string) (int, error) {
	return e.book.RemoveContacts(ctx, ids), nil
}

func (e *Embedded) LookupByVCard(_ context.Context, vcard string) (string, error) {
	c, err := e.book.LookupByVCard(vcard)
	if err != nil {
		return "", err
	}
	return c.ID, nil
}

func (e *Embedded) SortFields(context.Context) ([]string, error) {
	return e.book.SortFields(), nil
}

func (e *Embedded) Sources(ctx context.Context) ([]schema.SourceInfo, error) {
	return e.book.Sources(ctx)
}

func (e *Embedded) Close() error {
	return errors.Join(e.book.Close(), e.backend.Close())
}

type embeddedView struct {
	book *addressbook.AddressBook
	view *engine.View
	info schema.ViewInfo
}

func (v *embeddedView) ID() string            { return v.view.ID() }
func (v *embeddedView) Info() schema.ViewInfo { return v.info }

func (v *embeddedView) Count(ctx context.Context) (int, error) {
	return v.view.Count(ctx)
}

func (v *embeddedView) Fetch(ctx context.Context, fields []string, start, size int) ([]string, error) {
	return v.book.Fetch(ctx, v.view, fields, start, size)
}

func (v *embeddedView) Sort(_ context.Context, clause string) ([]string, error) {
	sc := query.ParseSort(strings.TrimSpace(clause))
	if err := v.view.Resort(sc); err != nil {
		return nil, err
	}
	return append([]string{}, sc.Rejected()...), nil
}

func (v *embeddedView) Watch(_ context.Context, fn func(count int)) error {
	if v.view.State() == engine.StateClosed {
		return engine.ErrViewClosed
	}
	v.view.Observe(fn)
	return nil
}

func (v *embeddedView) Close() error {
	return v.view.Close()
}
