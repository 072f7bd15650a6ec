// Package addressbook ties the contact index to its backend and serves the
// live views clients open over it.
//
// A single goroutine consumes the backend feed and is the only writer of
// the index. Every batch is fanned out to the open views before the next
// one is read, so a view never misses a mutation that happened after it
// was registered.
package addressbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/celerix-dev/celerix-addressbook/internal/backend"
	"github.com/celerix-dev/celerix-addressbook/internal/engine"
	"github.com/celerix-dev/celerix-addressbook/internal/metrics"
	"github.com/celerix-dev/celerix-addressbook/internal/query"
)

var (
	// ErrViewNotFound is returned for an unknown or already closed view ID.
	ErrViewNotFound = errors.New("view not found")
	// ErrContactExists is returned when creating a contact whose UID is taken.
	ErrContactExists = errors.New("contact already exists")
	// ErrClosed is returned by every call after Close.
	ErrClosed = errors.New("address book closed")
	// ErrBackendGone is returned by WaitReady when the feed ended first.
	ErrBackendGone = errors.New("backend feed ended")
)

// DefaultCacheSize is the number of encoded records kept by default.
const DefaultCacheSize = 4096

// Options configures an AddressBook.
type Options struct {
	Backend backend.Backend
	// Workers bounds the concurrent view passes. 0 uses GOMAXPROCS.
	Workers int
	// CacheSize is the number of encoded vCards kept. Negative disables the cache.
	CacheSize int
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// ContactsChanged lists the contact IDs one backend batch added or removed.
// An updated contact appears in Added only.
type ContactsChanged struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// QueryOptions describes a view to open.
type QueryOptions struct {
	// Filter is a textual filter expression. Ignored when FilterSpec is set.
	Filter     string
	FilterSpec *query.Spec
	Sort       string
	Max        int
	// Sources restricts the view to contacts with a constituent in one of
	// these source URIs.
	Sources []string
}

func (o QueryOptions) filter() query.Filter {
	f := query.Parse(o.Filter)
	if o.FilterSpec != nil {
		f = query.FromSpec(*o.FilterSpec)
	}
	if len(o.Sources) == 0 {
		return f
	}
	var bySource []query.Filter
	for _, s := range o.Sources {
		if s = strings.TrimSpace(s); s != "" {
			bySource = append(bySource, query.Compare(string(query.FieldSource), query.OpEqual, s))
		}
	}
	if len(bySource) == 0 {
		return f
	}
	return query.And(f, query.Or(bySource...))
}

type listener struct {
	id int
	fn func(ContactsChanged)
}

// AddressBook is the coordinator: it owns the index, the open views and the
// backend subscription.
type AddressBook struct {
	backend backend.Backend
	index   *engine.Index
	pool    *engine.Pool
	codec   *codec
	logger  *slog.Logger
	metrics *metrics.Metrics

	// mu orders index writes, view registration and the fan-out of changes.
	mu        sync.Mutex
	views     map[string]*engine.View
	listeners []listener
	nextLis   int
	closed    bool
	started   bool

	ready     chan struct{}
	readyOnce sync.Once
	feedDone  chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New builds an address book over opts.Backend. Nothing is indexed until Start.
func New(opts Options) (*AddressBook, error) {
	if opts.Backend == nil {
		return nil, errors.New("addressbook: backend is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := opts.CacheSize
	if size == 0 {
		size = DefaultCacheSize
	}
	c, err := newCodec(size)
	if err != nil {
		return nil, err
	}
	return &AddressBook{
		backend:  opts.Backend,
		index:    engine.NewIndex(),
		pool:     engine.NewPool(opts.Workers),
		codec:    c,
		logger:   logger,
		metrics:  opts.Metrics,
		views:    make(map[string]*engine.View),
		ready:    make(chan struct{}),
		feedDone: make(chan struct{}),
	}, nil
}

// Start subscribes to the backend feed and indexes it in the background
// until ctx ends or Close is called.
func (ab *AddressBook) Start(ctx context.Context) error {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	if ab.closed {
		return ErrClosed
	}
	if ab.started {
		return errors.New("addressbook: already started")
	}

	feedCtx, cancel := context.WithCancel(ctx)
	ch, err := ab.backend.Changes(feedCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe to backend: %w", err)
	}
	ab.started = true
	ab.cancel = cancel

	ab.wg.Add(1)
	go ab.consume(ch)
	return nil
}

func (ab *AddressBook) consume(ch <-chan backend.Batch) {
	defer ab.wg.Done()
	defer close(ab.feedDone)

	for b := range ch {
		ab.apply(b)
		ab.readyOnce.Do(func() {
			ab.logger.Info("contacts indexed", "count", ab.index.Len())
			close(ab.ready)
		})
	}

	ab.mu.Lock()
	closing := ab.closed
	ab.mu.Unlock()
	if !closing {
		ab.logger.Warn("backend feed ended, closing every view")
	}
	ab.sweep()
}

// apply writes one batch into the index and fans it out to the open views.
func (ab *AddressBook) apply(b backend.Batch) {
	var (
		change engine.Change
		event  ContactsChanged
	)

	ab.mu.Lock()
	for _, h := range b.Removed {
		c, err := ab.index.RemoveByHandle(h)
		if err != nil {
			ab.logger.Warn("backend removed an unknown contact", "handle", h.String())
			continue
		}
		change.Removed = append(change.Removed, c.ID)
		event.Removed = append(event.Removed, c.ID)
	}
	for _, c := range b.Added {
		res, prev, err := ab.index.Insert(c)
		if err != nil {
			ab.logger.Warn("dropping contact from backend", "handle", c.Handle.String(), "error", err)
			continue
		}
		if res == engine.Replaced {
			change.Removed = append(change.Removed, prev.ID)
		}
		change.Added = append(change.Added, c)
		event.Added = append(event.Added, c.ID)
	}

	for _, v := range ab.views {
		v.Apply(change)
	}
	lis := append([]listener(nil), ab.listeners...)
	ab.metrics.SetContacts(ab.index.Len())
	ab.mu.Unlock()

	ab.metrics.BackendChanges(len(event.Added), len(event.Removed))
	if len(event.Added) == 0 && len(event.Removed) == 0 {
		return
	}
	ab.logger.Debug("applied backend batch", "added", len(event.Added), "removed", len(event.Removed))
	for _, l := range lis {
		l.fn(event)
	}
}

// sweep closes every open view and empties the index.
func (ab *AddressBook) sweep() {
	ab.mu.Lock()
	views := ab.views
	ab.views = make(map[string]*engine.View)
	ab.index.Reset()
	ab.mu.Unlock()

	for _, v := range views {
		_ = v.Close()
	}
	ab.metrics.SetViews(0)
	ab.metrics.SetContacts(0)
}

// WaitReady blocks until the first backend batch has been indexed.
func (ab *AddressBook) WaitReady(ctx context.Context) error {
	select {
	case <-ab.ready:
		return nil
	case <-ab.feedDone:
		return ErrBackendGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Query opens a view and schedules its initial pass. An invalid filter
// still yields a view; it stays empty and reports the problem through Err.
func (ab *AddressBook) Query(opts QueryOptions) (*engine.View, error) {
	clause := query.ParseSort(opts.Sort)
	if rejected := clause.Rejected(); len(rejected) > 0 {
		ab.logger.Warn("ignoring unsupported sort fields", "fields", rejected)
	}

	ab.mu.Lock()
	if ab.closed {
		ab.mu.Unlock()
		return nil, ErrClosed
	}
	v := engine.NewView(uuid.NewString(), ab.index, engine.ViewOptions{
		Filter:     opts.filter(),
		Sort:       clause,
		Max:        opts.Max,
		Pool:       ab.pool,
		Logger:     ab.logger,
		OnPassDone: ab.passDone,
		OnClose:    ab.forget,
	})
	ab.views[v.ID()] = v
	n := len(ab.views)
	ab.mu.Unlock()

	ab.metrics.SetViews(n)
	if err := v.Err(); err != nil {
		ab.logger.Warn("view opened with an invalid filter", "view", v.ID(), "error", err)
	}
	v.Start()
	return v, nil
}

func (ab *AddressBook) passDone(v *engine.View, elapsed time.Duration) {
	ab.metrics.ObservePass(v.State().String(), elapsed)
}

func (ab *AddressBook) forget(v *engine.View) {
	ab.mu.Lock()
	if ab.views[v.ID()] == v {
		delete(ab.views, v.ID())
	}
	n := len(ab.views)
	ab.mu.Unlock()
	ab.metrics.SetViews(n)
}

// View returns the open view with the given ID.
func (ab *AddressBook) View(id string) (*engine.View, error) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	v, ok := ab.views[id]
	if !ok {
		return nil, ErrViewNotFound
	}
	return v, nil
}

// CloseView closes and forgets the view with the given ID.
func (ab *AddressBook) CloseView(id string) error {
	v, err := ab.View(id)
	if err != nil {
		return err
	}
	return v.Close()
}

// Views returns the number of open views.
func (ab *AddressBook) Views() int {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return len(ab.views)
}

// Len returns the number of indexed contacts.
func (ab *AddressBook) Len() int {
	return ab.index.Len()
}

// SortFields lists the field names views can be sorted by.
func (ab *AddressBook) SortFields() []string {
	return query.SupportedSortFields()
}

// Sources lists the backend sources, or nil when the backend cannot tell.
func (ab *AddressBook) Sources(ctx context.Context) ([]backend.SourceInfo, error) {
	l, ok := ab.backend.(backend.SourcesLister)
	if !ok {
		return nil, nil
	}
	return l.Sources(ctx)
}

// Subscribe registers fn to receive every non-empty batch of contact
// changes. fn runs on the feed goroutine and must not block for long.
func (ab *AddressBook) Subscribe(fn func(ContactsChanged)) (unsubscribe func()) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	ab.nextLis++
	id := ab.nextLis
	ab.listeners = append(ab.listeners, listener{id: id, fn: fn})
	return func() {
		ab.mu.Lock()
		defer ab.mu.Unlock()
		for i, l := range ab.listeners {
			if l.id == id {
				ab.listeners = append(ab.listeners[:i:i], ab.listeners[i+1:]...)
				return
			}
		}
	}
}

// Close stops consuming the feed, closes every view and waits for the
// pending passes. The backend itself is left open.
func (ab *AddressBook) Close() error {
	ab.mu.Lock()
	if ab.closed {
		ab.mu.Unlock()
		return nil
	}
	ab.closed = true
	cancel := ab.cancel
	ab.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	ab.wg.Wait()
	ab.sweep()
	ab.pool.Wait()
	return nil
}
