package engine

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-addressbook/internal/query"
	"github.com/celerix-dev/celerix-addressbook/pkg/schema"
)

// State is the lifecycle stage of a view. StateCanceled and StateClosed are
// both terminal. StateCanceled is the closed state reached by cancellation:
// the view is empty and accepts no further changes, but reads still succeed
// and return nothing until Close releases it for good.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateReady
	StateCanceled
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateReady:
		return "ready"
	case StateCanceled:
		return "canceled"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Change is one batch of index mutations fanned out to views. Removals are
// applied before additions, so an updated contact is sent as its ID in
// Removed plus the new record in Added.
type Change struct {
	Added   []*schema.Contact
	Removed []string
}

// IsEmpty reports whether the batch carries nothing.
func (c Change) IsEmpty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0
}

// ViewOptions configures a view.
type ViewOptions struct {
	// Filter selects the contacts. The zero Filter is invalid and matches nothing.
	Filter query.Filter
	// Sort orders the results. Empty keeps index insertion order.
	Sort query.SortClause
	// Max caps the number of results; 0 means unlimited.
	Max int
	// Pool runs the initial pass. Nil runs it on a fresh goroutine.
	Pool   *Pool
	Logger *slog.Logger
	// OnPassDone is called once when the initial pass returns, whatever its outcome.
	OnPassDone func(v *View, elapsed time.Duration)
	// OnClose is called once after the view is closed.
	OnClose func(v *View)
}

type observer struct {
	id int
	fn func(count int)
}

// View is one live query over an Index.
//
// The initial pass runs in the background; reads block until it is done.
// Changes delivered meanwhile are queued and applied when the pass
// completes. Once ready, changes are applied as they arrive and every batch
// that moves the result count notifies the observers exactly once.
type View struct {
	id     string
	index  *Index
	filter query.Filter
	max    int
	pool   *Pool
	logger *slog.Logger

	onPassDone func(*View, time.Duration)
	onClose    func(*View)

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
	closed   chan struct{}

	// emitMu orders count notifications. It is always taken before mu.
	emitMu sync.Mutex

	mu        sync.RWMutex
	state     State
	started   bool
	sort      query.SortClause
	results   []*schema.Contact
	members   map[string]*schema.Contact
	pending   []Change
	observers []observer
	nextObs   int
}

// NewView returns a view in StateCreated. Nothing is computed until Start.
func NewView(id string, index *Index, opts ViewOptions) *View {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &View{
		id:         id,
		index:      index,
		filter:     opts.Filter,
		max:        max(opts.Max, 0),
		pool:       opts.Pool,
		logger:     logger.With("view", id),
		onPassDone: opts.OnPassDone,
		onClose:    opts.OnClose,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		closed:     make(chan struct{}),
		sort:       opts.Sort,
		members:    make(map[string]*schema.Contact),
	}
}

// ID returns the view identifier.
func (v *View) ID() string { return v.id }

// Filter returns the filter the view was built with.
func (v *View) Filter() query.Filter { return v.filter }

// Max returns the result cap, 0 when unlimited.
func (v *View) Max() int { return v.max }

// Err returns the soft error of a view built from an invalid filter.
func (v *View) Err() error {
	if v.filter.IsValid() {
		return nil
	}
	return v.filter.Err()
}

// State returns the current lifecycle stage.
func (v *View) State() State {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

// Sort returns the current sort clause.
func (v *View) Sort() query.SortClause {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.sort
}

// Start schedules the initial pass. Calling it again, or after Cancel, does nothing.
func (v *View) Start() {
	v.mu.Lock()
	if v.started || v.state != StateCreated {
		v.mu.Unlock()
		return
	}
	v.started = true
	v.mu.Unlock()

	if v.pool != nil {
		v.pool.Submit(v.ctx, v.run)
		return
	}
	go v.run(v.ctx)
}

func (v *View) run(ctx context.Context) {
	began := time.Now()
	defer func() {
		v.closeDone()
		if v.onPassDone != nil {
			v.onPassDone(v, time.Since(began))
		}
	}()

	v.mu.Lock()
	if ctx.Err() != nil || v.state != StateCreated {
		v.mu.Unlock()
		return
	}
	v.state = StateRunning
	clause := v.sort
	v.mu.Unlock()

	if !v.filter.IsValid() {
		v.logger.Warn("view filter is invalid, the view stays empty", "error", v.filter.Err())
	}

	results, ok := v.compute(ctx, clause)
	if !ok {
		v.logger.Debug("view pass canceled")
		return
	}

	v.emitMu.Lock()
	defer v.emitMu.Unlock()

	v.mu.Lock()
	if v.state != StateRunning {
		v.mu.Unlock()
		return
	}
	if !v.sort.Equal(clause) {
		query.SortStable(results, v.sort)
	}
	v.results = results
	for _, c := range results {
		v.members[c.ID] = c
	}
	for _, ch := range v.pending {
		v.applyLocked(ch)
	}
	v.pending = nil
	v.state = StateReady
	count := len(v.results)
	obs := slices.Clone(v.observers)
	v.mu.Unlock()

	v.closeDone()
	v.logger.Debug("view ready", "count", count, "elapsed", time.Since(began))
	if count != 0 {
		notify(obs, count)
	}
}

// compute runs the filter over a snapshot of the index. It reports false
// when ctx ended before the pass could finish.
func (v *View) compute(ctx context.Context, clause query.SortClause) ([]*schema.Contact, bool) {
	if !v.filter.IsValid() {
		return nil, ctx.Err() == nil
	}

	var candidates []*schema.Contact
	if n, ok := v.filter.PhoneQuery(); ok {
		candidates = v.index.LookupByPhoneCandidates(n)
	} else {
		candidates = v.index.Snapshot()
	}

	sorted := !clause.IsEmpty()
	var results []*schema.Contact
	for _, c := range candidates {
		if ctx.Err() != nil {
			return nil, false
		}
		if !v.filter.Test(c) {
			continue
		}
		results = query.InsertSorted(results, c, clause)
		if !sorted && v.max > 0 && len(results) >= v.max {
			break
		}
	}
	if v.max > 0 && len(results) > v.max {
		results = slices.Clip(results[:v.max])
	}
	return results, ctx.Err() == nil
}

// Apply delivers a batch of index changes to the view.
func (v *View) Apply(ch Change) {
	if ch.IsEmpty() {
		return
	}

	v.emitMu.Lock()
	defer v.emitMu.Unlock()

	v.mu.Lock()
	switch v.state {
	case StateCreated, StateRunning:
		v.pending = append(v.pending, ch)
		v.mu.Unlock()
		return
	case StateReady:
	default:
		v.mu.Unlock()
		return
	}
	before := len(v.results)
	v.applyLocked(ch)
	after := len(v.results)
	obs := slices.Clone(v.observers)
	v.mu.Unlock()

	if after != before {
		notify(obs, after)
	}
}

func (v *View) applyLocked(ch Change) {
	for _, id := range ch.Removed {
		v.removeLocked(id)
	}
	for _, c := range ch.Added {
		v.addLocked(c)
	}
}

func (v *View) removeLocked(id string) {
	if _, ok := v.members[id]; !ok {
		return
	}
	delete(v.members, id)
	i := slices.IndexFunc(v.results, func(c *schema.Contact) bool { return c.ID == id })
	if i >= 0 {
		v.results = slices.Delete(v.results, i, i+1)
	}
}

func (v *View) addLocked(c *schema.Contact) {
	if c == nil {
		return
	}
	if old, ok := v.members[c.ID]; ok {
		if old == c {
			return
		}
		v.removeLocked(c.ID)
	}
	if !v.filter.Test(c) {
		return
	}

	i := query.InsertPosition(v.results, c, v.sort)
	if v.max > 0 && len(v.results) >= v.max {
		if i >= v.max {
			return
		}
		last := v.results[len(v.results)-1]
		delete(v.members, last.ID)
		v.results = v.results[:len(v.results)-1]
	}
	v.results = slices.Insert(v.results, i, c)
	v.members[c.ID] = c
}

// Resort reorders the known results without filtering again. It is a
// no-op when the clause does not change. While the initial pass runs the
// new clause is applied when the pass completes.
func (v *View) Resort(clause query.SortClause) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch v.state {
	case StateClosed:
		return ErrViewClosed
	case StateCanceled:
		v.sort = clause
		return nil
	}
	if v.sort.Equal(clause) {
		return nil
	}
	v.sort = clause
	if v.state == StateReady {
		query.SortStable(v.results, clause)
	}
	return nil
}

// Closed returns a channel closed once Close has notified the observers.
func (v *View) Closed() <-chan struct{} { return v.closed }

// Wait blocks until the initial pass has completed or been canceled.
func (v *View) Wait(ctx context.Context) error {
	select {
	case <-v.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if v.State() == StateClosed {
		return ErrViewClosed
	}
	return nil
}

// Count returns the number of results, waiting for the initial pass.
// A canceled view counts zero.
func (v *View) Count(ctx context.Context) (int, error) {
	if err := v.Wait(ctx); err != nil {
		return 0, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.state == StateClosed {
		return 0, ErrViewClosed
	}
	return len(v.results), nil
}

// Results returns the page of size results starting at start, waiting for
// the initial pass. A start past the end yields an empty page; a negative
// size reads to the end.
func (v *View) Results(ctx context.Context, start, size int) ([]*schema.Contact, error) {
	if err := v.Wait(ctx); err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.state == StateClosed {
		return nil, ErrViewClosed
	}

	n := len(v.results)
	start = max(start, 0)
	if start >= n {
		return []*schema.Contact{}, nil
	}
	end := n
	if size >= 0 && size < n-start {
		end = start + size
	}
	return slices.Clone(v.results[start:end]), nil
}

// Observe registers fn to receive the result count each time it changes.
// fn runs on the goroutine that caused the change and must not call Apply,
// Cancel or Close on the same view.
func (v *View) Observe(fn func(count int)) (unsubscribe func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == StateClosed {
		return func() {}
	}
	v.nextObs++
	id := v.nextObs
	v.observers = append(v.observers, observer{id: id, fn: fn})
	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		v.observers = slices.DeleteFunc(v.observers, func(o observer) bool { return o.id == id })
	}
}

// Cancel stops the initial pass, or prevents it from starting, and empties
// the view. Reads keep working and return nothing. Cancel is idempotent.
func (v *View) Cancel() {
	v.cancel()

	v.emitMu.Lock()
	defer v.emitMu.Unlock()

	v.mu.Lock()
	if v.state == StateCanceled || v.state == StateClosed {
		v.mu.Unlock()
		return
	}
	before := len(v.results)
	v.state = StateCanceled
	v.results, v.pending = nil, nil
	clear(v.members)
	obs := slices.Clone(v.observers)
	v.mu.Unlock()

	v.closeDone()
	if before != 0 {
		notify(obs, 0)
	}
}

// Close cancels the view, discards its results and drops its observers
// after telling them the count fell to zero. Reads on a closed view fail
// with ErrViewClosed.
func (v *View) Close() error {
	v.cancel()

	v.emitMu.Lock()
	v.mu.Lock()
	if v.state == StateClosed {
		v.mu.Unlock()
		v.emitMu.Unlock()
		return nil
	}
	before := len(v.results)
	v.state = StateClosed
	v.results, v.pending, v.members = nil, nil, nil
	obs := v.observers
	v.observers = nil
	v.mu.Unlock()

	v.closeDone()
	if before != 0 {
		notify(obs, 0)
	}
	close(v.closed)
	v.emitMu.Unlock()

	if v.onClose != nil {
		v.onClose(v)
	}
	return nil
}

func (v *View) closeDone() {
	v.doneOnce.Do(func() { close(v.done) })
}

func notify(obs []observer, count int) {
	for _, o := range obs {
		o.fn(count)
	}
}
