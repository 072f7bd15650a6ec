package backend

import (
	"context"
	"sync"
)

// feed fans batches out to subscribers. Each subscriber owns an unbounded
// queue drained by its own goroutine, so publish never blocks the writer.
type feed struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	mu     sync.Mutex
	queue  []Batch
	signal chan struct{}
	out    chan Batch
	done   chan struct{}
}

func newFeed() *feed {
	return &feed{subs: make(map[int]*subscriber)}
}

// subscribe registers a subscriber whose first batch is initial. Callers
// must hold the lock that orders their publishes, so nothing published
// after the snapshot is lost or delivered twice.
func (f *feed) subscribe(ctx context.Context, initial Batch) (<-chan Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}

	s := &subscriber{
		signal: make(chan struct{}, 1),
		out:    make(chan Batch),
		done:   make(chan struct{}),
	}
	s.queue = append(s.queue, initial)
	s.signal <- struct{}{}

	f.nextID++
	id := f.nextID
	f.subs[id] = s

	go func() {
		defer close(s.out)
		defer f.unsubscribe(id)
		s.run(ctx)
	}()
	return s.out, nil
}

func (f *feed) unsubscribe(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
}

func (f *feed) publish(b Batch) {
	if b.IsEmpty() {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		s.push(b)
	}
}

// close ends every subscription. Subscribers see their channel closed
// after the batches already queued.
func (f *feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, s := range f.subs {
		close(s.done)
	}
}

func (s *subscriber) push(b Batch) {
	s.mu.Lock()
	s.queue = append(s.queue, b)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) pop() (Batch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Batch{}, false
	}
	b := s.queue[0]
	s.queue[0] = Batch{}
	s.queue = s.queue[1:]
	return b, true
}

func (s *subscriber) run(ctx context.Context) {
	for {
		b, ok := s.pop()
		if !ok {
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
		select {
		case s.out <- b:
		case <-ctx.Done():
			return
		}
	}
}
