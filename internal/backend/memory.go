package backend

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/celerix-dev/celerix-addressbook/pkg/schema"
)

// MemorySource is the source name of handles minted by Memory.
const MemorySource = "memory"

// Memory is a volatile backend. It is what tests and the embedded SDK mode run on.
type Memory struct {
	mu       sync.RWMutex
	contacts map[string]*schema.Contact
	order    []string
	closed   bool
	feed     *feed
}

// NewMemory returns a backend holding a copy of initial.
func NewMemory(initial ...*schema.Contact) *Memory {
	m := &Memory{
		contacts: make(map[string]*schema.Contact),
		feed:     newFeed(),
	}
	for _, c := range initial {
		stored := prepare(c, MemorySource)
		if _, ok := m.contacts[stored.ID]; !ok {
			m.order = append(m.order, stored.ID)
		}
		m.contacts[stored.ID] = stored
	}
	return m
}

// prepare copies c for storage: it gets an ID when missing, a fresh
// revision and a handle from source.
func prepare(c *schema.Contact, source string) *schema.Contact {
	out := c.Clone()
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	out.Revision = time.Now().UTC().Format(time.RFC3339Nano)
	out.Handle = schema.NewHandle(source, out.ID)
	return out
}

func (m *Memory) Changes(ctx context.Context) (<-chan Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.feed.subscribe(ctx, Batch{Added: m.listLocked()})
}

func (m *Memory) Create(_ context.Context, c *schema.Contact) (*schema.Contact, error) {
	if c == nil {
		return nil, fmt.Errorf("create: nil contact")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	stored := prepare(c, MemorySource)
	if _, ok := m.contacts[stored.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, stored.ID)
	}
	m.contacts[stored.ID] = stored
	m.order = append(m.order, stored.ID)
	m.feed.publish(Batch{Added: []*schema.Contact{stored.Clone()}})
	return stored.Clone(), nil
}

func (m *Memory) Update(_ context.Context, c *schema.Contact) error {
	if c == nil || c.ID == "" {
		return ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.contacts[c.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, c.ID)
	}

	stored := prepare(c, MemorySource)
	m.contacts[stored.ID] = stored
	m.feed.publish(Batch{Added: []*schema.Contact{stored.Clone()}})
	return nil
}

func (m *Memory) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	c, ok := m.contacts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.contacts, id)
	m.order = slices.DeleteFunc(m.order, func(s string) bool { return s == id })
	m.feed.publish(Batch{Removed: []schema.Handle{c.Handle}})
	return nil
}

func (m *Memory) List(_ context.Context) ([]*schema.Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.listLocked(), nil
}

func (m *Memory) listLocked() []*schema.Contact {
	out := make([]*schema.Contact, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.contacts[id].Clone())
	}
	return out
}

func (m *Memory) Sources(context.Context) ([]SourceInfo, error) {
	return []SourceInfo{{ID: MemorySource}}, nil
}

// Close ends every feed subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.feed.close()
	return nil
}
