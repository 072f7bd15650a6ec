package engine

import (
	"fmt"
	"slices"
	"sync"

	"github.com/celerix-dev/celerix-addressbook/internal/phone"
	"github.com/celerix-dev/celerix-addressbook/pkg/schema"
)

// InsertResult tells whether Insert added a new contact or replaced one.
type InsertResult uint8

const (
	Inserted InsertResult = iota + 1
	Replaced
)

func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Replaced:
		return "replaced"
	}
	return "unknown"
}

type entry struct {
	contact *schema.Contact
	seq     uint64
	keys    []string
}

// Index is the thread-safe contact map. It resolves contacts by ID, by
// backend handle and by phone-number suffix key. The three maps are only
// ever changed together under mu.
type Index struct {
	mu sync.RWMutex
	// byID and byHandle share entries, so both resolve to the same contact.
	byID     map[string]*entry
	byHandle map[schema.Handle]*entry
	// Structure: [suffix key][contact id]contact
	byPhone map[string]map[string]*schema.Contact
	seq     uint64
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		byID:     make(map[string]*entry),
		byHandle: make(map[schema.Handle]*entry),
		byPhone:  make(map[string]map[string]*schema.Contact),
	}
}

// Insert adds c, or replaces the contact with the same ID. A replaced contact
// keeps its position in insertion order and is returned as previous.
// The index takes ownership of c; callers must not modify it afterwards.
func (x *Index) Insert(c *schema.Contact) (res InsertResult, previous *schema.Contact, err error) {
	if c == nil || c.ID == "" {
		return 0, nil, ErrInvalidContact
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if !c.Handle.IsZero() {
		if owner, ok := x.byHandle[c.Handle]; ok && owner.contact.ID != c.ID {
			return 0, nil, fmt.Errorf("%w: %s", ErrHandleInUse, c.Handle)
		}
	}

	e, ok := x.byID[c.ID]
	if ok {
		previous = e.contact
		x.unlinkLocked(e)
		res = Replaced
	} else {
		x.seq++
		e = &entry{seq: x.seq}
		x.byID[c.ID] = e
		res = Inserted
	}

	e.contact = c
	e.keys = phoneKeys(c)
	if !c.Handle.IsZero() {
		x.byHandle[c.Handle] = e
	}
	for _, k := range e.keys {
		bucket := x.byPhone[k]
		if bucket == nil {
			bucket = make(map[string]*schema.Contact)
			x.byPhone[k] = bucket
		}
		bucket[c.ID] = c
	}
	return res, previous, nil
}

// Remove deletes the contact with the given ID and returns it.
func (x *Index) Remove(id string) (*schema.Contact, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	e, ok := x.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	x.unlinkLocked(e)
	delete(x.byID, id)
	return e.contact, nil
}

// RemoveByHandle deletes the contact indexed under h and returns it.
func (x *Index) RemoveByHandle(h schema.Handle) (*schema.Contact, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	e, ok := x.byHandle[h]
	if !ok {
		return nil, ErrNotFound
	}
	x.unlinkLocked(e)
	delete(x.byID, e.contact.ID)
	return e.contact, nil
}

// unlinkLocked drops the handle and phone entries of e. x.mu must be held.
func (x *Index) unlinkLocked(e *entry) {
	if h := e.contact.Handle; !h.IsZero() && x.byHandle[h] == e {
		delete(x.byHandle, h)
	}
	for _, k := range e.keys {
		bucket := x.byPhone[k]
		delete(bucket, e.contact.ID)
		if len(bucket) == 0 {
			delete(x.byPhone, k)
		}
	}
	e.keys = nil
}

// Reset empties the index and returns what it held, in insertion order.
func (x *Index) Reset() []*schema.Contact {
	x.mu.Lock()
	defer x.mu.Unlock()

	out := x.snapshotLocked()
	x.byID = make(map[string]*entry)
	x.byHandle = make(map[schema.Handle]*entry)
	x.byPhone = make(map[string]map[string]*schema.Contact)
	return out
}

// Lookup returns the contact with the given ID.
func (x *Index) Lookup(id string) (*schema.Contact, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	e, ok := x.byID[id]
	if !ok {
		return nil, false
	}
	return e.contact, true
}

// LookupByHandle returns the contact produced by the backend object h.
func (x *Index) LookupByHandle(h schema.Handle) (*schema.Contact, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	e, ok := x.byHandle[h]
	if !ok {
		return nil, false
	}
	return e.contact, true
}

// LookupByPhoneCandidates returns, in insertion order, the contacts sharing
// the suffix key of q. Every contact whose number matches q is among them,
// but not every candidate matches: confirm with phone.Match.
func (x *Index) LookupByPhoneCandidates(q phone.Number) []*schema.Contact {
	if !q.Valid() {
		return nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	bucket := x.byPhone[q.Key()]
	out := make([]*schema.Contact, 0, len(bucket))
	for id := range bucket {
		out = append(out, x.byID[id].contact)
	}
	x.sortBySeqLocked(out)
	return out
}

// Snapshot copies the indexed contacts in insertion order. The slice is
// safe to iterate after the call returns.
func (x *Index) Snapshot() []*schema.Contact {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.snapshotLocked()
}

func (x *Index) snapshotLocked() []*schema.Contact {
	entries := make([]*entry, 0, len(x.byID))
	for _, e := range x.byID {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b *entry) int {
		return compareSeq(a.seq, b.seq)
	})
	out := make([]*schema.Contact, len(entries))
	for i, e := range entries {
		out[i] = e.contact
	}
	return out
}

func (x *Index) sortBySeqLocked(list []*schema.Contact) {
	slices.SortFunc(list, func(a, b *schema.Contact) int {
		return compareSeq(x.byID[a.ID].seq, x.byID[b.ID].seq)
	})
}

func compareSeq(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Len returns the number of indexed contacts.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.byID)
}

// phoneKeys returns the distinct suffix keys of the valid numbers of c.
func phoneKeys(c *schema.Contact) []string {
	var keys []string
	for _, raw := range c.PhoneNumbers() {
		n := phone.Normalize(raw)
		if !n.Valid() {
			continue
		}
		if k := n.Key(); !slices.Contains(keys, k) {
			keys = append(keys, k)
		}
	}
	return keys
}

// verify checks that the three maps agree. Tests call it between writes.
func (x *Index) verify() error {
	x.mu.RLock()
	defer x.mu.RUnlock()

	handles := 0
	for id, e := range x.byID {
		if e.contact == nil || e.contact.ID != id {
			return fmt.Errorf("id %q maps to contact %v", id, e.contact)
		}
		if h := e.contact.Handle; !h.IsZero() {
			handles++
			if x.byHandle[h] != e {
				return fmt.Errorf("id %q: handle %s does not resolve to the same entry", id, h)
			}
		}
		want := phoneKeys(e.contact)
		if !slices.Equal(want, e.keys) {
			return fmt.Errorf("id %q: stale phone keys %v, want %v", id, e.keys, want)
		}
		for _, k := range want {
			if x.byPhone[k][id] != e.contact {
				return fmt.Errorf("id %q missing from phone key %s", id, k)
			}
		}
	}
	if handles != len(x.byHandle) {
		return fmt.Errorf("%d handles indexed, %d contacts carry one", len(x.byHandle), handles)
	}
	for k, bucket := range x.byPhone {
		if len(bucket) == 0 {
			return fmt.Errorf("empty phone bucket %s", k)
		}
		for id, c := range bucket {
			e, ok := x.byID[id]
			if !ok || e.contact != c || !slices.Contains(e.keys, k) {
				return fmt.Errorf("phone key %s holds stale contact %q", k, id)
			}
		}
	}
	return nil
}
