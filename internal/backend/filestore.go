package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/celerix-dev/celerix-addressbook/pkg/schema"
)

// FileSource is the source name of handles minted by FileStore.
const FileSource = "file"

// FileStoreOptions configures OpenFileStore.
type FileStoreOptions struct {
	Dir string
	// Key, when set, encrypts every contact file with AES-256-GCM.
	Key    []byte
	Logger *slog.Logger
	// Watch follows edits made to the directory by other processes.
	Watch bool
}

// FileStore keeps one JSON file per contact in a directory and serves
// them from memory.
type FileStore struct {
	persist *Persistence
	logger  *slog.Logger

	mu       sync.RWMutex
	contacts map[string]*schema.Contact
	raw      map[string][]byte
	order    []string
	closed   bool
	feed     *feed

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// OpenFileStore loads every contact file in opts.Dir.
func OpenFileStore(opts FileStoreOptions) (*FileStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p, err := NewPersistence(opts.Dir, opts.Key, logger)
	if err != nil {
		return nil, err
	}
	loaded, raw, err := p.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("load contacts: %w", err)
	}

	s := &FileStore{
		persist:  p,
		logger:   logger.With("backend", FileSource),
		contacts: make(map[string]*schema.Contact, len(loaded)),
		raw:      raw,
		feed:     newFeed(),
		done:     make(chan struct{}),
	}
	for _, c := range loaded {
		c.Handle = schema.NewHandle(FileSource, c.ID)
		s.contacts[c.ID] = c
		s.order = append(s.order, c.ID)
	}
	s.logger.Info("contacts loaded", "dir", opts.Dir, "count", len(loaded), "encrypted", len(opts.Key) > 0)

	if opts.Watch {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("watch %s: %w", opts.Dir, err)
		}
		if err := w.Add(opts.Dir); err != nil {
			w.Close()
			return nil, fmt.Errorf("watch %s: %w", opts.Dir, err)
		}
		s.watcher = w
		s.wg.Add(1)
		go s.watch()
	}
	return s, nil
}

func (s *FileStore) Changes(ctx context.Context) (<-chan Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.feed.subscribe(ctx, Batch{Added: s.listLocked()})
}

func (s *FileStore) Create(_ context.Context, c *schema.Contact) (*schema.Contact, error) {
	if c == nil {
		return nil, fmt.Errorf("create: nil contact")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	stored := prepare(c, FileSource)
	if _, ok := s.contacts[stored.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, stored.ID)
	}
	if err := s.storeLocked(stored); err != nil {
		return nil, err
	}
	s.order = append(s.order, stored.ID)
	return stored.Clone(), nil
}

func (s *FileStore) Update(_ context.Context, c *schema.Contact) error {
	if c == nil || c.ID == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.contacts[c.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, c.ID)
	}
	return s.storeLocked(prepare(c, FileSource))
}

// storeLocked writes c to disk, then to memory, then to the feed.
func (s *FileStore) storeLocked(c *schema.Contact) error {
	raw, err := s.persist.Save(c)
	if err != nil {
		return fmt.Errorf("save %s: %w", c.ID, err)
	}
	s.contacts[c.ID] = c
	s.raw[c.ID] = raw
	s.feed.publish(Batch{Added: []*schema.Contact{c.Clone()}})
	return nil
}

func (s *FileStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	c, ok := s.contacts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := s.persist.Delete(id); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	s.forgetLocked(c)
	return nil
}

func (s *FileStore) forgetLocked(c *schema.Contact) {
	delete(s.contacts, c.ID)
	delete(s.raw, c.ID)
	s.order = slices.DeleteFunc(s.order, func(id string) bool { return id == c.ID })
	s.feed.publish(Batch{Removed: []schema.Handle{c.Handle}})
}

func (s *FileStore) List(_ context.Context) ([]*schema.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.listLocked(), nil
}

func (s *FileStore) listLocked() []*schema.Contact {
	out := make([]*schema.Contact, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.contacts[id].Clone())
	}
	return out
}

func (s *FileStore) Sources(context.Context) ([]SourceInfo, error) {
	return []SourceInfo{{ID: FileSource}}, nil
}

// Close stops the watcher and ends every feed subscription.
func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.feed.close()
	close(s.done)
	s.mu.Unlock()

	var err error
	if s.watcher != nil {
		err = s.watcher.Close()
	}
	s.wg.Wait()
	return err
}

func (s *FileStore) watch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(event)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (s *FileStore) handleEvent(event fsnotify.Event) {
	id, ok := idFromPath(event.Name)
	if !ok {
		return
	}
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		s.reload(id, event.Name)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		if _, err := os.Stat(event.Name); err == nil {
			s.reload(id, event.Name)
			return
		}
		s.mu.Lock()
		if c, ok := s.contacts[id]; ok && !s.closed {
			s.logger.Debug("contact file removed externally", "id", id)
			s.forgetLocked(c)
		}
		s.mu.Unlock()
	}
}

// reload picks up a file written by someone else. Files identical to what
// this store last wrote are ignored, which filters out our own writes.
func (s *FileStore) reload(id, path string) {
	c, raw, err := s.persist.Load(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("ignoring unreadable contact file", "file", path, "error", err)
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || bytes.Equal(s.raw[id], raw) {
		return
	}
	c.Handle = schema.NewHandle(FileSource, id)
	if _, ok := s.contacts[id]; !ok {
		s.order = append(s.order, id)
	}
	s.contacts[id] = c
	s.raw[id] = raw
	s.logger.Debug("contact file changed externally", "id", id)
	s.feed.publish(Batch{Added: []*schema.Contact{c.Clone()}})
}
