package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/celerix-dev/celerix-addressbook/internal/vault"
	"github.com/celerix-dev/celerix-addressbook/pkg/schema"
)

const contactExt = ".json"

// Persistence handles the disk I/O for the file backend: one JSON file per
// contact, optionally sealed with the vault key.
type Persistence struct {
	DataDir string
	key     []byte
	logger  *slog.Logger
	mu      sync.Mutex // Protects concurrent writes to the filesystem
}

// NewPersistence initializes a persistence handler. A non-empty key must be
// 32 bytes and turns on encryption at rest.
func NewPersistence(dir string, key []byte, logger *slog.Logger) (*Persistence, error) {
	if len(key) == 0 {
		key = nil
	} else if len(key) != vault.KeySize {
		return nil, fmt.Errorf("%w, got %d", vault.ErrKeySize, len(key))
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Persistence{DataDir: dir, key: key, logger: logger}, nil
}

func (p *Persistence) path(id string) string {
	return filepath.Join(p.DataDir, id+contactExt)
}

// idFromPath returns the contact ID stored at path, or false for files
// that are not contact files.
func idFromPath(path string) (string, bool) {
	base := filepath.Base(path)
	if filepath.Ext(base) != contactExt || strings.HasPrefix(base, ".") {
		return "", false
	}
	return strings.TrimSuffix(base, contactExt), true
}

// validID rejects IDs that would escape the data directory.
func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && id != "." && id != ".."
}

// Encode renders c the way it is written to disk.
func (p *Persistence) Encode(c *schema.Contact) ([]byte, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, err
	}
	if p.key == nil {
		return data, nil
	}
	return vault.Seal(data, p.key)
}

// Decode parses a file written by Encode.
func (p *Persistence) Decode(raw []byte) (*schema.Contact, error) {
	data := raw
	if p.key != nil {
		plain, err := vault.Open(bytes.TrimSpace(raw), p.key)
		if err != nil {
			return nil, err
		}
		data = plain
	}
	var c schema.Contact
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Save writes a single contact to its file atomically and returns the bytes written.
func (p *Persistence) Save(c *schema.Contact) ([]byte, error) {
	if !validID(c.ID) {
		return nil, fmt.Errorf("invalid contact id %q", c.ID)
	}
	data, err := p.Encode(c)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	filePath := p.path(c.ID)
	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return nil, err
	}
	// Readers see either the old file or the new one, never a torn write.
	if err := os.Rename(tempPath, filePath); err != nil {
		return nil, err
	}
	return data, nil
}

// Delete removes the file of the contact with the given ID.
func (p *Persistence) Delete(id string) error {
	if !validID(id) {
		return fmt.Errorf("invalid contact id %q", id)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return os.Remove(p.path(id))
}

// Load reads one contact file. The returned bytes are the raw file content.
func (p *Persistence) Load(path string) (*schema.Contact, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	c, err := p.Decode(raw)
	if err != nil {
		return nil, raw, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if id, _ := idFromPath(path); c.ID != id {
		return nil, raw, fmt.Errorf("decode %s: file holds contact %q", filepath.Base(path), c.ID)
	}
	return c, raw, nil
}

// LoadAll returns every readable contact in the data directory, sorted by
// file name. Unreadable files are logged and skipped.
func (p *Persistence) LoadAll() ([]*schema.Contact, map[string][]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	files, err := os.ReadDir(p.DataDir)
	if err != nil {
		return nil, nil, err
	}

	var contacts []*schema.Contact
	raws := make(map[string][]byte)
	for _, file := range files {
		id, ok := idFromPath(file.Name())
		if !ok || file.IsDir() {
			continue
		}
		c, raw, err := p.Load(filepath.Join(p.DataDir, file.Name()))
		if err != nil {
			p.logger.Warn("skipping unreadable contact file", "file", file.Name(), "error", err)
			continue // Skip corrupted/unreadable files
		}
		contacts = append(contacts, c)
		raws[id] = raw
	}
	return contacts, raws, nil
}
