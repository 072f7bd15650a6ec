package sdk

import (
	"context"
	"log/slog"
	"os"

	"github.com/celerix-dev/celerix-addressbook/internal/backend"
	"github.com/celerix-dev/celerix-addressbook/internal/vault"
)

// New initializes the address book based on the environment.
// It returns the interface, so the app doesn't care if it's local or remote.
//
// CELERIX_ADDRESSBOOK_ADDR selects a remote daemon. Otherwise the contacts
// in dataDir are served in-process, decrypted with CELERIX_ENCRYPTION_KEY
// when it is set.
func New(ctx context.Context, dataDir string) (AddressBook, error) {
	// 1. Check if a remote daemon is defined in environment variables
	if remoteAddr := os.Getenv("CELERIX_ADDRESSBOOK_ADDR"); remoteAddr != "" {
		client, err := Connect(remoteAddr)
		if err == nil {
			return client, nil
		}
		slog.Warn("remote address book unreachable, falling back to embedded mode", "addr", remoteAddr, "error", err)
	}

	// 2. Fallback to embedded mode over the same storage the daemon uses
	var key []byte
	if raw := os.Getenv("CELERIX_ENCRYPTION_KEY"); raw != "" {
		k, err := vault.ParseKey(raw)
		if err != nil {
			return nil, err
		}
		key = k
	}
	store, err := backend.OpenFileStore(backend.FileStoreOptions{Dir: dataDir, Key: key})
	if err != nil {
		return nil, err
	}
	e, err := NewEmbedded(ctx, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	return e, nil
}
