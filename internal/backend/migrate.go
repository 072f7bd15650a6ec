package backend

import (
	"context"
	"errors"
	"fmt"
)

// Migrate copies every contact from src into dst, keeping IDs. Contacts
// already present in dst are overwritten. It returns how many were copied.
// This works for:
// - Memory -> File (persisting a scratch address book)
// - File -> File (re-keying or moving a data directory)
func Migrate(ctx context.Context, src, dst Backend) (int, error) {
	contacts, err := src.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list contacts: %w", err)
	}

	copied := 0
	for _, c := range contacts {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		_, err := dst.Create(ctx, c)
		if errors.Is(err, ErrExists) {
			err = dst.Update(ctx, c)
		}
		if err != nil {
			return copied, fmt.Errorf("failed to copy contact %s: %w", c.ID, err)
		}
		copied++
	}
	return copied, nil
}
