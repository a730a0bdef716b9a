// Package cursor persists round-robin rotation offsets per tier.
//
// A cursor is a load-spreading hint, not a source of truth: backends may lose
// a concurrent update (skewing distribution) but never corrupt a value.
package cursor

import (
	"context"
	"fmt"
)

// Store holds one counter per key. Keys are tier names, or "task:<name>" for
// override chains.
type Store interface {
	// Get returns the stored next index for key (zero when unset).
	Get(ctx context.Context, key string) (int, error)

	// Advance moves key forward by one within a chain of chainLen entries
	// and returns the new next index.
	Advance(ctx context.Context, key string, chainLen int) (int, error)

	// Reset clears key.
	Reset(ctx context.Context, key string) error

	// List returns every known key with its next index.
	List(ctx context.Context) (map[string]int, error)
}

// Offset maps a stored index onto a chain of n entries.
func Offset(next, n int) int {
	if n <= 0 {
		return 0
	}
	off := next % n
	if off < 0 {
		off += n
	}
	return off
}

// TaskKey is the cursor key for a task-pinned override chain.
func TaskKey(task string) string {
	return "task:" + task
}

func checkLen(chainLen int) error {
	if chainLen <= 0 {
		return fmt.Errorf("cursor: chain length must be positive, got %d", chainLen)
	}
	return nil
}
