// Package cache stores prior call results keyed by task, normalized input and
// the resolved model. Entries never expire; eviction is external housekeeping.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/zen-systems/modelgate/pkg/artifact"
)

// Entry is one cached response.
type Entry struct {
	CacheKey  string             `json:"cache_key"`
	Task      string             `json:"task"`
	Model     string             `json:"model"`
	Response  *artifact.Artifact `json:"response"`
	CreatedAt time.Time          `json:"created_at"`
}

// Store is a key-value backend for entries. Get reports ok=false on a miss;
// a miss is not an error.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Put(ctx context.Context, entry *Entry) error
}

// Cache computes keys and delegates to a Store.
type Cache struct {
	store Store
}

// New wraps a store.
func New(store Store) *Cache {
	return &Cache{store: store}
}

// Lookup returns the entry for (task, input, model) if present.
func (c *Cache) Lookup(ctx context.Context, task, input, model string) (*Entry, bool, error) {
	return c.store.Get(ctx, Key(task, input, model))
}

// Save records resp as the result for (task, input, model).
func (c *Cache) Save(ctx context.Context, task, input, model string, resp *artifact.Artifact) (*Entry, error) {
	if resp == nil {
		return nil, errors.New("cache: response is required")
	}
	entry := &Entry{
		CacheKey:  Key(task, input, model),
		Task:      task,
		Model:     model,
		Response:  resp,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.Put(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Key hashes task, normalized input and resolved model. The model is part of
// the key so a routing change never returns another model's result.
func Key(task, input, model string) string {
	h := sha256.New()
	h.Write([]byte(task))
	h.Write([]byte{0})
	h.Write([]byte(Normalize(input)))
	h.Write([]byte{0})
	h.Write([]byte(model))
	return hex.EncodeToString(h.Sum(nil))
}

// Normalize canonicalizes line endings and whitespace so cosmetic edits do not
// miss the cache.
func Normalize(input string) string {
	input = strings.ReplaceAll(input, "\r\n", "\n")
	input = strings.ReplaceAll(input, "\r", "\n")
	lines := strings.Split(input, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
