package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/modelgate/pkg/artifact"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	fileStore, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fileStore,
		"redis":  NewRedisStore(client, "test"),
	}
}

func TestCache_SaveAndLookup(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			c := New(store)

			_, ok, err := c.Lookup(ctx, "script_outline", "episode 1", "claude-sonnet")
			require.NoError(t, err)
			assert.False(t, ok, "miss is not an error")

			resp := artifact.New("outline", "anthropic", "claude-sonnet")
			saved, err := c.Save(ctx, "script_outline", "episode 1", "claude-sonnet", resp)
			require.NoError(t, err)

			got, ok, err := c.Lookup(ctx, "script_outline", "episode 1\r\n", "claude-sonnet")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, saved.CacheKey, got.CacheKey)
			assert.Equal(t, "outline", got.Response.Content)
			assert.Equal(t, "script_outline", got.Task)
			assert.Equal(t, "claude-sonnet", got.Model)
		})
	}
}

func TestCache_ModelIsPartOfKey(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryStore())

	_, err := c.Save(ctx, "script_outline", "episode 1", "claude-sonnet", artifact.New("a", "anthropic", "claude-sonnet"))
	require.NoError(t, err)

	_, ok, err := c.Lookup(ctx, "script_outline", "episode 1", "gpt-mini")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = c.Lookup(ctx, "script_summary", "episode 1", "claude-sonnet")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_SaveRequiresResponse(t *testing.T) {
	_, err := New(NewMemoryStore()).Save(context.Background(), "t", "i", "m", nil)
	require.Error(t, err)
}

func TestFileStore_Sharding(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileStore(root)
	require.NoError(t, err)

	entry, err := New(store).Save(context.Background(), "t", "i", "m", artifact.New("x", "p", "m"))
	require.NoError(t, err)

	path := filepath.Join(root, entry.CacheKey[:2], entry.CacheKey+".json")
	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "a\r\nb", want: "a\nb"},
		{in: "a   \nb\t", want: "a\nb"},
		{in: "\n\n  a\n\n", want: "a"},
		{in: "  indented\n  kept", want: "indented\n  kept"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), "input %q", tt.in)
	}
}

func TestKey(t *testing.T) {
	assert.Equal(t, Key("t", "a \r\n", "m"), Key("t", "a", "m"))
	assert.NotEqual(t, Key("ta", "b", "m"), Key("t", "ab", "m"), "separators prevent concatenation collisions")
	assert.Len(t, Key("t", "i", "m"), 64)
}
