package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_ReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "routing.yaml", baseYAML)

	store, err := NewStore(base, nil, nil)
	require.NoError(t, err)
	first := store.Snapshot()

	writeFile(t, dir, "routing.yaml", "providers: [not, a, map]\n")
	snap, err := store.Reload()
	require.Error(t, err)
	assert.Same(t, first, snap)
	assert.Same(t, first, store.Snapshot())

	writeFile(t, dir, "routing.yaml", strings.Replace(baseYAML, "default_tier: standard", "default_tier: cheap", 1))
	snap, err = store.Reload()
	require.NoError(t, err)
	assert.NotSame(t, first, snap)
	assert.Equal(t, "cheap", store.Snapshot().DefaultTier())
	assert.Equal(t, "standard", first.DefaultTier(), "old snapshot is never mutated")
}

func TestStore_NewStoreFailsFast(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "routing.yaml", "tiers: {}\n")

	_, err := NewStore(base, nil, nil)
	require.Error(t, err)
}

func TestStore_StaticReload(t *testing.T) {
	snap, err := Parse([]byte(baseYAML))
	require.NoError(t, err)

	store := NewStaticStore(snap)
	got, err := store.Reload()
	require.Error(t, err)
	assert.Same(t, snap, got)
}

func TestStore_WatchReloadsOverlay(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "routing.yaml", baseYAML)
	overlay := filepath.Join(dir, "routing.local.yaml")

	store, err := NewStore(base, []string{overlay}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var changes atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- store.Watch(ctx, func(*Snapshot) { changes.Add(1) })
	}()

	// Give the watcher time to register before the first write.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(overlay, []byte("default_tier: cheap\n"), 0o644))

	require.Eventually(t, func() bool {
		return store.Snapshot().DefaultTier() == "cheap"
	}, 5*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, changes.Load(), int32(1))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}
