package fsutil

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "record.json")

	require.NoError(t, WriteJSON(path, map[string]int{"next_index": 3}))

	var got map[string]int
	require.NoError(t, ReadJSON(path, &got))
	require.Equal(t, 3, got["next_index"])

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not linger")
}

func TestCreateExclusiveSingleWinner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.json")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := CreateExclusive(path, []byte(`{}`), 0600)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrExists) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}

func TestReadJSONMissingFile(t *testing.T) {
	oldRetries := ReadRetries
	ReadRetries = 1
	t.Cleanup(func() { ReadRetries = oldRetries })

	var v map[string]any
	err := ReadJSON(filepath.Join(t.TempDir(), "absent.json"), &v)
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestReadJSONToleratesLateRename(t *testing.T) {
	path := filepath.Join(t.TempDir(), "late.json")
	go func() {
		time.Sleep(15 * time.Millisecond)
		_ = WriteJSON(path, map[string]string{"status": "ready"})
	}()

	var got map[string]string
	require.NoError(t, ReadJSON(path, &got))
	require.Equal(t, "ready", got["status"])
}

func TestTryLockExcludes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tier.lock")

	first, err := TryLock(context.Background(), path)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = TryLock(ctx, path)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, first.Unlock())
	second, err := TryLock(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, second.Unlock())
}
