package fsutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// ErrExists is returned by CreateExclusive when the destination already exists.
var ErrExists = errors.New("destination already exists")

// ReadRetries bounds how often ReadJSON retries a missing or torn file.
var ReadRetries = 5

// ReadBackoff is the pause between ReadJSON retries.
var ReadBackoff = 10 * time.Millisecond

// WriteFile stages data in a temp file beside path and renames it into place.
// Readers never observe a partially written file.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	tmp, err := stage(path, data, perm)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// WriteJSON marshals value with indentation and writes it atomically.
func WriteJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	return WriteFile(path, data, 0600)
}

// CreateExclusive stages data and links it into place only when path does not
// exist yet. Exactly one of several concurrent creators succeeds; the others
// receive ErrExists.
func CreateExclusive(path string, data []byte, perm os.FileMode) error {
	tmp, err := stage(path, data, perm)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrExists
		}
		return fmt.Errorf("link %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ReadJSON decodes path into value, retrying briefly when the file is missing
// or cannot be parsed, since a writer may be mid-rename. The final error is
// returned once retries are exhausted; fs.ErrNotExist is preserved.
func ReadJSON(path string, value any) error {
	var lastErr error
	for attempt := 0; attempt <= ReadRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(ReadBackoff)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			lastErr = err
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
		if err := json.Unmarshal(data, value); err != nil {
			lastErr = fmt.Errorf("decode %s: %w", filepath.Base(path), err)
			continue
		}
		return nil
	}
	return lastErr
}

func stage(path string, data []byte, perm os.FileMode) (string, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return "", err
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	if err := os.Chmod(name, perm); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}
