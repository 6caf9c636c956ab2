// Package fsutil provides durable, atomic writes for the artifact tree:
// status files, intent/impact/blocker documents, and the live-state
// snapshot all go through the same write-then-rename path so a reader
// never observes a torn file.
package fsutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// AtomicWrite writes data to path via a temp file in the same directory,
// fsync, and an atomic rename — readers never see a partial write.
func AtomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("fsutil: create directory for %s: %w", path, err)
	}

	t, err := renameio.TempFile("", path)
	if err != nil {
		return fmt.Errorf("fsutil: open temp file for %s: %w", path, err)
	}
	defer t.Cleanup()

	if err := t.Chmod(0o600); err != nil {
		return fmt.Errorf("fsutil: chmod temp file for %s: %w", path, err)
	}
	if _, err := t.Write(data); err != nil {
		return fmt.Errorf("fsutil: write %s: %w", path, err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("fsutil: rename into place %s: %w", path, err)
	}
	return nil
}

// AtomicWriteJSON marshals v with indentation, appends a trailing newline,
// and writes it atomically.
func AtomicWriteJSON(path string, v any) error {
	if v == nil {
		return fmt.Errorf("fsutil: cannot write nil value to %s", path)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("fsutil: marshal JSON for %s: %w", path, err)
	}
	data = append(data, '\n')
	return AtomicWrite(path, data)
}

// AtomicWriteText writes plain text atomically, creating parent directories
// as needed. Used for diff.patch, test-logs.txt, summary.md.
func AtomicWriteText(path string, text string) error {
	return AtomicWrite(path, []byte(text))
}
