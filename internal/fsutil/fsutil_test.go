package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWrite(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name    string
		path    string
		data    []byte
		wantErr bool
	}{
		{
			name: "write to new file",
			path: filepath.Join(tmpDir, "new.txt"),
			data: []byte("hello world"),
		},
		{
			name: "overwrite existing file",
			path: filepath.Join(tmpDir, "existing.txt"),
			data: []byte("updated content"),
		},
		{
			name: "write empty file",
			path: filepath.Join(tmpDir, "empty.txt"),
			data: []byte{},
		},
		{
			name: "write to nested directory",
			path: filepath.Join(tmpDir, "nested", "deep", "file.txt"),
			data: []byte("nested content"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.name == "overwrite existing file" {
				require.NoError(t, os.WriteFile(tt.path, []byte("original"), 0600))
			}

			err := AtomicWrite(tt.path, tt.data)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			content, err := os.ReadFile(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.data, content)

			info, err := os.Stat(tt.path)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
		})
	}
}

func TestAtomicWriteJSON(t *testing.T) {
	tmpDir := t.TempDir()

	type testStruct struct {
		Name  string   `json:"name"`
		Count int      `json:"count"`
		Items []string `json:"items"`
	}

	tests := []struct {
		name    string
		path    string
		data    any
		wantErr bool
	}{
		{
			name: "write simple struct",
			path: filepath.Join(tmpDir, "simple.json"),
			data: testStruct{Name: "test", Count: 42, Items: []string{"a", "b", "c"}},
		},
		{
			name: "write map",
			path: filepath.Join(tmpDir, "map.json"),
			data: map[string]any{"key": "value", "number": 123},
		},
		{
			name:    "write nil fails",
			path:    filepath.Join(tmpDir, "nil.json"),
			data:    nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := AtomicWriteJSON(tt.path, tt.data)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			content, err := os.ReadFile(tt.path)
			require.NoError(t, err)
			require.NotEmpty(t, content)
			assert.Equal(t, byte('\n'), content[len(content)-1])
		})
	}
}

func TestAtomicWriteText(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "summary.md")

	require.NoError(t, AtomicWriteText(path, "# READY_TO_MERGE\n"))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# READY_TO_MERGE\n", string(content))
}

func TestAtomicWriteNoTempFilesLeft(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "test.txt")

	for i := 0; i < 5; i++ {
		require.NoError(t, AtomicWrite(testFile, []byte("content")))
	}

	entries, err := os.ReadDir(tmpDir)
	require.NoError(t, err)

	for _, entry := range entries {
		assert.Equal(t, "test.txt", entry.Name(), "unexpected file left behind")
	}
}

func TestAtomicWriteConcurrency(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "concurrent.txt")

	done := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			done <- AtomicWrite(testFile, []byte("concurrent write"))
		}()
	}

	for i := 0; i < 10; i++ {
		assert.NoError(t, <-done)
	}

	content, err := os.ReadFile(testFile)
	require.NoError(t, err)
	assert.Equal(t, "concurrent write", string(content))
}
