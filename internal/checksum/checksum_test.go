package checksum

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helloSum = "sha256:b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

func writeFixture(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture")
	require.NoError(t, os.WriteFile(path, content, 0600))
	return path
}

func TestSHA256Bytes(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected string
	}{
		{"empty", []byte{}, "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{"hello world", []byte("hello world"), helloSum},
		{"json object", []byte(`{"key":"value"}`), "sha256:e43abcf3375244839c012f9633f95862d232a95b00d5bc7348b3098b9fed7f32"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SHA256Bytes(tt.input))
		})
	}
}

func TestSHA256File(t *testing.T) {
	path := writeFixture(t, []byte("hello world"))

	hash, err := SHA256File(path)
	require.NoError(t, err)
	assert.Equal(t, helloSum, hash)

	_, err = SHA256File(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestSHA256FileStreamsLargeFiles(t *testing.T) {
	content := make([]byte, 1024*1024)
	for i := range content {
		content[i] = byte(i % 256)
	}
	path := writeFixture(t, content)

	hash, err := SHA256File(path)
	require.NoError(t, err)
	assert.Len(t, hash, 71)
	assert.Equal(t, "sha256:", hash[:7])

	again, err := SHA256File(path)
	require.NoError(t, err)
	assert.Equal(t, hash, again)
}

func TestVerifyFile(t *testing.T) {
	path := writeFixture(t, []byte("hello world"))

	tests := []struct {
		name        string
		path        string
		expectedSum string
		wantErr     bool
	}{
		{"matching digest", path, helloSum, false},
		{"wrong digest", path, "sha256:0000000000000000000000000000000000000000000000000000000000000000", true},
		{"missing file", filepath.Join(t.TempDir(), "missing.txt"), helloSum, true},
		{"missing prefix", path, helloSum[len("sha256:"):], true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyFile(tt.path, tt.expectedSum)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
