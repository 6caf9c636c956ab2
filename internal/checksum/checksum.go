// Package checksum produces and verifies the "sha256:<hex>" digests
// stamped into evidence packets, so downstream tooling can prove the
// patch it consumes is the one the run emitted.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// SHA256Bytes hashes data and returns "sha256:<hex>".
func SHA256Bytes(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// SHA256File streams path through SHA256 and returns "sha256:<hex>".
func SHA256File(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("checksum: open %s: %w", path, err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("checksum: read %s: %w", path, err)
	}
	return "sha256:" + hex.EncodeToString(hasher.Sum(nil)), nil
}

// VerifyFile recomputes path's digest and compares it to expectedSum,
// which must be in "sha256:<hex>" form.
func VerifyFile(path string, expectedSum string) error {
	if !strings.HasPrefix(expectedSum, "sha256:") {
		return fmt.Errorf("checksum: invalid format: must start with 'sha256:'")
	}
	if len(expectedSum) != len("sha256:")+sha256.Size*2 {
		return fmt.Errorf("checksum: invalid format: expected %d characters, got %d", len("sha256:")+sha256.Size*2, len(expectedSum))
	}

	actualSum, err := SHA256File(path)
	if err != nil {
		return err
	}
	if actualSum != expectedSum {
		return fmt.Errorf("checksum: mismatch: expected %s, got %s", expectedSum, actualSum)
	}
	return nil
}
