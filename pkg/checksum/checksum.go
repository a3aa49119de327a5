// Package checksum computes SHA-256 digests of archives. Downloads expose the
// digest in the X-Checksum-SHA256 header and the mirror stores it alongside
// each uploaded object.
package checksum

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// CalculateSHA256 returns the lowercase hex SHA-256 of everything read from reader.
func CalculateSHA256(reader io.Reader) (string, error) {
	hasher := sha256.New()

	if _, err := io.Copy(hasher, reader); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// FileSHA256 returns the SHA-256 of the file at path.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return CalculateSHA256(f)
}

// VerifySHA256 reports whether the data read from reader hashes to expected.
// The comparison is case-insensitive.
func VerifySHA256(reader io.Reader, expected string) (bool, error) {
	actual, err := CalculateSHA256(reader)
	if err != nil {
		return false, err
	}

	return subtle.ConstantTimeCompare([]byte(actual), []byte(strings.ToLower(expected))) == 1, nil
}
