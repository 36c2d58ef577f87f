// Package fingerprint computes content digests of transcript files for
// change detection. Fingerprints are compared for equality only.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
)

// Algorithm is the tag prefixed to every fingerprint.
const Algorithm = "sha256"

// ErrNotFound is returned when the file to fingerprint does not exist.
var ErrNotFound = errors.New("fingerprint: file not found")

// Fingerprint is an algorithm-tagged digest such as "sha256:ab12...".
type Fingerprint string

// String implements fmt.Stringer.
func (f Fingerprint) String() string { return string(f) }

// IsZero reports whether f is empty.
func (f Fingerprint) IsZero() bool { return f == "" }

// Algorithm returns the tag part of f, or "" when f is untagged.
func (f Fingerprint) Algorithm() string {
	alg, _, ok := strings.Cut(string(f), ":")
	if !ok {
		return ""
	}
	return alg
}

// File streams the file at path through the digest.
func File(path string) (Fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	fp, err := Reader(f)
	if err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return fp, nil
}

// Reader digests everything readable from r.
func Reader(r io.Reader) (Fingerprint, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return Fingerprint(Algorithm + ":" + hex.EncodeToString(h.Sum(nil))), nil
}
