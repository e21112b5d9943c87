// Package digest computes the content digests used as dedup keys.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"

	"github.com/pkgpatch/pkgpatch/pkg/errors"
)

// HexLength is the length of a hex-encoded digest string.
const HexLength = sha256.Size * 2

// Absent is the sentinel digest recorded for a component slot that was
// empty before replacement.
const Absent = "absent"

// File computes the digest of the file at path.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "failed to open file for digest")
	}
	defer f.Close()

	return Reader(f)
}

// Reader computes the digest of everything readable from r.
func Reader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", errors.Wrap(err, "failed to digest stream")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Valid reports whether s has the shape of a digest produced by this
// package: hex characters of the expected length.
func Valid(s string) bool {
	if len(s) != HexLength {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// Writer accumulates a digest of everything written to it. It is meant
// to sit behind an io.MultiWriter so downloads are hashed while they
// stream to disk.
type Writer struct {
	h hash.Hash
}

// NewWriter creates a digesting writer.
func NewWriter() *Writer {
	return &Writer{h: sha256.New()}
}

func (w *Writer) Write(p []byte) (int, error) {
	return w.h.Write(p)
}

// Sum returns the hex-encoded digest of all bytes written so far.
func (w *Writer) Sum() string {
	return hex.EncodeToString(w.h.Sum(nil))
}
