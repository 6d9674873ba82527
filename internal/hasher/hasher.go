// Package hasher fingerprints byte streams with SHA-256.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// Reader hashes everything read through it.
type Reader struct {
	source io.Reader
	h      hash.Hash
	n      int64
}

func NewReader(source io.Reader) *Reader {
	return &Reader{source: source, h: sha256.New()}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.source.Read(p)
	if 0 < n {
		r.h.Write(p[:n])
		r.n += int64(n)
	}
	return n, err
}

// Sum returns the hex digest of the bytes read so far.
func (r *Reader) Sum() string {
	return hex.EncodeToString(r.h.Sum(nil))
}

// Size returns the number of bytes read so far.
func (r *Reader) Size() int64 { return r.n }

// Copy writes source into dest and returns the digest and size in one pass.
func Copy(dest io.Writer, source io.Reader) (string, int64, error) {
	hr := NewReader(source)
	if _, err := io.Copy(dest, hr); err != nil {
		return "", hr.Size(), err
	}
	return hr.Sum(), hr.Size(), nil
}

// Sum hashes source to the end.
func Sum(source io.Reader) (string, error) {
	digest, _, err := Copy(io.Discard, source)
	return digest, err
}

// Valid reports whether s looks like a digest produced by this package.
func Valid(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return false
		}
	}
	return true
}
