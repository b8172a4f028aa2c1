// Package digest computes content digests used as cache identities.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/BaSui01/convertflow/internal/pool"
)

// Size is the length of a hex-encoded digest.
const Size = sha256.Size * 2

// ErrInvalidDigest is returned by Parse for malformed digests.
var ErrInvalidDigest = errors.New("invalid content digest")

// Digest is the lowercase hex SHA-256 of some content.
type Digest string

// String implements fmt.Stringer.
func (d Digest) String() string { return string(d) }

// Short returns a prefix suitable for log lines.
func (d Digest) Short() string {
	if len(d) <= 12 {
		return string(d)
	}
	return string(d[:12])
}

// Parse validates a hex digest.
func Parse(s string) (Digest, error) {
	if len(s) != Size {
		return "", ErrInvalidDigest
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", ErrInvalidDigest
	}
	for _, c := range s {
		if c >= 'A' && c <= 'F' {
			return "", ErrInvalidDigest
		}
	}
	return Digest(s), nil
}

// File hashes the file at path in pool.ChunkSize chunks.
func File(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	d, err := Reader(f)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return d, nil
}

// Reader hashes everything readable from r, one chunk at a time.
func Reader(r io.Reader) (Digest, error) {
	h := sha256.New()
	if _, err := copyChunked(h, r); err != nil {
		return "", err
	}
	return sum(h), nil
}

// Bytes hashes an in-memory buffer.
func Bytes(b []byte) Digest {
	s := sha256.Sum256(b)
	return Digest(hex.EncodeToString(s[:]))
}

func sum(h hash.Hash) Digest {
	return Digest(hex.EncodeToString(h.Sum(nil)))
}

func copyChunked(dst io.Writer, src io.Reader) (int64, error) {
	return pool.Chunks.Copy(onlyWriter{dst}, onlyReader{src})
}

// onlyWriter and onlyReader hide ReaderFrom/WriterTo so io.CopyBuffer
// honours the chunk size.
type onlyWriter struct{ io.Writer }

type onlyReader struct{ io.Reader }
