package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Fingerprint is the hex-encoded SHA-256 digest of a document's bytes. It is
// the cache key for everything extracted from the document, so renaming or
// moving a file keeps its cache entry while any content change produces a new
// one.
type Fingerprint string

// FingerprintBytes returns the fingerprint of data.
func FingerprintBytes(data []byte) Fingerprint {
	sum := sha256.Sum256(data)
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// FingerprintReader returns the fingerprint of everything read from r.
func FingerprintReader(r io.Reader) (Fingerprint, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("cache: fingerprint: %w", err)
	}
	return Fingerprint(hex.EncodeToString(h.Sum(nil))), nil
}

// Short returns the first 12 hex digits, for logs.
func (f Fingerprint) Short() string {
	if len(f) > 12 {
		return string(f[:12])
	}
	return string(f)
}

// Valid reports whether f looks like a SHA-256 hex digest.
func (f Fingerprint) Valid() bool {
	if len(f) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(string(f))
	return err == nil
}
