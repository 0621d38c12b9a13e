// Package sha256 derives deterministic storage keys with SHA-256.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher. Digests are lower-case hex, truncated to
// Length characters when Length is positive.
type Hasher struct {
	Length int
}

// New returns a hasher producing digests of at most length hex characters;
// zero keeps the full 64.
func New(length int) *Hasher {
	return &Hasher{Length: length}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if h.Length > 0 && h.Length < len(digest) {
		digest = digest[:h.Length]
	}
	return digest, nil
}
