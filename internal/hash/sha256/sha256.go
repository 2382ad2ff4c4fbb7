// Package sha256 derives job idempotency keys.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/JakeFAU/zipmailer/internal/bundle"
)

// Hasher implements bundle.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// IdempotencyKey returns the stable key for job: the digest of its links,
// recipient, and submission time.
func (h *Hasher) IdempotencyKey(job bundle.Job) (string, error) {
	return h.Hash(job.IdempotencyMaterial())
}
