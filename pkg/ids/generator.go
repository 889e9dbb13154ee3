// Package ids provides time-ordered identifier generation
package ids

import (
	"github.com/google/uuid"
)

// Generator produces identifiers for persisted rows. Implementations must
// return time-ordered values so keyset pagination over (createdAt, id)
// stays cheap on every storage backend.
type Generator interface {
	NewID() uuid.UUID
}

// V7Generator generates UUID version 7 identifiers (unix-millisecond
// timestamp prefix, random suffix).
type V7Generator struct{}

// NewV7Generator creates a new V7Generator
func NewV7Generator() *V7Generator {
	return &V7Generator{}
}

// NewID returns a new UUIDv7. The random source only fails when the
// platform entropy pool is unavailable; in that case a random v4 id is
// returned so callers never observe the zero UUID.
func (g *V7Generator) NewID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// Compare orders two ids byte-wise. Used as the tiebreak in keyset
// pagination cursors.
func Compare(a, b uuid.UUID) int {
	for i := 0; i < len(a); i++ {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}
