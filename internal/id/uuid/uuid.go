// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUID strings. The zero value issues time-ordered v7 IDs.
type Generator struct {
	random bool
}

// New creates a Generator issuing UUIDv7 strings, which sort by creation time.
func New() *Generator {
	return &Generator{}
}

// NewRandom creates a Generator issuing UUIDv4 strings, used where IDs must
// not leak ordering (proxy session tokens).
func NewRandom() *Generator {
	return &Generator{random: true}
}

// NewID returns a new UUID string.
func (g Generator) NewID() (string, error) {
	if g.random {
		id, err := uuid.NewRandom()
		if err != nil {
			return "", fmt.Errorf("generate uuid4: %w", err)
		}
		return id.String(), nil
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}
