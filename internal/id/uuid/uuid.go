// Package uuid generates and validates run identifiers.
package uuid

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrInvalidID is returned by Parse for strings that are not UUIDs.
var ErrInvalidID = errors.New("invalid id")

// Generator creates time-ordered UUID v7 strings.
type Generator struct{}

// New creates a Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID v7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Parse normalizes id to its canonical lowercase form.
func Parse(id string) (string, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return parsed.String(), nil
}
