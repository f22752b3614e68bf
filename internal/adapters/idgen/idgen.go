package idgen

import "github.com/google/uuid"

// Generator creates random UUID correlation IDs.
type Generator struct{}

// NewID returns a UUIDv4 string.
func (Generator) NewID() string {
	return uuid.NewString()
}
