// Package ids holds thin wrappers over google/uuid's New and Parse; the
// other packages of the engine call google/uuid directly.
package ids

import "github.com/google/uuid"

// New mints a random v4 UUID.
func New() uuid.UUID {
	return uuid.New()
}

// Parse parses s into a UUID, surfacing the underlying error on malformed input.
func Parse(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}
