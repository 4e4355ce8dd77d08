// Package uuid generates run identifiers.
package uuid

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 run IDs.
type Generator struct{}

// New creates a Generator.
func New() Generator {
	return Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Started reports the creation time embedded in a UUIDv7 run ID. Run IDs
// supplied by operators are free-form, so ok is false for anything else.
func Started(runID string) (time.Time, bool) {
	id, err := uuid.Parse(runID)
	if err != nil || id.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := id.Time().UnixTime()
	return time.Unix(sec, nsec).UTC(), true
}
