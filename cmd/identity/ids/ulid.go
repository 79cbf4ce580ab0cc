// Package ids provides identifier primitives (ULID) shared by the messaging client.
package ids

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// PlaceholderPrefix marks locally generated message ids that the server has not confirmed.
const PlaceholderPrefix = "tmp-"

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable, which keeps frame ids readable in logs.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewPlaceholderID returns an id for an optimistic message.
// It never collides with server ids because of the prefix.
func NewPlaceholderID(now time.Time) string {
	id, err := NewULID(now)
	if err != nil {
		// crypto/rand failing is not recoverable in a meaningful way; fall back to a monotonic-ish value.
		return PlaceholderPrefix + ulid.Make().String()
	}
	return PlaceholderPrefix + id
}

// IsPlaceholder reports whether id was produced by NewPlaceholderID.
func IsPlaceholder(id string) bool {
	return strings.HasPrefix(id, PlaceholderPrefix)
}
