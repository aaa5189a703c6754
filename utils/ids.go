package utils

import (
	"strings"

	"github.com/google/uuid"
)

// localIDPrefix marks session ids minted without a durable write. Telemetry
// for such sessions is dropped rather than written against a missing row.
const localIDPrefix = "local-"

// NewID returns a fresh random row id.
func NewID() string {
	return uuid.NewString()
}

// NewLocalSessionID returns an id for a session that could not be persisted.
func NewLocalSessionID() string {
	return localIDPrefix + uuid.NewString()
}

// IsLocalSessionID reports whether id was minted by NewLocalSessionID.
func IsLocalSessionID(id string) bool {
	return strings.HasPrefix(id, localIDPrefix)
}
