package utils

import (
	"github.com/google/uuid"
)

// GenerateID returns a random RFC 4122 identifier.
func GenerateID() string {
	return uuid.NewString()
}

// ShortID returns the first eight hex digits of a fresh identifier, for log
// tags.
func ShortID() string {
	return GenerateID()[:8]
}
