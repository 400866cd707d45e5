package core

import "github.com/google/uuid"

// NewUUIDv7 returns a time-ordered UUID string, falling back to a random
// UUID if the v7 generator fails.
func NewUUIDv7() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// IsValidUUIDv7 reports whether s is a canonical UUID with version 7.
func IsValidUUIDv7(s string) bool {
	id, err := uuid.Parse(s)
	if err != nil || len(s) != 36 {
		return false
	}
	return id.Version() == 7 && id.Variant() == uuid.RFC4122
}
