package models

import (
	"strings"

	"github.com/google/uuid"
)

// IsGuestID reports whether a user identifier carries no durable identity:
// empty, "guest", or "guest-" prefixed.
func IsGuestID(id string) bool {
	id = strings.TrimSpace(id)
	return id == "" || id == "guest" || strings.HasPrefix(id, "guest-")
}

// ParseUserID returns the durable user id behind raw, or nil for guest-shaped or
// non-uuid identifiers. Guests are never an error.
func ParseUserID(raw string) *uuid.UUID {
	if IsGuestID(raw) {
		return nil
	}
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil
	}
	return &id
}
