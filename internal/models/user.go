package models

import (
	"github.com/google/uuid"
)

// Role represents a participant role in an interview.
type Role string

const (
	RoleCandidate Role = "candidate"
	RoleEmployer  Role = "employer"
	RoleAdmin     Role = "admin"
)

// Profile is the subset of an account used to label call sessions.
// Accounts are owned by the account service; this service only reads them.
type Profile struct {
	ID       uuid.UUID `json:"id"`
	FullName string    `json:"full_name"`
	Role     Role      `json:"role"`
}
