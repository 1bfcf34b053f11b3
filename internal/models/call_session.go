package models

import (
	"time"

	"github.com/google/uuid"
)

// DisconnectReason is the recorded cause of a session ending.
type DisconnectReason string

const (
	ReasonLeftIntentionally  DisconnectReason = "left_intentionally"
	ReasonTabClosed          DisconnectReason = "tab_closed"
	ReasonConnectionLost     DisconnectReason = "connection_lost"
	ReasonComponentUnmounted DisconnectReason = "component_unmounted"
	ReasonSessionExpired     DisconnectReason = "session_expired"
)

// OrDefault returns r, or left_intentionally when r is empty.
func (r DisconnectReason) OrDefault() DisconnectReason {
	if r == "" {
		return ReasonLeftIntentionally
	}
	return r
}

// CallSession is one continuous join-to-leave interval of a participant in a meeting.
// LeftAt == nil means the session is active; Duration is set together with LeftAt.
type CallSession struct {
	ID               uuid.UUID         `json:"id"`
	MeetingID        string            `json:"meeting_id"`
	UserID           *uuid.UUID        `json:"user_id,omitempty"`
	UserName         string            `json:"user_name"`
	UserRole         string            `json:"user_role"`
	PeerID           string            `json:"peer_id"`
	JoinedAt         time.Time         `json:"joined_at"`
	LeftAt           *time.Time        `json:"left_at,omitempty"`
	Duration         *int64            `json:"duration,omitempty"` // seconds
	DisconnectReason *DisconnectReason `json:"disconnect_reason,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// IsActive reports whether the session has not been left yet.
func (s *CallSession) IsActive() bool {
	return s != nil && s.LeftAt == nil
}

// ParticipantKey identifies the participant behind a session: the user id when
// authenticated, the peer id for guests.
func (s *CallSession) ParticipantKey() string {
	if s.UserID != nil {
		return s.UserID.String()
	}
	return s.PeerID
}

// Participant is the public projection of an active session used for peer discovery.
type Participant struct {
	ID       uuid.UUID  `json:"id"`
	UserID   *uuid.UUID `json:"user_id,omitempty"`
	UserName string     `json:"user_name"`
	UserRole string     `json:"user_role"`
	PeerID   string     `json:"peer_id"`
	JoinedAt time.Time  `json:"joined_at"`
}

// ToParticipant projects a session to its discovery view.
func (s CallSession) ToParticipant() Participant {
	return Participant{
		ID:       s.ID,
		UserID:   s.UserID,
		UserName: s.UserName,
		UserRole: s.UserRole,
		PeerID:   s.PeerID,
		JoinedAt: s.JoinedAt,
	}
}

// SessionAnalytics holds aggregates derived from a set of call sessions.
type SessionAnalytics struct {
	TotalSessions      int            `json:"total_sessions"`
	ActiveSessions     int            `json:"active_sessions"`
	CompletedSessions  int            `json:"completed_sessions"`
	TotalDuration      int64          `json:"total_duration"`
	AverageDuration    int64          `json:"average_duration"`
	Reconnections      int            `json:"reconnections"`
	UniqueParticipants int            `json:"unique_participants"`
	DisconnectReasons  map[string]int `json:"disconnect_reasons"`
}

// SessionHistory is the response of the history endpoint.
type SessionHistory struct {
	Sessions  []CallSession    `json:"sessions"`
	Analytics SessionAnalytics `json:"analytics"`
}

// LeaveResult is returned when a session is ended.
type LeaveResult struct {
	Success  bool       `json:"success"`
	Duration int64      `json:"duration"`
	LeftAt   *time.Time `json:"left_at,omitempty"`
}

// CreateSessionRequest is the body for creating or joining a session.
type CreateSessionRequest struct {
	MeetingID string `json:"meeting_id" binding:"required"`
	UserID    string `json:"user_id,omitempty"`
	UserName  string `json:"user_name"`
	UserRole  string `json:"user_role"`
	PeerID    string `json:"peer_id" binding:"required"`
}

// LeaveRequest is the body for leaving a session.
type LeaveRequest struct {
	SessionID        string           `json:"session_id" binding:"required"`
	DisconnectReason DisconnectReason `json:"disconnect_reason"`
}
