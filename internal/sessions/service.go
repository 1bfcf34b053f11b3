package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/interviewlink/backend/internal/models"
)

var (
	// ErrSessionNotFound is returned when a session does not exist or has already ended.
	ErrSessionNotFound = errors.New("call session not found")
	// ErrActiveSessionExists is returned by a Store when the one-active-session index rejects an insert.
	ErrActiveSessionExists = errors.New("active call session already exists")
)

const (
	defaultGuestName = "Guest"
	defaultGuestRole = "guest"
)

// Store persists call sessions. *Repository is the Postgres implementation.
type Store interface {
	Create(ctx context.Context, p CreateParams) (*models.CallSession, error)
	FindActive(ctx context.Context, meetingID string, userID uuid.UUID) (*models.CallSession, error)
	// End closes an active session at leftAt, or at the current time when leftAt is nil.
	End(ctx context.Context, sessionID uuid.UUID, reason models.DisconnectReason, leftAt *time.Time) (*models.CallSession, error)
	ListActive(ctx context.Context, meetingID string) ([]models.CallSession, error)
	List(ctx context.Context, meetingID string, userID *uuid.UUID) ([]models.CallSession, error)
	ExpireStale(ctx context.Context, cutoff time.Time, reason models.DisconnectReason) (int64, error)
}

// ProfileLookup resolves display data for authenticated users.
type ProfileLookup interface {
	GetProfile(ctx context.Context, id uuid.UUID) (*models.Profile, error)
}

// Service is the session persistence service: it owns the join/leave lifecycle of call sessions.
type Service struct {
	store    Store
	profiles ProfileLookup
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a session service. profiles may be nil.
func NewService(store Store, profiles ProfileLookup, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, profiles: profiles, logger: logger, now: time.Now}
}

// Create returns the caller's active session in the meeting, creating it when none exists.
// An active session registered under a different peer id belongs to a dead connection: it is
// ended as connection_lost and replaced. The boolean reports whether a new row was inserted.
// Guest-shaped user ids are stored as NULL.
func (s *Service) Create(ctx context.Context, req models.CreateSessionRequest) (*models.CallSession, bool, error) {
	meetingID := strings.TrimSpace(req.MeetingID)
	if meetingID == "" || strings.TrimSpace(req.PeerID) == "" {
		return nil, false, fmt.Errorf("meeting_id and peer_id are required")
	}
	userID := models.ParseUserID(req.UserID)
	log := s.logger.With(zap.String("meeting_id", meetingID), zap.String("peer_id", req.PeerID))

	if userID != nil {
		existing, err := s.store.FindActive(ctx, meetingID, *userID)
		if err != nil {
			return nil, false, fmt.Errorf("find active session: %w", err)
		}
		if existing != nil && existing.PeerID == req.PeerID {
			log.Info("reusing active call session", zap.String("session_id", existing.ID.String()))
			return existing, false, nil
		}
		if existing != nil {
			_, err := s.store.End(ctx, existing.ID, models.ReasonConnectionLost, nil)
			if err != nil && !errors.Is(err, ErrSessionNotFound) {
				return nil, false, fmt.Errorf("end stale session: %w", err)
			}
			log.Info("replacing stale call session",
				zap.String("session_id", existing.ID.String()),
				zap.String("stale_peer_id", existing.PeerID),
			)
		}
	}

	session, err := s.store.Create(ctx, CreateParams{
		MeetingID: meetingID,
		UserID:    userID,
		UserName:  req.UserName,
		UserRole:  req.UserRole,
		PeerID:    req.PeerID,
	})
	if errors.Is(err, ErrActiveSessionExists) && userID != nil {
		// Lost a race with a concurrent create for the same user.
		existing, findErr := s.store.FindActive(ctx, meetingID, *userID)
		if findErr != nil {
			return nil, false, fmt.Errorf("find active session after conflict: %w", findErr)
		}
		if existing != nil {
			return existing, false, nil
		}
	}
	if err != nil {
		return nil, false, fmt.Errorf("create session: %w", err)
	}
	log.Info("call session created", zap.String("session_id", session.ID.String()))
	return session, true, nil
}

// Join is Create with display name and role resolved from the profile when omitted.
func (s *Service) Join(ctx context.Context, req models.CreateSessionRequest) (*models.CallSession, bool, error) {
	userID := models.ParseUserID(req.UserID)
	if userID != nil && s.profiles != nil && (req.UserName == "" || req.UserRole == "") {
		profile, err := s.profiles.GetProfile(ctx, *userID)
		if err != nil {
			// Labels are cosmetic; joining must not fail on them.
			s.logger.Warn("profile lookup failed", zap.String("user_id", userID.String()), zap.Error(err))
		} else if profile != nil {
			if req.UserName == "" {
				req.UserName = profile.FullName
			}
			if req.UserRole == "" {
				req.UserRole = string(profile.Role)
			}
		}
	}
	if req.UserName == "" {
		req.UserName = defaultGuestName
	}
	if req.UserRole == "" {
		req.UserRole = defaultGuestRole
	}
	return s.Create(ctx, req)
}

// FindActive returns the active session for a user in a meeting. Guest-shaped or
// non-uuid identifiers never reach the store and yield no session.
func (s *Service) FindActive(ctx context.Context, meetingID, rawUserID string) (*models.CallSession, error) {
	userID := models.ParseUserID(rawUserID)
	if userID == nil {
		return nil, nil
	}
	return s.store.FindActive(ctx, meetingID, *userID)
}

// End closes a session now and returns its server-computed duration.
// Returns ErrSessionNotFound when the session is unknown or already ended.
func (s *Service) End(ctx context.Context, sessionID uuid.UUID, reason models.DisconnectReason) (*models.LeaveResult, error) {
	return s.EndAt(ctx, sessionID, reason, time.Time{})
}

// EndAt closes a session as of leftAt, the moment the participant left. Deferred leaves
// use it so queueing delay does not count toward the duration. leftAt is clamped to
// [joined_at, now]; the zero time means now.
func (s *Service) EndAt(ctx context.Context, sessionID uuid.UUID, reason models.DisconnectReason, leftAt time.Time) (*models.LeaveResult, error) {
	reason = reason.OrDefault()
	var at *time.Time
	if !leftAt.IsZero() {
		at = &leftAt
	}
	session, err := s.store.End(ctx, sessionID, reason, at)
	if err != nil {
		return nil, err
	}
	var duration int64
	if session.Duration != nil {
		duration = *session.Duration
	}
	s.logger.Info("call session ended",
		zap.String("session_id", sessionID.String()),
		zap.String("meeting_id", session.MeetingID),
		zap.Int64("duration", duration),
		zap.String("reason", string(reason)),
	)
	return &models.LeaveResult{Success: true, Duration: duration, LeftAt: session.LeftAt}, nil
}

// Participants lists the active participants of a meeting.
func (s *Service) Participants(ctx context.Context, meetingID string) ([]models.Participant, error) {
	rows, err := s.store.ListActive(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	return lo.Map(rows, func(row models.CallSession, _ int) models.Participant { return row.ToParticipant() }), nil
}

// History returns session rows and analytics for a meeting, optionally for one user.
// A guest-shaped user filter matches nothing.
func (s *Service) History(ctx context.Context, meetingID, rawUserID string) (*models.SessionHistory, error) {
	var userID *uuid.UUID
	if strings.TrimSpace(rawUserID) != "" {
		userID = models.ParseUserID(rawUserID)
		if userID == nil {
			return &models.SessionHistory{Sessions: []models.CallSession{}, Analytics: ComputeAnalytics(nil)}, nil
		}
	}
	rows, err := s.store.List(ctx, meetingID, userID)
	if err != nil {
		return nil, err
	}
	return &models.SessionHistory{Sessions: rows, Analytics: ComputeAnalytics(rows)}, nil
}

// ExpireStale ends sessions that have been active longer than maxAge.
func (s *Service) ExpireStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := s.now().Add(-maxAge)
	n, err := s.store.ExpireStale(ctx, cutoff, models.ReasonSessionExpired)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("expired stale call sessions", zap.Int64("count", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}
