package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/interviewlink/backend/internal/models"
)

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

const sessionColumns = `id, meeting_id, user_id, user_name, user_role, peer_id, joined_at, left_at, duration, disconnect_reason, created_at`

// CreateParams holds the columns set when a session row is inserted.
type CreateParams struct {
	MeetingID string
	UserID    *uuid.UUID
	UserName  string
	UserRole  string
	PeerID    string
}

// Repository handles call_sessions persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a call session repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*models.CallSession, error) {
	var s models.CallSession
	var reason *string
	if err := row.Scan(&s.ID, &s.MeetingID, &s.UserID, &s.UserName, &s.UserRole, &s.PeerID,
		&s.JoinedAt, &s.LeftAt, &s.Duration, &reason, &s.CreatedAt); err != nil {
		return nil, err
	}
	if reason != nil {
		r := models.DisconnectReason(*reason)
		s.DisconnectReason = &r
	}
	return &s, nil
}

// Create inserts a new active session. Returns ErrActiveSessionExists when an authenticated
// user already holds an active session in the meeting.
func (r *Repository) Create(ctx context.Context, p CreateParams) (*models.CallSession, error) {
	const q = `INSERT INTO call_sessions (meeting_id, user_id, user_name, user_role, peer_id, joined_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING ` + sessionColumns
	s, err := scanSession(r.pool.QueryRow(ctx, q, p.MeetingID, p.UserID, p.UserName, p.UserRole, p.PeerID))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrActiveSessionExists
		}
		return nil, err
	}
	return s, nil
}

// FindActive returns the active session for a user in a meeting, or nil when there is none.
func (r *Repository) FindActive(ctx context.Context, meetingID string, userID uuid.UUID) (*models.CallSession, error) {
	const q = `SELECT ` + sessionColumns + ` FROM call_sessions
		WHERE meeting_id = $1 AND user_id = $2 AND left_at IS NULL
		ORDER BY joined_at DESC LIMIT 1`
	s, err := scanSession(r.pool.QueryRow(ctx, q, meetingID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// End closes an active session at leftAt (NOW() when nil), clamped to [joined_at, NOW()],
// computing duration in the same statement.
// Returns ErrSessionNotFound when the session does not exist or is already ended.
func (r *Repository) End(ctx context.Context, sessionID uuid.UUID, reason models.DisconnectReason, leftAt *time.Time) (*models.CallSession, error) {
	const at = `GREATEST(joined_at, LEAST(NOW(), COALESCE($3::timestamptz, NOW())))`
	const q = `UPDATE call_sessions
		SET left_at = ` + at + `,
		    duration = FLOOR(EXTRACT(EPOCH FROM (` + at + ` - joined_at)))::BIGINT,
		    disconnect_reason = $2
		WHERE id = $1 AND left_at IS NULL
		RETURNING ` + sessionColumns
	s, err := scanSession(r.pool.QueryRow(ctx, q, sessionID, string(reason), leftAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return s, nil
}

// ListActive returns active sessions of a meeting, oldest first.
func (r *Repository) ListActive(ctx context.Context, meetingID string) ([]models.CallSession, error) {
	const q = `SELECT ` + sessionColumns + ` FROM call_sessions
		WHERE meeting_id = $1 AND left_at IS NULL ORDER BY joined_at ASC`
	return r.list(ctx, q, meetingID)
}

// List returns the session history of a meeting, optionally filtered by user, newest first.
func (r *Repository) List(ctx context.Context, meetingID string, userID *uuid.UUID) ([]models.CallSession, error) {
	if userID == nil {
		const q = `SELECT ` + sessionColumns + ` FROM call_sessions
			WHERE meeting_id = $1 ORDER BY joined_at DESC`
		return r.list(ctx, q, meetingID)
	}
	const q = `SELECT ` + sessionColumns + ` FROM call_sessions
		WHERE meeting_id = $1 AND user_id = $2 ORDER BY joined_at DESC`
	return r.list(ctx, q, meetingID, *userID)
}

func (r *Repository) list(ctx context.Context, q string, args ...any) ([]models.CallSession, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := make([]models.CallSession, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

// ExpireStale ends every session still active that joined before cutoff.
func (r *Repository) ExpireStale(ctx context.Context, cutoff time.Time, reason models.DisconnectReason) (int64, error) {
	const q = `UPDATE call_sessions
		SET left_at = NOW(),
		    duration = GREATEST(0, FLOOR(EXTRACT(EPOCH FROM (NOW() - joined_at))))::BIGINT,
		    disconnect_reason = $2
		WHERE left_at IS NULL AND joined_at < $1`
	tag, err := r.pool.Exec(ctx, q, cutoff, string(reason))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
