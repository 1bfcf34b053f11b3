// Package call owns the local participant's call-session record for one call.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/interviewlink/backend/internal/models"
	"github.com/interviewlink/backend/internal/sessionapi"
)

// State is the lifecycle of the held session.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateEnding
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	default:
		return "ending"
	}
}

// Backend is the session service as seen by the call client. *sessionapi.Client satisfies it.
type Backend interface {
	CreateSession(ctx context.Context, req models.CreateSessionRequest) (*models.CallSession, error)
	FindActiveSession(ctx context.Context, meetingID, userID string) (*models.CallSession, error)
	LeaveSession(ctx context.Context, sessionID uuid.UUID, reason models.DisconnectReason) (*models.LeaveResult, error)
	SendLeaveBeacon(sessionID uuid.UUID, reason models.DisconnectReason) <-chan struct{}
	SessionHistory(ctx context.Context, meetingID, userID string) (*models.SessionHistory, error)
}

// StartParams identifies the participant joining a meeting.
type StartParams struct {
	MeetingID string
	UserID    string // empty or guest-shaped for guests
	UserName  string
	UserRole  string
	PeerID    string
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithTickInterval sets how often the advisory duration is recomputed.
func WithTickInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.tick = d
		}
	}
}

// WithTickHandler is called with the advisory elapsed duration on every tick.
func WithTickHandler(fn func(time.Duration)) Option {
	return func(m *Manager) { m.onTick = fn }
}

// Manager guards one call-session record against duplicate start and end.
type Manager struct {
	backend Backend
	logger  *zap.Logger
	now     func() time.Time
	tick    time.Duration
	onTick  func(time.Duration)

	mu         sync.Mutex
	state      State
	session    *models.CallSession
	elapsed    time.Duration
	stopTimer  chan struct{}
	pendingEnd models.DisconnectReason
}

// NewManager creates a call session manager.
func NewManager(backend Backend, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		backend: backend,
		logger:  logger,
		now:     time.Now,
		tick:    time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start creates the session, or adopts the user's existing active one. It returns false
// without doing anything when a start is in flight or a session is already held.
func (m *Manager) Start(ctx context.Context, p StartParams) (bool, error) {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return false, nil
	}
	m.state = StateStarting
	m.pendingEnd = ""
	m.mu.Unlock()

	session, err := m.obtain(ctx, p)

	m.mu.Lock()
	if err != nil {
		m.state = StateIdle
		m.mu.Unlock()
		m.logger.Error("call session start failed", zap.String("meeting_id", p.MeetingID), zap.Error(err))
		return false, err
	}
	m.session = session
	m.state = StateActive
	m.elapsed = m.sinceJoin(session)
	m.stopTimer = make(chan struct{})
	go m.runTimer(m.stopTimer, session.JoinedAt)
	pending := m.pendingEnd
	m.mu.Unlock()

	m.logger.Info("call session started",
		zap.String("session_id", session.ID.String()),
		zap.String("meeting_id", session.MeetingID),
		zap.String("peer_id", session.PeerID),
	)
	if pending != "" {
		if _, err := m.End(context.WithoutCancel(ctx), pending); err != nil {
			m.logger.Warn("leave after teardown during start failed",
				zap.String("session_id", session.ID.String()),
				zap.Error(err),
			)
		}
		return false, fmt.Errorf("call torn down while starting")
	}
	return true, nil
}

func (m *Manager) obtain(ctx context.Context, p StartParams) (*models.CallSession, error) {
	userID := p.UserID
	if models.IsGuestID(userID) {
		userID = ""
	} else {
		existing, err := m.backend.FindActiveSession(ctx, p.MeetingID, userID)
		if err != nil {
			m.logger.Warn("active session lookup failed, creating", zap.String("meeting_id", p.MeetingID), zap.Error(err))
		} else if existing != nil && existing.PeerID == p.PeerID {
			m.logger.Info("adopting active call session", zap.String("session_id", existing.ID.String()))
			return existing, nil
		} else if existing != nil {
			// Registered under an earlier peer id; the server replaces it on create.
			m.logger.Info("active call session belongs to a previous connection",
				zap.String("session_id", existing.ID.String()),
				zap.String("stale_peer_id", existing.PeerID),
			)
		}
	}
	return m.backend.CreateSession(ctx, models.CreateSessionRequest{
		MeetingID: p.MeetingID,
		UserID:    userID,
		UserName:  p.UserName,
		UserRole:  p.UserRole,
		PeerID:    p.PeerID,
	})
}

func (m *Manager) sinceJoin(s *models.CallSession) time.Duration {
	d := m.now().Sub(s.JoinedAt)
	if d < 0 {
		return 0
	}
	return d.Truncate(time.Second)
}

func (m *Manager) runTimer(stop <-chan struct{}, joinedAt time.Time) {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.session == nil || !m.session.JoinedAt.Equal(joinedAt) {
				m.mu.Unlock()
				return
			}
			m.elapsed = m.sinceJoin(m.session)
			elapsed := m.elapsed
			fn := m.onTick
			m.mu.Unlock()
			if fn != nil {
				fn(elapsed)
			}
		}
	}
}

// release clears the held session; it must be called with mu held.
func (m *Manager) release() {
	if m.stopTimer != nil {
		close(m.stopTimer)
		m.stopTimer = nil
	}
	m.session = nil
	m.elapsed = 0
	m.state = StateIdle
}

// End leaves the held session. It returns false without doing anything when no session
// is held or an end is already in progress. A session the server no longer knows counts
// as ended; any other failure is returned, and the local state is cleared either way.
func (m *Manager) End(ctx context.Context, reason models.DisconnectReason) (bool, error) {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return false, nil
	}
	m.state = StateEnding
	id := m.session.ID
	if m.stopTimer != nil {
		close(m.stopTimer)
		m.stopTimer = nil
	}
	m.mu.Unlock()

	reason = reason.OrDefault()
	res, err := m.backend.LeaveSession(ctx, id, reason)

	m.mu.Lock()
	m.release()
	m.mu.Unlock()

	if err != nil && !errors.Is(err, sessionapi.ErrNotFound) {
		m.logger.Error("call session leave failed", zap.String("session_id", id.String()), zap.Error(err))
		return true, err
	}
	var duration int64
	if res != nil {
		duration = res.Duration
	}
	m.logger.Info("call session ended",
		zap.String("session_id", id.String()),
		zap.String("reason", string(reason)),
		zap.Int64("duration", duration),
	)
	return true, nil
}

// Teardown ends the session as component_unmounted when nothing else ended it. A start
// still in flight is ended as soon as it completes.
func (m *Manager) Teardown(ctx context.Context) {
	m.mu.Lock()
	if m.state == StateStarting {
		m.pendingEnd = models.ReasonComponentUnmounted
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	if _, err := m.End(ctx, models.ReasonComponentUnmounted); err != nil {
		m.logger.Warn("teardown leave failed", zap.Error(err))
	}
}

// Unload fires a leave beacon for the held session without waiting for a response and
// clears local state. The returned channel closes when the beacon attempt finishes.
func (m *Manager) Unload() <-chan struct{} {
	m.mu.Lock()
	if m.state == StateStarting {
		m.pendingEnd = models.ReasonTabClosed
	}
	if m.state != StateActive {
		m.mu.Unlock()
		done := make(chan struct{})
		close(done)
		return done
	}
	id := m.session.ID
	m.release()
	m.mu.Unlock()

	m.logger.Info("sending leave beacon", zap.String("session_id", id.String()))
	return m.backend.SendLeaveBeacon(id, models.ReasonTabClosed)
}

// History returns the meeting's session rows and analytics.
func (m *Manager) History(ctx context.Context, meetingID, userID string) (*models.SessionHistory, error) {
	return m.backend.SessionHistory(ctx, meetingID, userID)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SessionID returns the held session id.
func (m *Manager) SessionID() (uuid.UUID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return uuid.Nil, false
	}
	return m.session.ID, true
}

// Session returns a copy of the held session, or nil.
func (m *Manager) Session() *models.CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

// Elapsed is the advisory local duration; the server computes the recorded one.
func (m *Manager) Elapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.elapsed
}
