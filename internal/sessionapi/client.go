// Package sessionapi is the call client's binding to the session persistence endpoints.
package sessionapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/interviewlink/backend/internal/models"
)

// ErrNotFound is matched by errors.Is for 404 responses.
var ErrNotFound = errors.New("not found")

const (
	defaultTimeout       = 15 * time.Second
	defaultBeaconTimeout = 5 * time.Second
)

// APIError is a non-2xx response from the session service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("session api error: %d", e.StatusCode)
	if e.Message != "" {
		msg += " - " + e.Message
	}
	return msg
}

// Unwrap maps 404 to ErrNotFound.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// Client calls the session service over HTTP.
type Client struct {
	baseURL       string
	token         string
	httpClient    *http.Client
	beaconTimeout time.Duration
	logger        *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBeaconTimeout bounds fire-and-forget leave beacons.
func WithBeaconTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.beaconTimeout = d
		}
	}
}

// New creates a session API client for baseURL (e.g. http://localhost:8080).
func New(baseURL string, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		httpClient:    &http.Client{Timeout: defaultTimeout},
		beaconTimeout: defaultBeaconTimeout,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do performs a request and decodes the envelope's data into out (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || (len(raw) > 0 && !env.Success) {
		return &APIError{StatusCode: resp.StatusCode, Message: env.Error}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

// CreateSession creates a call session, or returns the caller's existing active one.
func (c *Client) CreateSession(ctx context.Context, req models.CreateSessionRequest) (*models.CallSession, error) {
	var out struct {
		SessionID uuid.UUID          `json:"session_id"`
		Session   models.CallSession `json:"session"`
	}
	if err := c.do(ctx, http.MethodPost, "/call-sessions", nil, req, &out); err != nil {
		return nil, err
	}
	return &out.Session, nil
}

// JoinSession is CreateSession with server-side profile resolution of the display labels.
func (c *Client) JoinSession(ctx context.Context, req models.CreateSessionRequest) (*models.CallSession, error) {
	var out struct {
		Session models.CallSession `json:"session"`
	}
	if err := c.do(ctx, http.MethodPost, "/call-sessions/join", nil, req, &out); err != nil {
		return nil, err
	}
	return &out.Session, nil
}

// FindActiveSession returns the user's active session in the meeting, or nil. Guest-shaped
// ids never leave the process.
func (c *Client) FindActiveSession(ctx context.Context, meetingID, userID string) (*models.CallSession, error) {
	if models.IsGuestID(userID) {
		return nil, nil
	}
	var out struct {
		HasActiveSession bool                `json:"has_active_session"`
		SessionID        *uuid.UUID          `json:"session_id"`
		Session          *models.CallSession `json:"session"`
	}
	q := url.Values{"meeting_id": {meetingID}, "user_id": {userID}}
	if err := c.do(ctx, http.MethodGet, "/call-sessions/active", q, nil, &out); err != nil {
		return nil, err
	}
	if !out.HasActiveSession || out.SessionID == nil {
		return nil, nil
	}
	if out.Session == nil {
		return &models.CallSession{ID: *out.SessionID, MeetingID: meetingID}, nil
	}
	return out.Session, nil
}

// LeaveSession ends a session. Leaving an already ended session succeeds with duration 0.
func (c *Client) LeaveSession(ctx context.Context, sessionID uuid.UUID, reason models.DisconnectReason) (*models.LeaveResult, error) {
	body := map[string]string{
		"session_id":        sessionID.String(),
		"disconnect_reason": string(reason.OrDefault()),
	}
	var out models.LeaveResult
	if err := c.do(ctx, http.MethodPost, "/call-sessions/leave", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendLeaveBeacon posts a leave without waiting for it. The returned channel closes when
// the attempt finishes; callers that are exiting may wait on it briefly or not at all.
func (c *Client) SendLeaveBeacon(sessionID uuid.UUID, reason models.DisconnectReason) <-chan struct{} {
	done := make(chan struct{})
	raw, _ := json.Marshal(map[string]string{
		"session_id":        sessionID.String(),
		"disconnect_reason": string(reason.OrDefault()),
	})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), c.beaconTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/call-sessions/leave-beacon", bytes.NewReader(raw))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Debug("leave beacon failed", zap.String("session_id", sessionID.String()), zap.Error(err))
			return
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	return done
}

// ActiveParticipants lists the active participants of a meeting.
func (c *Client) ActiveParticipants(ctx context.Context, meetingID string) ([]models.Participant, error) {
	var out []models.Participant
	if err := c.do(ctx, http.MethodGet, "/meetings/"+url.PathEscape(meetingID)+"/participants", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SessionHistory returns session rows and analytics for a meeting, optionally for one user.
func (c *Client) SessionHistory(ctx context.Context, meetingID, userID string) (*models.SessionHistory, error) {
	var q url.Values
	if userID != "" {
		q = url.Values{"user_id": {userID}}
	}
	var out models.SessionHistory
	if err := c.do(ctx, http.MethodGet, "/meetings/"+url.PathEscape(meetingID)+"/sessions", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
