package peer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/interviewlink/backend/internal/signaling"
)

var (
	// ErrIDTaken is returned when the broker already has a connection for the peer id.
	ErrIDTaken = errors.New("peer id is taken")
	// ErrNotRegistered is returned when signaling is used without a broker registration.
	ErrNotRegistered = errors.New("peer is not registered with the broker")
)

const (
	defaultHeartbeat = 5 * time.Second
	openTimeout      = 10 * time.Second
	writeWait        = 10 * time.Second
	// readWait outlasts two broker pings.
	readWait = 75 * time.Second
)

// SignalHandler receives broker events for one registration.
type SignalHandler struct {
	OnMessage func(signaling.Message)
	// OnDisconnect is called once when the broker connection drops without Close.
	OnDisconnect func(error)
}

// Signaler registers a peer id with the signaling broker and exchanges frames.
type Signaler interface {
	// Open connects and blocks until the broker confirms the registration.
	// An existing registration is closed first.
	Open(ctx context.Context, peerID string, h SignalHandler) error
	Send(msg signaling.Message) error
	Close() error
}

// WSSignaler is a Signaler over the broker websocket.
type WSSignaler struct {
	brokerURL string
	token     string
	dialer    *websocket.Dialer
	heartbeat time.Duration
	logger    *zap.Logger

	mu      sync.Mutex
	session *wsSession
}

type wsSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	closing atomic.Bool
	once    sync.Once
}

func (s *wsSession) write(msg signaling.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

// shutdown closes the connection; deliberate closes suppress OnDisconnect.
func (s *wsSession) shutdown(deliberate bool) {
	if deliberate {
		s.closing.Store(true)
	}
	s.once.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
}

// NewWSSignaler creates a signaler for brokerURL (e.g. ws://localhost:8080/ws).
// token may be empty for guests.
func NewWSSignaler(brokerURL, token string, logger *zap.Logger) *WSSignaler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSSignaler{
		brokerURL: brokerURL,
		token:     token,
		dialer:    &websocket.Dialer{HandshakeTimeout: openTimeout},
		heartbeat: defaultHeartbeat,
		logger:    logger,
	}
}

func (w *WSSignaler) endpoint(peerID string) (string, error) {
	u, err := url.Parse(w.brokerURL)
	if err != nil {
		return "", fmt.Errorf("parse broker url: %w", err)
	}
	q := u.Query()
	q.Set("peer_id", peerID)
	if w.token != "" {
		q.Set("token", w.token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open implements Signaler.
func (w *WSSignaler) Open(ctx context.Context, peerID string, h SignalHandler) error {
	_ = w.Close()

	endpoint, err := w.endpoint(peerID)
	if err != nil {
		return err
	}
	conn, _, err := w.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}

	// Cancelling ctx aborts the wait for OPEN.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	deadline := time.Now().Add(openTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	var first signaling.Message
	readErr := conn.ReadJSON(&first)
	if !stop() {
		return fmt.Errorf("await broker open: %w", ctx.Err())
	}
	if readErr != nil {
		_ = conn.Close()
		return fmt.Errorf("await broker open: %w", readErr)
	}
	switch first.Type {
	case signaling.TypeOpen:
	case signaling.TypeIDTaken:
		_ = conn.Close()
		return ErrIDTaken
	default:
		_ = conn.Close()
		return fmt.Errorf("broker refused registration: %s %s", first.Type, string(first.Payload))
	}

	s := &wsSession{conn: conn, done: make(chan struct{})}
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	// A Close racing this Open runs after the cancel, so a done ctx must not register.
	w.mu.Lock()
	if err := ctx.Err(); err != nil {
		w.mu.Unlock()
		s.shutdown(true)
		return err
	}
	w.session = s
	w.mu.Unlock()

	go w.readLoop(s, h)
	go w.heartbeatLoop(s)
	w.logger.Debug("broker registration open", zap.String("peer_id", peerID))
	return nil
}

func (w *WSSignaler) readLoop(s *wsSession, h SignalHandler) {
	var readErr error
	for {
		var msg signaling.Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			readErr = err
			break
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readWait))
		if h.OnMessage != nil {
			h.OnMessage(msg)
		}
	}
	deliberate := s.closing.Load()
	s.shutdown(false)

	w.mu.Lock()
	if w.session == s {
		w.session = nil
	}
	w.mu.Unlock()

	if !deliberate && h.OnDisconnect != nil {
		w.logger.Warn("broker connection lost", zap.Error(readErr))
		h.OnDisconnect(readErr)
	}
}

func (w *WSSignaler) heartbeatLoop(s *wsSession) {
	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.write(signaling.Message{Type: signaling.TypeHeartbeat}); err != nil {
				return
			}
		}
	}
}

// Send implements Signaler.
func (w *WSSignaler) Send(msg signaling.Message) error {
	w.mu.Lock()
	s := w.session
	w.mu.Unlock()
	if s == nil {
		return ErrNotRegistered
	}
	return s.write(msg)
}

// Close ends the current registration. It is safe to call repeatedly.
func (w *WSSignaler) Close() error {
	w.mu.Lock()
	s := w.session
	w.session = nil
	w.mu.Unlock()
	if s != nil {
		s.shutdown(true)
	}
	return nil
}
