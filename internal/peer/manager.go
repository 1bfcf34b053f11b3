// Package peer manages this participant's broker registration and the media
// connections and transcription channels to every remote peer.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/interviewlink/backend/internal/signaling"
	"github.com/interviewlink/backend/internal/transcript"
)

// PeerState is the lifecycle of one remote peer entry. Closed is terminal.
type PeerState int

const (
	StateDialing PeerState = iota
	StateConnected
	StateClosed
)

func (s PeerState) String() string {
	switch s {
	case StateDialing:
		return "dialing"
	case StateConnected:
		return "connected"
	default:
		return "closed"
	}
}

// Metadata describes the caller to the remote side.
type Metadata struct {
	UserName string `json:"user_name"`
	UserRole string `json:"user_role"`
}

// sdpPayload is the payload of OFFER and ANSWER frames.
type sdpPayload struct {
	ConnectionID string                    `json:"connection_id"`
	SDP          webrtc.SessionDescription `json:"sdp"`
	Metadata     Metadata                  `json:"metadata"`
}

// candidatePayload is the payload of CANDIDATE frames.
type candidatePayload struct {
	ConnectionID string                  `json:"connection_id"`
	Candidate    webrtc.ICECandidateInit `json:"candidate"`
}

// IncomingCall is an offer from a remote peer waiting for AnswerCall.
type IncomingCall struct {
	PeerID       string
	ConnectionID string
	Metadata     Metadata
	offer        webrtc.SessionDescription
}

// RemotePeer is one call to a remote participant.
type RemotePeer struct {
	PeerID   string
	UserName string
	UserRole string
	Outbound bool

	connID  string
	state   PeerState
	conn    Connection
	channel DataChannel
	tracks  []*webrtc.TrackRemote
}

// PeerInfo is a snapshot of a remote peer.
type PeerInfo struct {
	PeerID     string
	UserName   string
	UserRole   string
	State      PeerState
	HasChannel bool
	Tracks     int
}

// Options configures a Manager.
type Options struct {
	// ReconnectDelay is the wait before the first broker reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnects bounds reconnect attempts after an unexpected broker disconnect.
	MaxReconnects int
}

// Manager owns the local peer identity and every remote peer connection.
type Manager struct {
	signaler  Signaler
	connector Connector
	opts      Options
	logger    *zap.Logger
	now       func() time.Time

	initMu sync.Mutex // serializes Initialize and Disconnect

	mu              sync.Mutex
	peerID          string
	registered      bool
	lost            bool
	err             string
	generation      int
	peers           map[string]*RemotePeer
	cancelReconnect context.CancelFunc

	onIncomingCall     func(IncomingCall)
	onPeerClosed       func(peerID string)
	onTranscription    func(peerID string, msg transcript.Message)
	onRegistrationLost func(error)
}

// NewManager creates a peer manager.
func NewManager(signaler Signaler, connector Connector, opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 3 * time.Second
	}
	return &Manager{
		signaler:  signaler,
		connector: connector,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		peers:     make(map[string]*RemotePeer),
	}
}

// SetIncomingCallHandler sets the callback for offers from remote peers.
func (m *Manager) SetIncomingCallHandler(fn func(IncomingCall)) {
	m.mu.Lock()
	m.onIncomingCall = fn
	m.mu.Unlock()
}

// SetPeerClosedHandler sets the callback invoked after a remote peer entry closes.
func (m *Manager) SetPeerClosedHandler(fn func(peerID string)) {
	m.mu.Lock()
	m.onPeerClosed = fn
	m.mu.Unlock()
}

// SetTranscriptionHandler sets the callback for inbound transcript frames.
func (m *Manager) SetTranscriptionHandler(fn func(peerID string, msg transcript.Message)) {
	m.mu.Lock()
	m.onTranscription = fn
	m.mu.Unlock()
}

// SetRegistrationLostHandler sets the callback for a broker registration that could not be restored.
func (m *Manager) SetRegistrationLostHandler(fn func(error)) {
	m.mu.Lock()
	m.onRegistrationLost = fn
	m.mu.Unlock()
}

// Initialize registers a fresh peer identity with the broker, tearing down any
// existing registration first.
func (m *Manager) Initialize(ctx context.Context, stableID string) (string, error) {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	m.teardown(false)

	peerID := NewPeerID(stableID, m.now())
	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.mu.Unlock()

	if err := m.signaler.Open(ctx, peerID, m.signalHandler(gen)); err != nil {
		m.mu.Lock()
		m.err = fmt.Sprintf("broker registration failed: %v", err)
		m.mu.Unlock()
		m.logger.Error("peer initialization failed", zap.String("peer_id", peerID), zap.Error(err))
		return "", err
	}

	m.mu.Lock()
	m.peerID = peerID
	m.registered = true
	m.lost = false
	m.err = ""
	m.mu.Unlock()
	m.logger.Info("peer registered", zap.String("peer_id", peerID))
	return peerID, nil
}

func (m *Manager) signalHandler(gen int) SignalHandler {
	return SignalHandler{
		OnMessage: func(msg signaling.Message) {
			if m.current(gen) {
				m.handleSignal(msg)
			}
		},
		OnDisconnect: func(err error) {
			m.handleBrokerLoss(gen, err)
		},
	}
}

func (m *Manager) current(gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation == gen
}

// handleBrokerLoss reconnects with the same peer id: a fixed delay, then exponential
// backoff for at most MaxReconnects attempts, then RegistrationLost.
func (m *Manager) handleBrokerLoss(gen int, cause error) {
	m.mu.Lock()
	if m.generation != gen || !m.registered {
		m.mu.Unlock()
		return
	}
	m.registered = false
	m.err = fmt.Sprintf("broker disconnected: %v", cause)
	peerID := m.peerID
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelReconnect = cancel
	m.mu.Unlock()

	go func() {
		defer cancel()
		err := m.reconnect(ctx, gen, peerID)
		if ctx.Err() != nil {
			return
		}
		m.mu.Lock()
		if m.generation != gen {
			m.mu.Unlock()
			return
		}
		if err == nil {
			m.registered = true
			m.err = ""
			m.mu.Unlock()
			m.logger.Info("broker registration restored", zap.String("peer_id", peerID))
			return
		}
		m.lost = true
		m.err = fmt.Sprintf("broker registration lost: %v", err)
		onLost := m.onRegistrationLost
		m.mu.Unlock()
		m.logger.Error("broker registration lost", zap.String("peer_id", peerID), zap.Error(err))
		if onLost != nil {
			onLost(err)
		}
	}()
}

func (m *Manager) reconnect(ctx context.Context, gen int, peerID string) error {
	if m.opts.MaxReconnects <= 0 {
		return errors.New("reconnect disabled")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.opts.ReconnectDelay):
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.opts.ReconnectDelay
	bo.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(m.opts.MaxReconnects-1)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		openCtx, cancel := context.WithTimeout(ctx, openTimeout)
		defer cancel()
		err := m.signaler.Open(openCtx, peerID, m.signalHandler(gen))
		if err != nil {
			m.logger.Warn("broker reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}, b)
}

// CallPeer starts an outbound call. It returns once the connection is created; the
// offer is sent asynchronously. Calling a peer that already has a live entry is a no-op.
func (m *Manager) CallPeer(remoteID string, stream *LocalStream, meta Metadata) error {
	m.mu.Lock()
	if !m.registered {
		m.mu.Unlock()
		return ErrNotRegistered
	}
	if remoteID == m.peerID {
		m.mu.Unlock()
		return errors.New("cannot call self")
	}
	if existing, ok := m.peers[remoteID]; ok && existing.state != StateClosed {
		m.mu.Unlock()
		return nil
	}
	entry := &RemotePeer{PeerID: remoteID, Outbound: true, connID: uuid.NewString(), state: StateDialing}
	m.peers[remoteID] = entry
	m.mu.Unlock()

	conn, err := m.connector.NewConnection(remoteID, stream, m.connectionHandler(entry))
	if err != nil {
		m.closePeer(entry, err)
		return fmt.Errorf("new connection: %w", err)
	}
	if !m.attach(entry, conn) {
		return nil
	}

	go func() {
		offer, err := conn.CreateOffer()
		if err != nil {
			m.closePeer(entry, err)
			return
		}
		if err := m.sendSignal(signaling.TypeOffer, remoteID, sdpPayload{ConnectionID: entry.connID, SDP: offer, Metadata: meta}); err != nil {
			m.closePeer(entry, err)
		}
	}()
	return nil
}

// AnswerCall accepts an incoming call and answers it asynchronously.
func (m *Manager) AnswerCall(call IncomingCall, stream *LocalStream, meta Metadata) error {
	m.mu.Lock()
	if !m.registered {
		m.mu.Unlock()
		return ErrNotRegistered
	}
	var replaced *RemotePeer
	if existing, ok := m.peers[call.PeerID]; ok && existing.state != StateClosed {
		if existing.connID == call.ConnectionID {
			m.mu.Unlock()
			return nil
		}
		replaced = existing
	}
	entry := &RemotePeer{
		PeerID:   call.PeerID,
		UserName: call.Metadata.UserName,
		UserRole: call.Metadata.UserRole,
		connID:   call.ConnectionID,
		state:    StateDialing,
	}
	m.peers[call.PeerID] = entry
	m.mu.Unlock()

	if replaced != nil {
		m.retire(replaced)
	}

	conn, err := m.connector.NewConnection(call.PeerID, stream, m.connectionHandler(entry))
	if err != nil {
		m.closePeer(entry, err)
		return fmt.Errorf("new connection: %w", err)
	}
	if !m.attach(entry, conn) {
		return nil
	}

	go func() {
		answer, err := conn.AcceptOffer(call.offer)
		if err != nil {
			m.closePeer(entry, err)
			return
		}
		if err := m.sendSignal(signaling.TypeAnswer, call.PeerID, sdpPayload{ConnectionID: call.ConnectionID, SDP: answer, Metadata: meta}); err != nil {
			m.closePeer(entry, err)
		}
	}()
	return nil
}

// attach stores conn on entry unless the entry closed meanwhile.
func (m *Manager) attach(entry *RemotePeer, conn Connection) bool {
	m.mu.Lock()
	if entry.state == StateClosed {
		m.mu.Unlock()
		_ = conn.Close()
		return false
	}
	entry.conn = conn
	m.mu.Unlock()
	return true
}

func (m *Manager) connectionHandler(entry *RemotePeer) ConnectionHandler {
	return ConnectionHandler{
		OnICECandidate: func(c webrtc.ICECandidateInit) {
			if err := m.sendSignal(signaling.TypeCandidate, entry.PeerID, candidatePayload{ConnectionID: entry.connID, Candidate: c}); err != nil {
				m.logger.Debug("send candidate failed", zap.String("remote_peer_id", entry.PeerID), zap.Error(err))
			}
		},
		OnRemoteTrack: func(track *webrtc.TrackRemote) {
			m.mu.Lock()
			if entry.state != StateClosed {
				entry.tracks = append(entry.tracks, track)
				entry.state = StateConnected
			}
			m.mu.Unlock()
		},
		OnConnected: func() {
			m.mu.Lock()
			if entry.state == StateDialing {
				entry.state = StateConnected
			}
			m.mu.Unlock()
			m.logger.Info("peer connected", zap.String("remote_peer_id", entry.PeerID))
		},
		OnChannelOpen: func(dc DataChannel) {
			m.mu.Lock()
			if entry.state == StateClosed {
				m.mu.Unlock()
				_ = dc.Close()
				return
			}
			entry.channel = dc
			m.mu.Unlock()
		},
		OnChannelMessage: func(data []byte) {
			msg, err := transcript.Decode(data)
			if err != nil {
				m.logger.Debug("ignoring data channel frame", zap.String("remote_peer_id", entry.PeerID), zap.Error(err))
				return
			}
			m.mu.Lock()
			fn := m.onTranscription
			m.mu.Unlock()
			if fn != nil {
				fn(entry.PeerID, msg)
			}
		},
		OnClosed: func(err error) {
			m.closePeer(entry, err)
		},
	}
}

func (m *Manager) sendSignal(t signaling.MessageType, dst string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return m.signaler.Send(signaling.Message{Type: t, Dst: dst, Payload: body})
}

// handleSignal dispatches one broker frame.
func (m *Manager) handleSignal(msg signaling.Message) {
	switch msg.Type {
	case signaling.TypeOffer:
		m.handleOffer(msg)
	case signaling.TypeAnswer:
		var p sdpPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		entry := m.lookup(msg.Src, p.ConnectionID)
		if entry == nil || !entry.Outbound {
			return
		}
		m.mu.Lock()
		entry.UserName, entry.UserRole = p.Metadata.UserName, p.Metadata.UserRole
		conn := entry.conn
		m.mu.Unlock()
		if conn == nil {
			return
		}
		if err := conn.AcceptAnswer(p.SDP); err != nil {
			m.closePeer(entry, err)
		}
	case signaling.TypeCandidate:
		var p candidatePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		entry := m.lookup(msg.Src, p.ConnectionID)
		if entry == nil {
			return
		}
		m.mu.Lock()
		conn := entry.conn
		m.mu.Unlock()
		if conn != nil {
			if err := conn.AddICECandidate(p.Candidate); err != nil {
				m.logger.Debug("add candidate failed", zap.String("remote_peer_id", msg.Src), zap.Error(err))
			}
		}
	case signaling.TypeLeave, signaling.TypeExpire:
		m.mu.Lock()
		entry := m.peers[msg.Src]
		m.mu.Unlock()
		if entry != nil {
			m.closePeer(entry, fmt.Errorf("remote %s", msg.Type))
		}
	case signaling.TypeError:
		m.logger.Warn("broker error", zap.String("payload", string(msg.Payload)))
	}
}

// handleOffer resolves glare by the peer-id tie-break: the smaller id's outbound
// call wins, the larger id answers.
func (m *Manager) handleOffer(msg signaling.Message) {
	var p sdpPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return
	}
	m.mu.Lock()
	if existing, ok := m.peers[msg.Src]; ok && existing.state != StateClosed {
		if existing.connID == p.ConnectionID {
			m.mu.Unlock()
			return
		}
		if existing.Outbound && existing.state == StateDialing && m.peerID < msg.Src {
			m.mu.Unlock()
			m.logger.Debug("ignoring glare offer", zap.String("remote_peer_id", msg.Src))
			return
		}
	}
	fn := m.onIncomingCall
	m.mu.Unlock()

	if fn == nil {
		m.logger.Warn("no incoming call handler, ignoring offer", zap.String("remote_peer_id", msg.Src))
		return
	}
	fn(IncomingCall{PeerID: msg.Src, ConnectionID: p.ConnectionID, Metadata: p.Metadata, offer: p.SDP})
}

func (m *Manager) lookup(peerID, connID string) *RemotePeer {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.peers[peerID]
	if !ok || entry.state == StateClosed || entry.connID != connID {
		return nil
	}
	return entry
}

// retire closes an entry replaced by a newer call without reporting it closed.
func (m *Manager) retire(entry *RemotePeer) {
	m.mu.Lock()
	if entry.state == StateClosed {
		m.mu.Unlock()
		return
	}
	entry.state = StateClosed
	conn, channel := entry.conn, entry.channel
	m.mu.Unlock()
	closeResources(conn, channel)
}

// closePeer moves entry to Closed, releases it and reports it to the peer-closed handler.
func (m *Manager) closePeer(entry *RemotePeer, cause error) {
	m.mu.Lock()
	if entry.state == StateClosed {
		m.mu.Unlock()
		return
	}
	entry.state = StateClosed
	if m.peers[entry.PeerID] == entry {
		delete(m.peers, entry.PeerID)
	}
	conn, channel := entry.conn, entry.channel
	fn := m.onPeerClosed
	m.mu.Unlock()

	closeResources(conn, channel)
	m.logger.Info("peer closed", zap.String("remote_peer_id", entry.PeerID), zap.NamedError("cause", cause))
	if fn != nil {
		fn(entry.PeerID)
	}
}

func closeResources(conn Connection, channel DataChannel) {
	if channel != nil {
		_ = channel.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// RemovePeer closes the connection to peerID, e.g. when discovery no longer lists it.
func (m *Manager) RemovePeer(peerID string) {
	m.mu.Lock()
	entry := m.peers[peerID]
	m.mu.Unlock()
	if entry != nil {
		m.closePeer(entry, errors.New("removed"))
	}
}

// SendTranscription sends a transcript frame on every open channel and returns how
// many peers it was written to. Failures are logged, never returned.
func (m *Manager) SendTranscription(text string, meta transcript.Metadata) int {
	raw, err := transcript.Encode(transcript.New(text, meta, m.now()))
	if err != nil {
		return 0
	}
	m.mu.Lock()
	channels := make(map[string]DataChannel, len(m.peers))
	for id, p := range m.peers {
		if p.state != StateClosed && p.channel != nil {
			channels[id] = p.channel
		}
	}
	m.mu.Unlock()

	sent := 0
	for id, ch := range channels {
		if err := ch.Send(raw); err != nil {
			m.logger.Debug("transcript send failed", zap.String("remote_peer_id", id), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// Disconnect notifies and closes every remote peer and ends the broker registration.
// Safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.initMu.Lock()
	defer m.initMu.Unlock()
	m.teardown(true)
}

// teardown must be called with initMu held.
func (m *Manager) teardown(notifyRemote bool) {
	m.mu.Lock()
	m.generation++
	registered := m.registered
	wasActive := m.peerID != "" || len(m.peers) > 0
	entries := make([]*RemotePeer, 0, len(m.peers))
	for _, p := range m.peers {
		entries = append(entries, p)
	}
	cancel := m.cancelReconnect
	m.cancelReconnect = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, p := range entries {
		if notifyRemote && registered {
			_ = m.signaler.Send(signaling.Message{Type: signaling.TypeLeave, Dst: p.PeerID})
		}
		m.closePeer(p, errors.New("disconnect"))
	}
	_ = m.signaler.Close()

	m.mu.Lock()
	m.peerID = ""
	m.registered = false
	m.lost = false
	m.mu.Unlock()
	if wasActive {
		m.logger.Info("peer manager disconnected")
	}
}

// PeerID returns the registered peer id, or "" when not initialized.
func (m *Manager) PeerID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peerID
}

// Registered reports whether the broker registration is currently live.
func (m *Manager) Registered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registered
}

// RegistrationLost reports whether reconnecting to the broker was given up.
func (m *Manager) RegistrationLost() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lost
}

// Err returns the last initialization or broker error, or "".
func (m *Manager) Err() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// IsConnected reports whether media to peerID is established.
func (m *Manager) IsConnected(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[peerID]
	return ok && p.state == StateConnected
}

// HasPeer reports whether peerID has a dialing or connected entry.
func (m *Manager) HasPeer(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[peerID]
	return ok && p.state != StateClosed
}

// Peers returns a snapshot of the live remote peers.
func (m *Manager) Peers() []PeerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PeerInfo, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, PeerInfo{
			PeerID:     p.PeerID,
			UserName:   p.UserName,
			UserRole:   p.UserRole,
			State:      p.state,
			HasChannel: p.channel != nil,
			Tracks:     len(p.tracks),
		})
	}
	return out
}
