package signaling

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60

	relayTimeout = 5 * time.Second
)

// Relay forwards frames to peers registered on other broker instances.
type Relay interface {
	// PublishToPeer reports whether any instance was subscribed for peerID.
	PublishToPeer(ctx context.Context, peerID string, msg Message) (delivered bool, err error)
	SubscribePeer(peerID string, handler func(Message)) (cancel func(), err error)
}

// Hub maintains peer_id -> connection and routes frames between peers.
// With a Relay, frames for peers not connected here are published for other instances.
type Hub struct {
	peers  map[string]*Client
	subs   map[string]func() // cancel Relay subscription per peer
	mu     sync.RWMutex
	logger *zap.Logger
	relay  Relay
}

// NewHub creates a signaling hub. relay may be nil for a single instance.
func NewHub(logger *zap.Logger, relay Relay) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		peers:  make(map[string]*Client),
		subs:   make(map[string]func()),
		logger: logger,
		relay:  relay,
	}
}

// Register claims c.ID for the client. Returns false when the id is already connected.
func (h *Hub) Register(c *Client) bool {
	h.mu.Lock()
	if _, taken := h.peers[c.ID]; taken {
		h.mu.Unlock()
		return false
	}
	h.peers[c.ID] = c
	h.mu.Unlock()

	if h.relay != nil {
		cancel, err := h.relay.SubscribePeer(c.ID, func(msg Message) {
			h.deliverLocal(msg)
		})
		if err != nil {
			h.logger.Warn("relay subscribe failed", zap.String("peer_id", c.ID), zap.Error(err))
		} else {
			h.mu.Lock()
			if h.peers[c.ID] == c {
				h.subs[c.ID] = cancel
				cancel = nil
			}
			h.mu.Unlock()
			if cancel != nil {
				// Client went away while subscribing.
				cancel()
			}
		}
	}
	h.logger.Debug("peer registered", zap.String("peer_id", c.ID))
	return true
}

// Unregister removes the client if it still owns its id.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	var cancel func()
	if cur, ok := h.peers[c.ID]; ok && cur == c {
		delete(h.peers, c.ID)
		cancel = h.subs[c.ID]
		delete(h.subs, c.ID)
	}
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	h.logger.Debug("peer unregistered", zap.String("peer_id", c.ID))
}

// Route forwards a frame from a connected client to its destination. Frames that
// cannot reach any instance are answered with EXPIRE on behalf of the destination.
func (h *Hub) Route(from *Client, msg Message) {
	msg.Src = from.ID
	if msg.Dst == "" {
		from.Send(errorMessage(TypeError, "dst required"))
		return
	}
	if h.deliverLocal(msg) {
		return
	}
	delivered := false
	if h.relay != nil {
		ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
		ok, err := h.relay.PublishToPeer(ctx, msg.Dst, msg)
		cancel()
		if err != nil {
			h.logger.Warn("relay publish failed", zap.String("dst", msg.Dst), zap.Error(err))
		}
		delivered = ok
	}
	if !delivered && msg.Type.expires() {
		from.Send(Message{Type: TypeExpire, Src: msg.Dst, Dst: from.ID})
	}
}

// deliverLocal sends msg to Dst when it is connected to this instance.
func (h *Hub) deliverLocal(msg Message) bool {
	h.mu.RLock()
	c, ok := h.peers[msg.Dst]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	c.Send(msg)
	return true
}

// Connected reports whether peerID is registered on this instance.
func (h *Hub) Connected(peerID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.peers[peerID]
	return ok
}

// Count returns the number of peers connected to this instance.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}
