// Package discovery reconciles a meeting's server-side active sessions against the
// local peer connections.
package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/interviewlink/backend/internal/models"
)

// DefaultInterval is the polling period.
const DefaultInterval = 3 * time.Second

// Source lists a meeting's active participants. *sessionapi.Client satisfies it.
type Source interface {
	ActiveParticipants(ctx context.Context, meetingID string) ([]models.Participant, error)
}

// Peers is the local connection state. *peer.Manager satisfies it.
type Peers interface {
	PeerID() string
	HasPeer(peerID string) bool
	RemovePeer(peerID string)
}

// DialFunc starts a call to a participant. It must not block on connection setup.
type DialFunc func(p models.Participant) error

// Poller dials every newly listed participant once per connection lifetime.
type Poller struct {
	meetingID string
	source    Source
	peers     Peers
	dial      DialFunc
	interval  time.Duration
	logger    *zap.Logger

	mu     sync.Mutex
	dialed map[string]struct{}
	listed map[string]struct{}
}

// NewPoller creates a poller for one meeting. interval <= 0 uses DefaultInterval.
func NewPoller(meetingID string, source Source, peers Peers, dial DialFunc, interval time.Duration, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		meetingID: meetingID,
		source:    source,
		peers:     peers,
		dial:      dial,
		interval:  interval,
		logger:    logger.With(zap.String("meeting_id", meetingID)),
		dialed:    make(map[string]struct{}),
		listed:    make(map[string]struct{}),
	}
}

// Run polls immediately and then every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.Poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll runs one reconciliation and returns how many peers it dialed. Nothing is dialed
// before the local peer is registered. The smaller peer id of a pair initiates; the
// larger waits for the call.
func (p *Poller) Poll(ctx context.Context) int {
	local := p.peers.PeerID()
	if local == "" {
		return 0
	}
	list, err := p.source.ActiveParticipants(ctx, p.meetingID)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("discovery poll failed", zap.Error(err))
		}
		return 0
	}

	remote := lo.Filter(list, func(pt models.Participant, _ int) bool {
		return pt.PeerID != "" && pt.PeerID != local
	})
	current := lo.SliceToMap(remote, func(pt models.Participant) (string, struct{}) {
		return pt.PeerID, struct{}{}
	})

	p.mu.Lock()
	gone := lo.Filter(lo.Keys(p.listed), func(id string, _ int) bool {
		_, ok := current[id]
		return !ok
	})
	for _, id := range gone {
		delete(p.dialed, id)
	}
	p.listed = current

	var toDial []models.Participant
	for _, pt := range remote {
		if _, ok := p.dialed[pt.PeerID]; ok {
			continue
		}
		if local > pt.PeerID || p.peers.HasPeer(pt.PeerID) {
			continue
		}
		p.dialed[pt.PeerID] = struct{}{}
		toDial = append(toDial, pt)
	}
	p.mu.Unlock()

	for _, id := range gone {
		if p.peers.HasPeer(id) {
			p.logger.Info("participant left, closing connection", zap.String("remote_peer_id", id))
			p.peers.RemovePeer(id)
		}
	}

	dialed := 0
	for _, pt := range toDial {
		if err := p.dial(pt); err != nil {
			p.logger.Warn("dial failed", zap.String("remote_peer_id", pt.PeerID), zap.Error(err))
			p.forget(pt.PeerID)
			continue
		}
		p.logger.Info("dialing participant", zap.String("remote_peer_id", pt.PeerID), zap.String("user_name", pt.UserName))
		dialed++
	}
	return dialed
}

// PeerClosed allows peerID to be dialed again.
func (p *Poller) PeerClosed(peerID string) {
	p.forget(peerID)
}

func (p *Poller) forget(peerID string) {
	p.mu.Lock()
	delete(p.dialed, peerID)
	p.mu.Unlock()
}

// Dialed reports whether peerID is in the dialed set.
func (p *Poller) Dialed(peerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.dialed[peerID]
	return ok
}
