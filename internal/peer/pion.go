package peer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// PionConnector creates pion/webrtc peer connections.
type PionConnector struct {
	api    *webrtc.API
	cfg    webrtc.Configuration
	logger *zap.Logger
}

// NewPionConnector registers the default codecs and interceptors and uses iceURLs as
// STUN/TURN servers.
func NewPionConnector(iceURLs []string, logger *zap.Logger) (*PionConnector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	cfg := webrtc.Configuration{}
	if len(iceURLs) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceURLs}}
	}
	return &PionConnector{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i)),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// NewConnection creates a peer connection with the stream's tracks attached.
func (p *PionConnector) NewConnection(remoteID string, stream *LocalStream, h ConnectionHandler) (Connection, error) {
	pc, err := p.api.NewPeerConnection(p.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	c := &pionConnection{pc: pc, h: h, log: p.logger.With(zap.String("remote_peer_id", remoteID))}

	if stream != nil {
		for _, track := range stream.Tracks() {
			sender, err := pc.AddTrack(track)
			if err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("add track: %w", err)
			}
			go drainRTCP(sender)
		}
	} else {
		// Receive-only: still negotiate media so remote tracks arrive.
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("add transceiver: %w", err)
			}
		}
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && h.OnICECandidate != nil {
			h.OnICECandidate(cand.ToJSON())
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.log.Debug("remote track", zap.String("kind", track.Kind().String()), zap.String("stream_id", track.StreamID()))
		if h.OnRemoteTrack != nil {
			h.OnRemoteTrack(track)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.Debug("peer connection state", zap.String("state", s.String()))
		switch s {
		case webrtc.PeerConnectionStateConnected:
			if h.OnConnected != nil {
				h.OnConnected()
			}
		case webrtc.PeerConnectionStateFailed:
			c.closed(errors.New("peer connection failed"))
		case webrtc.PeerConnectionStateClosed:
			c.closed(nil)
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() == TranscriptionLabel {
			c.bindChannel(dc)
		}
	})
	return c, nil
}

// drainRTCP reads RTCP so interceptors (NACK, reports) keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

type pionConnection struct {
	pc  *webrtc.PeerConnection
	h   ConnectionHandler
	log *zap.Logger

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	closeOnce sync.Once
}

func (c *pionConnection) bindChannel(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		if c.h.OnChannelOpen != nil {
			c.h.OnChannelOpen(pionChannel{dc: dc})
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if c.h.OnChannelMessage != nil {
			c.h.OnChannelMessage(msg.Data)
		}
	})
}

func (c *pionConnection) CreateOffer() (webrtc.SessionDescription, error) {
	ordered := true
	dc, err := c.pc.CreateDataChannel(TranscriptionLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create data channel: %w", err)
	}
	c.bindChannel(dc)
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return offer, nil
}

func (c *pionConnection) AcceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := c.setRemote(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return answer, nil
}

func (c *pionConnection) AcceptAnswer(answer webrtc.SessionDescription) error {
	return c.setRemote(answer)
}

// setRemote applies the remote description and flushes candidates that arrived early.
func (c *pionConnection) setRemote(desc webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	c.mu.Lock()
	c.remoteSet = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, cand := range pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			c.log.Debug("buffered candidate rejected", zap.Error(err))
		}
	}
	return nil
}

func (c *pionConnection) AddICECandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	if !c.remoteSet {
		c.pending = append(c.pending, cand)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.pc.AddICECandidate(cand)
}

func (c *pionConnection) Close() error {
	return c.pc.Close()
}

// closed reports the end of the connection exactly once.
func (c *pionConnection) closed(err error) {
	c.closeOnce.Do(func() {
		if c.h.OnClosed != nil {
			c.h.OnClosed(err)
		}
	})
}

type pionChannel struct {
	dc *webrtc.DataChannel
}

func (p pionChannel) Send(data []byte) error {
	return p.dc.SendText(string(data))
}

func (p pionChannel) Close() error {
	return p.dc.Close()
}
