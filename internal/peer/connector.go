package peer

import (
	"github.com/pion/webrtc/v3"
)

// TranscriptionLabel is the label of the data channel carrying transcript frames.
const TranscriptionLabel = "transcription"

// DataChannel is an open, reliable, ordered channel to one remote peer.
type DataChannel interface {
	Send(data []byte) error
	Close() error
}

// ConnectionHandler receives events for one media connection. Callbacks may run on
// internal goroutines and must not block.
type ConnectionHandler struct {
	OnICECandidate   func(webrtc.ICECandidateInit)
	OnRemoteTrack    func(*webrtc.TrackRemote)
	OnConnected      func()
	OnChannelOpen    func(DataChannel)
	OnChannelMessage func([]byte)
	OnClosed         func(error)
}

// Connection is one media connection plus its transcription channel.
type Connection interface {
	// CreateOffer opens the transcription channel and returns the local offer.
	CreateOffer() (webrtc.SessionDescription, error)
	// AcceptOffer applies a remote offer and returns the local answer.
	AcceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	AcceptAnswer(answer webrtc.SessionDescription) error
	// AddICECandidate applies a trickled candidate, buffering it until the remote
	// description is known.
	AddICECandidate(c webrtc.ICECandidateInit) error
	Close() error
}

// Connector creates media connections.
type Connector interface {
	NewConnection(remoteID string, stream *LocalStream, h ConnectionHandler) (Connection, error)
}
