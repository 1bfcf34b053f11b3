package signaling

import (
	"encoding/json"
	"regexp"
)

// MessageType is the kind of a broker frame.
type MessageType string

const (
	TypeOpen      MessageType = "OPEN"
	TypeOffer     MessageType = "OFFER"
	TypeAnswer    MessageType = "ANSWER"
	TypeCandidate MessageType = "CANDIDATE"
	TypeLeave     MessageType = "LEAVE"
	TypeExpire    MessageType = "EXPIRE"
	TypeHeartbeat MessageType = "HEARTBEAT"
	TypeIDTaken   MessageType = "ID-TAKEN"
	TypeError     MessageType = "ERROR"
)

// Message is the frame exchanged between peers and the broker. Src is always set by the
// broker to the sender's registered peer id.
type Message struct {
	Type    MessageType     `json:"type"`
	Src     string          `json:"src,omitempty"`
	Dst     string          `json:"dst,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Relayed reports whether frames of this type are forwarded to Dst.
func (t MessageType) Relayed() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeCandidate, TypeLeave:
		return true
	}
	return false
}

// expires reports whether an undeliverable frame of this type is answered with EXPIRE.
func (t MessageType) expires() bool {
	return t == TypeOffer || t == TypeAnswer || t == TypeCandidate
}

var peerIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidPeerID reports whether id is acceptable as a broker registration.
func ValidPeerID(id string) bool {
	return peerIDPattern.MatchString(id)
}

// ErrorPayload is the payload of ERROR and ID-TAKEN frames.
type ErrorPayload struct {
	Msg string `json:"msg"`
}

func errorMessage(t MessageType, msg string) Message {
	body, _ := json.Marshal(ErrorPayload{Msg: msg})
	return Message{Type: t, Payload: body}
}
