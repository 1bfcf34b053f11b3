// Package transcript encodes the transcription frames exchanged over peer data channels.
package transcript

import (
	"encoding/json"
	"errors"
	"time"
)

// TypeTranscription is the only frame type carried on the transcription channel.
const TypeTranscription = "transcription"

// ErrUnsupportedType is returned by Decode for frames that are not transcriptions.
var ErrUnsupportedType = errors.New("unsupported transcript frame type")

// Message is one transcript update. Keys are camelCase for browser peers.
type Message struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	Sender      string `json:"sender"`
	SenderRole  string `json:"senderRole"`
	Timestamp   int64  `json:"timestamp"` // unix millis
	ShouldSpeak bool   `json:"shouldSpeak,omitempty"`
}

// Metadata labels outgoing transcript frames.
type Metadata struct {
	Sender      string
	SenderRole  string
	ShouldSpeak bool
}

// New builds a transcription message stamped with now.
func New(text string, meta Metadata, now time.Time) Message {
	return Message{
		Type:        TypeTranscription,
		Text:        text,
		Sender:      meta.Sender,
		SenderRole:  meta.SenderRole,
		Timestamp:   now.UnixMilli(),
		ShouldSpeak: meta.ShouldSpeak,
	}
}

// Encode marshals m for the data channel.
func Encode(m Message) ([]byte, error) {
	m.Type = TypeTranscription
	return json.Marshal(m)
}

// wireMessage accepts shouldSpeak in any JSON shape peers send.
type wireMessage struct {
	Type        string          `json:"type"`
	Text        string          `json:"text"`
	Sender      string          `json:"sender"`
	SenderRole  string          `json:"senderRole"`
	Timestamp   int64           `json:"timestamp"`
	ShouldSpeak json.RawMessage `json:"shouldSpeak"`
}

// Decode parses an inbound frame. shouldSpeak is true only for the boolean true or the
// string "true"; any other value, or its absence, is false.
func Decode(raw []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return Message{}, err
	}
	if w.Type != TypeTranscription {
		return Message{}, ErrUnsupportedType
	}
	return Message{
		Type:        w.Type,
		Text:        w.Text,
		Sender:      w.Sender,
		SenderRole:  w.SenderRole,
		Timestamp:   w.Timestamp,
		ShouldSpeak: normalizeFlag(w.ShouldSpeak),
	}, nil
}

func normalizeFlag(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s == "true"
	}
	return false
}
