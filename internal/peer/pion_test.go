package peer

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/interviewlink/backend/config"
	"github.com/interviewlink/backend/internal/signaling"
	"github.com/interviewlink/backend/internal/transcript"
)

func newTestBroker(t *testing.T) (*signaling.Hub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := signaling.NewHub(nil, nil)
	r := gin.New()
	r.GET("/ws", signaling.ServeWs(hub, nil, nil, config.BrokerConfig{ReadLimit: 65536, SendBuffer: 64}))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func newBrokerManager(t *testing.T, brokerURL, stableID string, opts Options) (*Manager, *WSSignaler) {
	t.Helper()
	connector, err := NewPionConnector(nil, nil)
	if err != nil {
		t.Fatalf("NewPionConnector: %v", err)
	}
	sig := NewWSSignaler(brokerURL, "", nil)
	m := NewManager(sig, connector, opts, nil)
	if _, err := m.Initialize(context.Background(), stableID); err != nil {
		t.Fatalf("Initialize %s: %v", stableID, err)
	}
	t.Cleanup(m.Disconnect)
	return m, sig
}

func newSilentStream(t *testing.T, id string) *LocalStream {
	t.Helper()
	stream, err := NewLocalStream(id)
	if err != nil {
		t.Fatalf("NewLocalStream: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = stream.PumpSilence(ctx) }()
	return stream
}

func peerInfo(m *Manager, id string) (PeerInfo, bool) {
	for _, p := range m.Peers() {
		if p.PeerID == id {
			return p, true
		}
	}
	return PeerInfo{}, false
}

func TestCallOverBrokerDeliversTranscription(t *testing.T) {
	if testing.Short() {
		t.Skip("starts real peer connections")
	}
	hub, brokerURL := newTestBroker(t)

	a, _ := newBrokerManager(t, brokerURL, "a", Options{})
	b, _ := newBrokerManager(t, brokerURL, "b", Options{})
	aID, bID := a.PeerID(), b.PeerID()

	bStream := newSilentStream(t, "stream-b")
	received := make(chan transcript.Message, 1)
	b.SetTranscriptionHandler(func(from string, msg transcript.Message) {
		if from == aID {
			received <- msg
		}
	})
	b.SetIncomingCallHandler(func(c IncomingCall) {
		if err := b.AnswerCall(c, bStream, Metadata{UserName: "Bob", UserRole: "candidate"}); err != nil {
			t.Errorf("AnswerCall: %v", err)
		}
	})

	if err := a.CallPeer(bID, newSilentStream(t, "stream-a"), Metadata{UserName: "Ada", UserRole: "interviewer"}); err != nil {
		t.Fatalf("CallPeer: %v", err)
	}
	waitWithin(t, "transcription channel on both sides", 15*time.Second, func() bool {
		pa, okA := peerInfo(a, bID)
		pb, okB := peerInfo(b, aID)
		return okA && okB && pa.HasChannel && pb.HasChannel && a.IsConnected(bID)
	})

	if pb, _ := peerInfo(b, aID); pb.UserName != "Ada" || pb.UserRole != "interviewer" {
		t.Errorf("callee sees caller as %+v", pb)
	}
	if pa, _ := peerInfo(a, bID); pa.UserName != "Bob" {
		t.Errorf("caller sees callee as %+v", pa)
	}

	if n := a.SendTranscription("hello", transcript.Metadata{Sender: "Ada", SenderRole: "interviewer", ShouldSpeak: true}); n != 1 {
		t.Fatalf("expected one send, got %d", n)
	}
	select {
	case msg := <-received:
		if msg.Text != "hello" || msg.Sender != "Ada" || !msg.ShouldSpeak {
			t.Errorf("unexpected transcription %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("transcription not received")
	}

	a.Disconnect()
	waitWithin(t, "callee to drop the caller", 5*time.Second, func() bool {
		return len(b.Peers()) == 0 && !hub.Connected(aID)
	})
	if !b.Registered() {
		t.Error("callee lost its broker registration")
	}
}

func TestBrokerDropReconnectsWithSamePeerID(t *testing.T) {
	hub, brokerURL := newTestBroker(t)
	m, sig := newBrokerManager(t, brokerURL, "a", Options{ReconnectDelay: 50 * time.Millisecond, MaxReconnects: 5})
	id := m.PeerID()

	sig.mu.Lock()
	old := sig.session
	sig.mu.Unlock()
	if old == nil {
		t.Fatal("expected an open broker session")
	}
	_ = old.conn.Close()

	waitWithin(t, "broker re-registration", 5*time.Second, func() bool {
		sig.mu.Lock()
		cur := sig.session
		sig.mu.Unlock()
		return cur != nil && cur != old && m.Registered() && hub.Connected(id)
	})
	if m.PeerID() != id {
		t.Errorf("peer id changed from %s to %s", id, m.PeerID())
	}
	if m.RegistrationLost() || m.Err() != "" {
		t.Errorf("unexpected state lost=%v err=%q", m.RegistrationLost(), m.Err())
	}
}
