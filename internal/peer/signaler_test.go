package peer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/interviewlink/backend/internal/signaling"
)

// slowBroker upgrades and waits for release before confirming the registration.
func slowBroker(t *testing.T, release <-chan struct{}) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		<-release
		_ = conn.WriteJSON(signaling.Message{Type: signaling.TypeOpen})
		_, _, _ = conn.ReadMessage()
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestWSSignalerOpenStopsOnCancel(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	sig := NewWSSignaler(slowBroker(t, release), "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	err := sig.Open(ctx, "peer-a-1", SignalHandler{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if waited := time.Since(start); waited > time.Second {
		t.Errorf("Open returned after %s", waited)
	}
	sig.mu.Lock()
	s := sig.session
	sig.mu.Unlock()
	if s != nil {
		t.Error("cancelled Open left a registration behind")
	}
	if err := sig.Send(signaling.Message{Type: signaling.TypeHeartbeat}); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got %v", err)
	}
}

func TestWSSignalerOpenWaitsForConfirmation(t *testing.T) {
	release := make(chan struct{})
	sig := NewWSSignaler(slowBroker(t, release), "", nil)
	t.Cleanup(func() { _ = sig.Close() })
	time.AfterFunc(20*time.Millisecond, func() { close(release) })

	if err := sig.Open(context.Background(), "peer-a-1", SignalHandler{}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := sig.Send(signaling.Message{Type: signaling.TypeHeartbeat}); err != nil {
		t.Errorf("Send after open: %v", err)
	}
}
