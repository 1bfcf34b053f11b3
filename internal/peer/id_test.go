package peer

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/interviewlink/backend/internal/signaling"
)

func TestNewPeerID(t *testing.T) {
	now := time.UnixMilli(1700000000000)

	user := uuid.New().String()
	if got := NewPeerID(user, now); got != "peer-"+user+"-1700000000000" {
		t.Errorf("unexpected user peer id %q", got)
	}

	for _, g := range []string{"", "guest", "guest-5"} {
		id := NewPeerID(g, now)
		if !strings.HasPrefix(id, "peer-guest-1700000000000-") {
			t.Errorf("guest %q: unexpected id %q", g, id)
		}
		if !signaling.ValidPeerID(id) {
			t.Errorf("guest id %q rejected by broker rules", id)
		}
	}

	a, b := NewPeerID("", now), NewPeerID("", now)
	if a == b {
		t.Error("guest ids in the same millisecond must differ")
	}

	if id := NewPeerID("odd id@example.com", now); !signaling.ValidPeerID(id) {
		t.Errorf("sanitized id %q rejected by broker rules", id)
	}
}
