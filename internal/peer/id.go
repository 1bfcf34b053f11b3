package peer

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/interviewlink/backend/internal/models"
)

// NewPeerID builds the broker identity for one call attempt:
// peer-<stableID>-<unixMillis> for users, peer-guest-<unixMillis>-<random> for guests.
func NewPeerID(stableID string, now time.Time) string {
	millis := strconv.FormatInt(now.UnixMilli(), 10)
	if models.IsGuestID(stableID) {
		return "peer-guest-" + millis + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	return "peer-" + sanitize(stableID) + "-" + millis
}

// sanitize keeps the characters the broker accepts in peer ids.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}
