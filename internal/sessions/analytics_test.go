package sessions

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/interviewlink/backend/internal/models"
)

func ended(user *uuid.UUID, peer string, seconds int64, reason models.DisconnectReason) models.CallSession {
	joined := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	left := joined.Add(time.Duration(seconds) * time.Second)
	return models.CallSession{
		ID:               uuid.New(),
		MeetingID:        "ABC123",
		UserID:           user,
		PeerID:           peer,
		JoinedAt:         joined,
		LeftAt:           &left,
		Duration:         &seconds,
		DisconnectReason: &reason,
	}
}

func active(user *uuid.UUID, peer string) models.CallSession {
	return models.CallSession{ID: uuid.New(), MeetingID: "ABC123", UserID: user, PeerID: peer, JoinedAt: time.Now()}
}

func TestComputeAnalytics(t *testing.T) {
	u1 := uuid.New()

	t.Run("empty", func(t *testing.T) {
		a := ComputeAnalytics(nil)
		if a.TotalSessions != 0 || a.Reconnections != 0 || a.UniqueParticipants != 0 || a.AverageDuration != 0 {
			t.Errorf("expected zero analytics, got %+v", a)
		}
	})

	t.Run("reconnecting user and a guest", func(t *testing.T) {
		rows := []models.CallSession{
			ended(&u1, "peer-u1-1", 120, models.ReasonTabClosed),
			active(&u1, "peer-u1-2"),
			ended(nil, "peer-guest-1-abc", 60, models.ReasonLeftIntentionally),
		}
		a := ComputeAnalytics(rows)
		if a.TotalSessions != 3 || a.ActiveSessions != 1 || a.CompletedSessions != 2 {
			t.Errorf("unexpected counts %+v", a)
		}
		if a.TotalDuration != 180 || a.AverageDuration != 90 {
			t.Errorf("expected total 180 avg 90, got %d/%d", a.TotalDuration, a.AverageDuration)
		}
		if a.Reconnections != 2 {
			t.Errorf("expected reconnections 2, got %d", a.Reconnections)
		}
		if a.UniqueParticipants != 2 {
			t.Errorf("expected 2 unique participants, got %d", a.UniqueParticipants)
		}
		if a.DisconnectReasons["tab_closed"] != 1 || a.DisconnectReasons["left_intentionally"] != 1 {
			t.Errorf("unexpected histogram %v", a.DisconnectReasons)
		}
	})

	t.Run("single user history", func(t *testing.T) {
		rows := []models.CallSession{
			ended(&u1, "peer-u1-1", 120, models.ReasonTabClosed),
			active(&u1, "peer-u1-3"),
		}
		a := ComputeAnalytics(rows)
		if a.TotalSessions != 2 || a.Reconnections != 1 || a.UniqueParticipants != 1 {
			t.Errorf("unexpected analytics %+v", a)
		}
	})
}
