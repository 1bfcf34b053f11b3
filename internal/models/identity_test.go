package models

import (
	"testing"

	"github.com/google/uuid"
)

func TestIsGuestID(t *testing.T) {
	cases := map[string]bool{
		"":                   true,
		"guest":              true,
		"guest-1700000000":   true,
		"  guest-abc ":       true,
		"guestbook":          false,
		uuid.NewString():     false,
		"not-a-guest-prefix": false,
	}
	for in, want := range cases {
		if got := IsGuestID(in); got != want {
			t.Errorf("IsGuestID(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseUserID(t *testing.T) {
	id := uuid.New()
	if got := ParseUserID(id.String()); got == nil || *got != id {
		t.Fatalf("expected %s, got %v", id, got)
	}
	for _, raw := range []string{"", "guest", "guest-42", "12345"} {
		if got := ParseUserID(raw); got != nil {
			t.Errorf("ParseUserID(%q) = %v, want nil", raw, got)
		}
	}
}

func TestParticipantKey(t *testing.T) {
	id := uuid.New()
	s := CallSession{UserID: &id, PeerID: "peer-x"}
	if s.ParticipantKey() != id.String() {
		t.Errorf("expected user id key")
	}
	s.UserID = nil
	if s.ParticipantKey() != "peer-x" {
		t.Errorf("expected peer id key for guests")
	}
}
