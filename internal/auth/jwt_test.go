package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestJWTRoundTrip(t *testing.T) {
	svc := NewJWTService("secret", time.Hour)
	id := uuid.New()
	token, err := svc.Generate(id, "a@example.com", "candidate")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	claims, err := svc.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.UserID != id || claims.Role != "candidate" {
		t.Errorf("unexpected claims %+v", claims)
	}
}

func TestJWTRejects(t *testing.T) {
	svc := NewJWTService("secret", time.Hour)
	other := NewJWTService("other", time.Hour)
	token, _ := other.Generate(uuid.New(), "", "candidate")

	cases := map[string]string{
		"wrong secret": token,
		"garbage":      "not.a.token",
		"empty":        "",
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.Validate(tok); err != ErrInvalidToken {
				t.Errorf("expected ErrInvalidToken, got %v", err)
			}
		})
	}

	t.Run("expired", func(t *testing.T) {
		expired := NewJWTService("secret", time.Hour)
		expired.ttl = -time.Minute
		tok, _ := expired.Generate(uuid.New(), "", "candidate")
		if _, err := svc.Validate(tok); err != ErrInvalidToken {
			t.Errorf("expected ErrInvalidToken, got %v", err)
		}
	})
}

func TestBearerToken(t *testing.T) {
	if tok, ok := BearerToken("Bearer abc"); !ok || tok != "abc" {
		t.Errorf("got %q %v", tok, ok)
	}
	for _, h := range []string{"", "Bearer", "Basic abc", "Bearer  "} {
		if _, ok := BearerToken(h); ok {
			t.Errorf("expected %q to be rejected", h)
		}
	}
}
