package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("SESSION_MAX_AGE", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sessions.MaxAge != 12*time.Hour {
		t.Errorf("expected 12h max age, got %s", cfg.Sessions.MaxAge)
	}
	if cfg.Broker.ReadLimit != 65536 {
		t.Errorf("expected read limit 65536, got %d", cfg.Broker.ReadLimit)
	}
}

func TestDSN(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: "5432", User: "u", Password: "p", DBName: "n", SSLMode: "disable"}
	if got := c.DSN(); got != "postgres://u:p@db:5432/n?sslmode=disable" {
		t.Errorf("unexpected DSN %q", got)
	}
	c.URL = "postgres://override"
	if got := c.DSN(); got != "postgres://override" {
		t.Errorf("expected URL override, got %q", got)
	}
}

func TestLoadClient(t *testing.T) {
	t.Run("requires meeting id", func(t *testing.T) {
		t.Setenv("MEETING_ID", "")
		if _, err := LoadClient(); err == nil {
			t.Fatal("expected error without MEETING_ID")
		}
	})

	t.Run("reads durations", func(t *testing.T) {
		t.Setenv("MEETING_ID", "ABC123")
		t.Setenv("DISCOVERY_INTERVAL", "5s")
		t.Setenv("SERVER_URL", "http://api.local/")
		cfg, err := LoadClient()
		if err != nil {
			t.Fatalf("LoadClient: %v", err)
		}
		if cfg.DiscoveryInterval != 5*time.Second {
			t.Errorf("expected 5s, got %s", cfg.DiscoveryInterval)
		}
		if cfg.ServerURL != "http://api.local" {
			t.Errorf("expected trailing slash trimmed, got %q", cfg.ServerURL)
		}
	})
}

func TestSplitTrim(t *testing.T) {
	got := splitTrim(" a, ,b ,", ",")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("unexpected split %v", got)
	}
}
