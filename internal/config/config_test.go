package config

import (
	"testing"
	"time"

	"github.com/kelseyhightower/envconfig"
)

func TestSettingsDefaults(t *testing.T) {
	var s Settings
	if err := envconfig.Process("SHELLGATE_TEST_DEFAULTS", &s); err != nil {
		t.Fatalf("process: %v", err)
	}
	if s.ListenAddr != ":8000" {
		t.Errorf("ListenAddr = %q", s.ListenAddr)
	}
	if s.ConfigCacheTTL != 5*time.Second {
		t.Errorf("ConfigCacheTTL = %s, want 5s", s.ConfigCacheTTL)
	}
	if s.TerminalMaxSessions != 10 {
		t.Errorf("TerminalMaxSessions = %d", s.TerminalMaxSessions)
	}
	if s.TerminalIdleTimeout != 0 {
		t.Errorf("TerminalIdleTimeout should default to disabled, got %s", s.TerminalIdleTimeout)
	}
	if s.SessionTokenCookie != "session_token" {
		t.Errorf("SessionTokenCookie = %q", s.SessionTokenCookie)
	}
}

func TestSettingsFromEnv(t *testing.T) {
	t.Setenv("SHELLGATE_TEST_TERMINAL_MAX_SESSIONS", "3")
	t.Setenv("SHELLGATE_TEST_CONFIG_CACHE_TTL", "250ms")
	t.Setenv("SHELLGATE_TEST_JWT_SECRET", "s3cret")

	var s Settings
	if err := envconfig.Process("SHELLGATE_TEST", &s); err != nil {
		t.Fatalf("process: %v", err)
	}
	if s.TerminalMaxSessions != 3 {
		t.Errorf("TerminalMaxSessions = %d, want 3", s.TerminalMaxSessions)
	}
	if s.ConfigCacheTTL != 250*time.Millisecond {
		t.Errorf("ConfigCacheTTL = %s", s.ConfigCacheTTL)
	}
	if s.JWTSecret != "s3cret" {
		t.Errorf("JWTSecret = %q", s.JWTSecret)
	}
}
