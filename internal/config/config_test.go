package config

import (
	"log/slog"
	"testing"
	"time"
)

func lookupFromMap(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(lookupFromMap(nil), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.Mode != ModeDev {
		t.Errorf("Mode = %q, want dev", cfg.Mode)
	}
	if cfg.LogFormat != LogFormatText {
		t.Errorf("LogFormat = %q, want text", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
	if cfg.MessageRateLimit != DefaultMessageRateLimit {
		t.Errorf("MessageRateLimit = %d, want %d", cfg.MessageRateLimit, DefaultMessageRateLimit)
	}
	if cfg.MessageRateWindow != time.Minute {
		t.Errorf("MessageRateWindow = %v, want 1m", cfg.MessageRateWindow)
	}
}

func TestLoad_ProdRequiresSecretAndStore(t *testing.T) {
	_, err := load(lookupFromMap(map[string]string{
		"PARLOR_MODE": "prod",
	}), nil)
	if err == nil {
		t.Fatalf("expected error for prod mode without JWT_SECRET")
	}

	_, err = load(lookupFromMap(map[string]string{
		"PARLOR_MODE": "prod",
		"JWT_SECRET":  "s3cret",
	}), nil)
	if err == nil {
		t.Fatalf("expected error for prod mode without REDIS_URL")
	}

	cfg, err := load(lookupFromMap(map[string]string{
		"PARLOR_MODE": "prod",
		"JWT_SECRET":  "s3cret",
		"REDIS_URL":   "redis://localhost:6379/0",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Errorf("prod LogFormat = %q, want json", cfg.LogFormat)
	}
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	cfg, err := load(lookupFromMap(map[string]string{
		"PARLOR_LISTEN_ADDR": "127.0.0.1:9999",
	}), []string{"-listen-addr", "127.0.0.1:7777"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:7777" {
		t.Errorf("ListenAddr = %q, want flag value", cfg.ListenAddr)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := load(lookupFromMap(map[string]string{
		"MESSAGE_RATE_WINDOW": "sixty seconds",
	}), nil)
	if err == nil {
		t.Fatalf("expected error for malformed duration")
	}
}

func TestLoad_AllowedOrigins(t *testing.T) {
	cfg, err := load(lookupFromMap(map[string]string{
		"PARLOR_ALLOWED_ORIGINS": "https://App.Example.COM, http://localhost:3000, *",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []string{"https://app.example.com", "http://localhost:3000", "*"}
	if len(cfg.AllowedOrigins) != len(want) {
		t.Fatalf("AllowedOrigins = %v, want %v", cfg.AllowedOrigins, want)
	}
	for i := range want {
		if cfg.AllowedOrigins[i] != want[i] {
			t.Errorf("AllowedOrigins[%d] = %q, want %q", i, cfg.AllowedOrigins[i], want[i])
		}
	}

	if _, err := load(lookupFromMap(map[string]string{
		"PARLOR_ALLOWED_ORIGINS": "ftp://example.com",
	}), nil); err == nil {
		t.Fatal("expected error for invalid origin entry")
	}
}

func TestLoad_TURNRestTTL(t *testing.T) {
	cfg, err := load(lookupFromMap(map[string]string{
		"TURN_REST_SECRET": "shared",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TURNRestTTL != DefaultTURNRestTTL {
		t.Errorf("TURNRestTTL = %v, want %v", cfg.TURNRestTTL, DefaultTURNRestTTL)
	}

	if _, err := load(lookupFromMap(map[string]string{
		"TURN_REST_SECRET": "shared",
		"TURN_REST_TTL":    "-5m",
	}), nil); err == nil {
		t.Fatal("expected error for non-positive TURN credential TTL")
	}
}

func TestParseICEServersJSON(t *testing.T) {
	servers, err := ParseICEServersJSON(`[{"urls":"stun:stun.l.google.com:19302"},{"urls":["turn:turn.example.com:3478"],"username":"u","credential":"p"}]`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
	if servers[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Errorf("unexpected stun url %q", servers[0].URLs[0])
	}

	if _, err := ParseICEServersJSON(`[{"urls":"turn:turn.example.com"}]`); err == nil {
		t.Fatalf("expected error for turn url without credentials")
	}
	if _, err := ParseICEServersJSON(`[{"urls":"https://example.com"}]`); err == nil {
		t.Fatalf("expected error for non-ICE scheme")
	}
}
