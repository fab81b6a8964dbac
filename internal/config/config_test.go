package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Server.BasePath != "/v0" || cfg.Auth.TokenTTL != 24*time.Hour || cfg.Store.MaxTransactionAttempts != 5 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if err := cfg.ValidateServe(); err == nil {
		t.Fatalf("expected missing jwt secret to fail serve validation")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Chat.Relay != "local" {
		t.Fatalf("expected local relay, got %s", cfg.Chat.Relay)
	}
}

func TestLoadFileThenEnvOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gigline.yml")
	body := `server:
  addr: 0.0.0.0:9000
store:
  driver: memory
auth:
  jwt_secret: from-file
webhooks:
  - id: audit
    url: http://example.test/hook
    events: ["gig.*"]
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("GIGLINE_AUTH_JWT_SECRET", "from-env")
	t.Setenv("GIGLINE_SERVER_CORS_ORIGINS", "http://a.test,http://b.test")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != "0.0.0.0:9000" || cfg.Store.Driver != "memory" {
		t.Fatalf("file values not applied: %+v", cfg.Server)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Fatalf("env overlay not applied: %s", cfg.Auth.JWTSecret)
	}
	if len(cfg.Server.CORSOrigins) != 2 {
		t.Fatalf("expected 2 cors origins, got %v", cfg.Server.CORSOrigins)
	}
	if cfg.Auth.Issuer != "gigline" {
		t.Fatalf("default issuer lost: %s", cfg.Auth.Issuer)
	}
	if len(cfg.Webhooks) != 1 || !cfg.Webhooks[0].IsEnabled() {
		t.Fatalf("webhook not loaded: %+v", cfg.Webhooks)
	}
	if !cfg.Webhooks[0].Accepts("gig.accepted") || cfg.Webhooks[0].Accepts("user.registered") {
		t.Fatalf("webhook event matching wrong")
	}
	if err := cfg.ValidateServe(); err != nil {
		t.Fatalf("validate serve: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"driver", func(c *Config) { c.Store.Driver = "postgres" }, "store.driver"},
		{"attempts", func(c *Config) { c.Store.MaxTransactionAttempts = 0 }, "max_transaction_attempts"},
		{"relay", func(c *Config) { c.Chat.Relay = "nats" }, "chat.relay"},
		{"kafka brokers", func(c *Config) { c.Chat.Relay = "kafka" }, "kafka.brokers"},
		{"amqp url", func(c *Config) { c.Chat.Relay = "amqp" }, "amqp.url"},
		{"base path", func(c *Config) { c.Server.BasePath = "v0" }, "base_path"},
		{"webhook url", func(c *Config) { c.Webhooks = []Webhook{{ID: "x"}} }, "url is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mut(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestParseEnvError(t *testing.T) {
	t.Setenv("GIGLINE_STORE_MAX_TRANSACTION_ATTEMPTS", "many")
	err := ParseEnv(Default())
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env error, got %v", err)
	}
}
