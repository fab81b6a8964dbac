package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config models gigline.yml. Every scalar can be overridden by its GIGLINE_*
// environment variable.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Auth      AuthConfig      `yaml:"auth"`
	Chat      ChatConfig      `yaml:"chat"`
	Payments  PaymentsConfig  `yaml:"payments"`
	OTP       OTPConfig       `yaml:"otp"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Webhooks  []Webhook       `yaml:"webhooks"`
}

type ServerConfig struct {
	Addr               string        `yaml:"addr" env:"GIGLINE_SERVER_ADDR"`
	BasePath           string        `yaml:"base_path" env:"GIGLINE_SERVER_BASE_PATH"`
	CORSOrigins        []string      `yaml:"cors_origins" env:"GIGLINE_SERVER_CORS_ORIGINS"`
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute" env:"GIGLINE_SERVER_RATE_LIMIT_PER_MINUTE"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout" env:"GIGLINE_SERVER_SHUTDOWN_TIMEOUT"`
}

type StoreConfig struct {
	Driver                 string `yaml:"driver" env:"GIGLINE_STORE_DRIVER"`
	Workspace              string `yaml:"workspace" env:"GIGLINE_STORE_WORKSPACE"`
	MaxTransactionAttempts int    `yaml:"max_transaction_attempts" env:"GIGLINE_STORE_MAX_TRANSACTION_ATTEMPTS"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" env:"GIGLINE_AUTH_JWT_SECRET"`
	TokenTTL  time.Duration `yaml:"token_ttl" env:"GIGLINE_AUTH_TOKEN_TTL"`
	Issuer    string        `yaml:"issuer" env:"GIGLINE_AUTH_ISSUER"`
}

type ChatConfig struct {
	Relay            string      `yaml:"relay" env:"GIGLINE_CHAT_RELAY"`
	MaxMessageLength int         `yaml:"max_message_length" env:"GIGLINE_CHAT_MAX_MESSAGE_LENGTH"`
	Kafka            KafkaConfig `yaml:"kafka"`
	AMQP             AMQPConfig  `yaml:"amqp"`
}

type KafkaConfig struct {
	Brokers     []string `yaml:"brokers" env:"GIGLINE_CHAT_KAFKA_BROKERS"`
	Topic       string   `yaml:"topic" env:"GIGLINE_CHAT_KAFKA_TOPIC"`
	GroupPrefix string   `yaml:"group_prefix" env:"GIGLINE_CHAT_KAFKA_GROUP_PREFIX"`
}

type AMQPConfig struct {
	URL      string `yaml:"url" env:"GIGLINE_CHAT_AMQP_URL"`
	Exchange string `yaml:"exchange" env:"GIGLINE_CHAT_AMQP_EXCHANGE"`
}

type PaymentsConfig struct {
	StripeSecretKey string `yaml:"stripe_secret_key" env:"GIGLINE_PAYMENTS_STRIPE_SECRET_KEY"`
	Currency        string `yaml:"currency" env:"GIGLINE_PAYMENTS_CURRENCY"`
}

type OTPConfig struct {
	CodeLength  int           `yaml:"code_length" env:"GIGLINE_OTP_CODE_LENGTH"`
	TTL         time.Duration `yaml:"ttl" env:"GIGLINE_OTP_TTL"`
	MaxAttempts int           `yaml:"max_attempts" env:"GIGLINE_OTP_MAX_ATTEMPTS"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"GIGLINE_LOG_LEVEL"`
	Format string `yaml:"format" env:"GIGLINE_LOG_FORMAT"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"GIGLINE_TELEMETRY_OTLP_ENDPOINT"`
	ServiceName  string `yaml:"service_name" env:"GIGLINE_TELEMETRY_SERVICE_NAME"`
}

type Webhook struct {
	ID      string        `yaml:"id"`
	URL     string        `yaml:"url"`
	Events  []string      `yaml:"events"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
	Enabled *bool         `yaml:"enabled"`
}

// IsEnabled defaults to true when enabled is omitted.
func (w Webhook) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// Accepts reports whether the hook subscribes to evtType. An empty list or
// "*" subscribes to everything; a trailing ".*" matches a prefix.
func (w Webhook) Accepts(evtType string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		switch {
		case e == "*" || e == evtType:
			return true
		case strings.HasSuffix(e, ".*") && strings.HasPrefix(evtType, strings.TrimSuffix(e, "*")):
			return true
		}
	}
	return false
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(cfg)
	return cfg
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "gigline.yml")
}

// Load reads path over the defaults, applies the environment overlay and
// validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("invalid config yaml: %w", err)
			}
		}
	}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseEnv overlays GIGLINE_* environment variables. Unset variables keep the
// current value. Webhooks are file-only.
func ParseEnv(cfg *Config) error {
	targets := []any{&cfg.Server, &cfg.Store, &cfg.Auth, &cfg.Chat, &cfg.Payments, &cfg.OTP, &cfg.Log, &cfg.Telemetry}
	for _, target := range targets {
		if err := env.Parse(target); err != nil {
			return fmt.Errorf("parse env: %w", err)
		}
	}
	return nil
}

// FromYAML parses and validates config from raw YAML bytes over the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure. The JWT secret is
// checked separately by ValidateServe since CLI reads do not need it.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("config.store.driver must be sqlite or memory, got %q", c.Store.Driver)
	}
	if c.Store.MaxTransactionAttempts <= 0 {
		return fmt.Errorf("config.store.max_transaction_attempts must be positive")
	}
	switch c.Chat.Relay {
	case "local":
	case "kafka":
		if len(c.Chat.Kafka.Brokers) == 0 {
			return fmt.Errorf("config.chat.kafka.brokers is required for the kafka relay")
		}
		if c.Chat.Kafka.Topic == "" {
			return fmt.Errorf("config.chat.kafka.topic is required for the kafka relay")
		}
	case "amqp":
		if c.Chat.AMQP.URL == "" {
			return fmt.Errorf("config.chat.amqp.url is required for the amqp relay")
		}
	default:
		return fmt.Errorf("config.chat.relay must be local, kafka or amqp, got %q", c.Chat.Relay)
	}
	if c.Chat.MaxMessageLength <= 0 {
		return fmt.Errorf("config.chat.max_message_length must be positive")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("config.auth.token_ttl must be positive")
	}
	if c.OTP.CodeLength < 4 || c.OTP.CodeLength > 10 {
		return fmt.Errorf("config.otp.code_length must be between 4 and 10")
	}
	if c.OTP.MaxAttempts <= 0 || c.OTP.TTL <= 0 {
		return fmt.Errorf("config.otp.ttl and max_attempts must be positive")
	}
	if c.Server.RateLimitPerMinute < 0 {
		return fmt.Errorf("config.server.rate_limit_per_minute must not be negative")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	seen := map[string]bool{}
	for i, h := range c.Webhooks {
		if h.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
		if h.ID == "" {
			return fmt.Errorf("webhooks[%d].id is required", i)
		}
		if seen[h.ID] {
			return fmt.Errorf("webhook id %s is duplicated", h.ID)
		}
		seen[h.ID] = true
	}
	return nil
}

// ValidateServe adds the checks that only matter for a running server.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("config.auth.jwt_secret is required to serve (set GIGLINE_AUTH_JWT_SECRET)")
	}
	return nil
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0
  cors_origins: []
  rate_limit_per_minute: 600
  shutdown_timeout: 10s

store:
  driver: sqlite
  workspace: .
  max_transaction_attempts: 5

auth:
  jwt_secret: ""
  token_ttl: 24h
  issuer: gigline

chat:
  relay: local
  max_message_length: 2000
  kafka:
    brokers: []
    topic: gigline.chat
    group_prefix: gigline-chat
  amqp:
    url: ""
    exchange: gigline.chat

payments:
  stripe_secret_key: ""
  currency: usd

otp:
  code_length: 6
  ttl: 10m
  max_attempts: 5

log:
  level: info
  format: text

telemetry:
  otlp_endpoint: ""
  service_name: gigline

webhooks: []
`
