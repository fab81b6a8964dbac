// Package app constructs the store, identity, payment and chat adapters once
// and injects them into the engine, chat router and HTTP server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"gigline/internal/chat"
	"gigline/internal/config"
	"gigline/internal/db"
	"gigline/internal/docstore"
	"gigline/internal/docstore/sqlitestore"
	"gigline/internal/engine"
	"gigline/internal/identity"
	"gigline/internal/logging"
	"gigline/internal/migrate"
	"gigline/internal/otp"
	"gigline/internal/payments"
	"gigline/internal/relay"
	"gigline/internal/server"
)

type App struct {
	Config *config.Config
	Logger *slog.Logger
	Store  *docstore.Store
	Engine engine.Engine
	// Instance identifies this process on the chat relay.
	Instance string

	conn *sql.DB
}

type Option func(*options)

type options struct {
	hasher  *identity.Hasher
	gateway payments.Gateway
	sender  otp.Sender
}

// WithHasher overrides the argon2id parameters, mostly for tests.
func WithHasher(h identity.Hasher) Option {
	return func(o *options) { o.hasher = &h }
}

func WithGateway(g payments.Gateway) Option {
	return func(o *options) { o.gateway = g }
}

func WithSender(s otp.Sender) Option {
	return func(o *options) { o.sender = s }
}

// Open builds the store for cfg.Store.Driver and an engine over it. The
// sqlite driver opens and migrates the workspace database.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{Config: cfg, Logger: logger, Instance: uuid.NewString()}
	storeOpts := []docstore.Option{
		docstore.WithMaxAttempts(cfg.Store.MaxTransactionAttempts),
		docstore.WithLogger(logger.With("component", "docstore")),
	}
	switch cfg.Store.Driver {
	case "memory":
		a.Store = docstore.NewMemory(storeOpts...)
	case "sqlite":
		conn, err := db.Open(db.Config{Workspace: cfg.Store.Workspace})
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := migrate.Migrate(ctx, conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		a.conn = conn
		a.Store = docstore.New(sqlitestore.New(conn), storeOpts...)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	hasher := identity.NewHasher(identity.DefaultParams)
	if o.hasher != nil {
		hasher = *o.hasher
	}
	tokens := identity.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	sender := o.sender
	if sender == nil {
		sender = otp.LogSender{Logger: logger.With("component", "otp")}
	}
	gateway := o.gateway
	if gateway == nil {
		gateway = payments.New(cfg.Payments.StripeSecretKey)
	}

	e := engine.New(a.Store, cfg)
	e.Identity = identity.NewLocal(a.Store, hasher, tokens)
	e.OTP = otp.New(a.Store, sender, cfg.OTP)
	e.Payments = gateway
	a.Engine = e
	return a, nil
}

// NewRelay connects the broadcast transport named by cfg.Chat.Relay.
func (a *App) NewRelay() (relay.Relay, error) {
	logger := a.Logger.With("component", "relay")
	c := a.Config.Chat
	switch c.Relay {
	case "", "local":
		return relay.NewLocal(), nil
	case "kafka":
		return relay.DialKafka(c.Kafka.Brokers, c.Kafka.Topic, c.Kafka.GroupPrefix, a.Instance, logger), nil
	case "amqp":
		return relay.DialAMQP(c.AMQP.URL, c.AMQP.Exchange, a.Instance, logger)
	default:
		return nil, fmt.Errorf("unknown chat relay %q", c.Relay)
	}
}

// Handler builds the chat router over rl and the HTTP API around it.
func (a *App) Handler(rl relay.Relay) (http.Handler, error) {
	router := chat.NewRouter(a.Engine.Repo, rl,
		chat.WithLogger(a.Logger.With("component", "chat")),
		chat.WithMaxMessageLength(a.Config.Chat.MaxMessageLength),
	)
	s := a.Config.Server
	return server.New(server.Config{
		Engine:             a.Engine,
		Chat:               chat.NewWSHandler(router, s.CORSOrigins, nil),
		BasePath:           s.BasePath,
		CORSOrigins:        s.CORSOrigins,
		RateLimitPerMinute: s.RateLimitPerMinute,
		Logger:             a.Logger.With("component", "http"),
	})
}

// Webhooks returns the dispatcher for the configured hooks.
func (a *App) Webhooks() *server.WebhookDispatcher {
	return server.NewWebhookDispatcher(a.Engine, a.Config.Webhooks, a.Logger.With("component", "webhooks"))
}

func (a *App) Close() error {
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	if err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}
