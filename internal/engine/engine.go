// Package engine implements the gig lifecycle and the user, home and payment
// operations layered on top of it. Every mutation runs inside a docstore
// transaction together with its audit event.
package engine

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"gigline/internal/apperr"
	"gigline/internal/config"
	"gigline/internal/docstore"
	"gigline/internal/events"
	"gigline/internal/identity"
	"gigline/internal/otp"
	"gigline/internal/payments"
	"gigline/internal/repo"
	"gigline/internal/telemetry"
)

type Engine struct {
	Store    *docstore.Store
	Repo     repo.Repo
	Events   events.Writer
	Identity identity.Provider
	OTP      *otp.Service
	Payments payments.Gateway
	Config   *config.Config
	Now      func() time.Time
	tracer   trace.Tracer
}

// New builds an engine over store. Identity and OTP are left for the caller
// to inject; payments default to the unavailable gateway.
func New(store *docstore.Store, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		Store:    store,
		Repo:     repo.Repo{Store: store},
		Events:   events.Writer{},
		Payments: payments.Unavailable{},
		Config:   cfg,
		tracer:   telemetry.Tracer("engine"),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return docstore.FormatTime(e.now())
}

func (e Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := e.tracer
	if tracer == nil {
		tracer = telemetry.Tracer("engine")
	}
	return tracer.Start(ctx, "engine."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, errp *error) {
	if err := *errp; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.KindOf(err).String())
	}
	span.End()
}

// translate maps store failures onto the error taxonomy. Errors that already
// carry a kind pass through unchanged.
func translate(err error, entity string) error {
	switch {
	case err == nil:
		return nil
	case apperr.KindOf(err) != apperr.KindUnknown:
		return err
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, docstore.ErrNotFound):
		return apperr.NotFound(entity)
	default:
		return apperr.Dependency("store_unavailable", err)
	}
}

func requireCaller(callerID string) error {
	if callerID == "" {
		return apperr.Authentication("authentication required")
	}
	return nil
}
