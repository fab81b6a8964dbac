// Package relay fans chat events out to every service instance.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// Envelope is one broadcast. Topic is "gig:{id}"; Origin names the connection
// that caused it so presence events can skip the sender.
type Envelope struct {
	Topic    string          `json:"topic"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
	Origin   string          `json:"origin,omitempty"`
	Instance string          `json:"instance,omitempty"`
}

type Handler func(ctx context.Context, env Envelope)

// Relay publishes envelopes and delivers every envelope, local or remote, to
// the subscribed handlers. Run blocks until ctx is done or the transport fails.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(h Handler)
	Run(ctx context.Context) error
	Close() error
}

func GigTopic(gigID string) string { return "gig:" + gigID }

type handlers struct {
	mu   sync.RWMutex
	list []Handler
}

func (h *handlers) add(fn Handler) {
	h.mu.Lock()
	h.list = append(h.list, fn)
	h.mu.Unlock()
}

func (h *handlers) dispatch(ctx context.Context, env Envelope) {
	h.mu.RLock()
	list := h.list
	h.mu.RUnlock()
	for _, fn := range list {
		fn(ctx, env)
	}
}

// Local delivers synchronously inside the process.
type Local struct {
	handlers
}

func NewLocal() *Local { return &Local{} }

func (l *Local) Publish(ctx context.Context, env Envelope) error {
	l.dispatch(ctx, env)
	return nil
}

func (l *Local) Subscribe(h Handler) { l.add(h) }

func (l *Local) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (l *Local) Close() error { return nil }

// decode parses a remote envelope; broken frames are logged and dropped.
func decode(logger *slog.Logger, raw []byte) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		logger.Warn("relay: drop malformed envelope", "error", err)
		return env, false
	}
	return env, true
}
