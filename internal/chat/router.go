// Package chat routes real-time gig chat between connections. Each gig has
// one room per instance; broadcasts travel through a relay so that rooms on
// other instances receive them too.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"gigline/internal/apperr"
	"gigline/internal/docstore"
	"gigline/internal/domain"
	"gigline/internal/relay"
	"gigline/internal/repo"
)

const (
	EventJoin       = "joinGigChat"
	EventLeave      = "leaveGigChat"
	EventSend       = "sendMessage"
	EventTyping     = "typing"
	EventHistory    = "chatHistory"
	EventNewMessage = "newMessage"
	EventUserTyping = "userTyping"
	EventError      = "error"
)

const (
	DefaultMaxMessageLength = 2000
	fanOutLimit             = 32
	sendTimeout             = 5 * time.Second
)

// Frame is the JSON shape of every message on the wire.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Conn is one live client connection. Send must not block for long; slow
// connections should drop frames or close themselves.
type Conn interface {
	ID() string
	UserID() string
	Send(ctx context.Context, f Frame) error
}

// Store is the persistence the router needs. repo.Repo satisfies it.
type Store interface {
	GetGig(ctx context.Context, id string) (domain.Gig, error)
	InsertMessage(ctx context.Context, m domain.ChatMessage) error
	ListMessages(ctx context.Context, gigID string) ([]domain.ChatMessage, error)
}

type Router struct {
	store  Store
	relay  relay.Relay
	logger *slog.Logger
	now    func() time.Time
	maxLen int

	mu    sync.RWMutex
	rooms map[string]map[string]Conn     // gig id -> conn id -> conn
	joins map[string]map[string]struct{} // conn id -> gig ids
	gigs  singleflight.Group
}

type Option func(*Router)

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

func WithMaxMessageLength(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.maxLen = n
		}
	}
}

// NewRouter subscribes the router to rl; every envelope the relay delivers is
// fanned out to the matching local room.
func NewRouter(store Store, rl relay.Relay, opts ...Option) *Router {
	r := &Router{
		store:  store,
		relay:  rl,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
		maxLen: DefaultMaxMessageLength,
		rooms:  map[string]map[string]Conn{},
		joins:  map[string]map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(r)
	}
	rl.Subscribe(r.deliver)
	return r
}

func (r *Router) checkGig(ctx context.Context, gigID string) error {
	if strings.TrimSpace(gigID) == "" {
		return apperr.Validation("validation_failed", "gigId is required")
	}
	_, err, _ := r.gigs.Do(gigID, func() (any, error) {
		return r.store.GetGig(ctx, gigID)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, docstore.ErrNotFound):
		return apperr.NotFound("gig")
	default:
		return apperr.Dependency("store_unavailable", err)
	}
}

// Join adds c to the gig's room and sends it the stored history, oldest
// first. History goes to c alone.
func (r *Router) Join(ctx context.Context, c Conn, gigID string) error {
	if err := r.checkGig(ctx, gigID); err != nil {
		return err
	}
	r.mu.Lock()
	if r.rooms[gigID] == nil {
		r.rooms[gigID] = map[string]Conn{}
	}
	r.rooms[gigID][c.ID()] = c
	if r.joins[c.ID()] == nil {
		r.joins[c.ID()] = map[string]struct{}{}
	}
	r.joins[c.ID()][gigID] = struct{}{}
	r.mu.Unlock()

	msgs, err := r.store.ListMessages(ctx, gigID)
	if err != nil {
		return apperr.Dependency("store_unavailable", err)
	}
	return c.Send(ctx, Frame{Event: EventHistory, Data: msgs})
}

func (r *Router) Leave(c Conn, gigID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(c.ID(), gigID)
}

// Disconnect removes c from every room it joined.
func (r *Router) Disconnect(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for gigID := range r.joins[c.ID()] {
		r.removeLocked(c.ID(), gigID)
	}
	delete(r.joins, c.ID())
}

func (r *Router) removeLocked(connID, gigID string) {
	if room := r.rooms[gigID]; room != nil {
		delete(room, connID)
		if len(room) == 0 {
			delete(r.rooms, gigID)
		}
	}
	if j := r.joins[connID]; j != nil {
		delete(j, gigID)
		if len(j) == 0 {
			delete(r.joins, connID)
		}
	}
}

// Members returns the connections currently in the gig's room.
func (r *Router) Members(gigID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conn, 0, len(r.rooms[gigID]))
	for _, c := range r.rooms[gigID] {
		out = append(out, c)
	}
	return out
}

// Send persists a message from c and then broadcasts it to the room,
// sender included. Nothing is broadcast when the write fails.
func (r *Router) Send(ctx context.Context, c Conn, gigID, body string) (domain.ChatMessage, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return domain.ChatMessage{}, apperr.Validation("validation_failed", "message is required")
	}
	if utf8.RuneCountInString(body) > r.maxLen {
		return domain.ChatMessage{}, apperr.Validationf("validation_failed", "message must be at most %d characters", r.maxLen)
	}
	if err := r.checkGig(ctx, gigID); err != nil {
		return domain.ChatMessage{}, err
	}
	msg := domain.ChatMessage{
		ID:        uuid.NewString(),
		GigID:     gigID,
		SenderID:  c.UserID(),
		Message:   body,
		Timestamp: docstore.FormatTime(r.now()),
	}
	if err := r.store.InsertMessage(ctx, msg); err != nil {
		return domain.ChatMessage{}, apperr.Dependency("store_unavailable", err)
	}
	if err := r.publish(ctx, gigID, EventNewMessage, c.ID(), msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// Typing tells the rest of the room that c's user is typing.
func (r *Router) Typing(ctx context.Context, c Conn, gigID string) error {
	if strings.TrimSpace(gigID) == "" {
		return apperr.Validation("validation_failed", "gigId is required")
	}
	return r.publish(ctx, gigID, EventUserTyping, c.ID(), c.UserID())
}

func (r *Router) publish(ctx context.Context, gigID, event, origin string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return apperr.Dependency("encode_failed", err)
	}
	env := relay.Envelope{Topic: relay.GigTopic(gigID), Event: event, Payload: payload, Origin: origin}
	if err := r.relay.Publish(ctx, env); err != nil {
		r.logger.Error("chat: publish failed", "gig_id", gigID, "event", event, "error", err)
		return apperr.Dependency("relay_unavailable", err)
	}
	return nil
}

// deliver fans an envelope out to local room members. Typing events skip the
// originating connection.
func (r *Router) deliver(ctx context.Context, env relay.Envelope) {
	gigID, ok := strings.CutPrefix(env.Topic, "gig:")
	if !ok {
		return
	}
	frame := Frame{Event: env.Event, Data: env.Payload}
	var g errgroup.Group
	g.SetLimit(fanOutLimit)
	for _, c := range r.Members(gigID) {
		if env.Event == EventUserTyping && c.ID() == env.Origin {
			continue
		}
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
			defer cancel()
			if err := c.Send(sctx, frame); err != nil {
				r.logger.Debug("chat: drop frame", "conn_id", c.ID(), "event", env.Event, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
