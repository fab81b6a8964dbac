package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"gigline/internal/config"
	"gigline/internal/domain"
	"gigline/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher polls the audit log and POSTs new events to every
// configured hook. Each hook keeps its own cursor, starting at the newest
// event when the dispatcher starts; delivery is at least once.
type WebhookDispatcher struct {
	engine   engine.Engine
	webhooks []config.Webhook
	client   *http.Client
	logger   *slog.Logger
	interval time.Duration
	mu       sync.Mutex
	cursors  map[string]string
}

func NewWebhookDispatcher(e engine.Engine, hooks []config.Webhook, logger *slog.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &WebhookDispatcher{
		engine:   e,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger,
		interval: defaultWebhookInterval,
		cursors:  make(map[string]string),
	}
}

// Run dispatches until ctx is done. It returns nil on cancellation.
func (d *WebhookDispatcher) Run(ctx context.Context) error {
	if len(d.webhooks) == 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchAll runs one delivery round over every enabled hook.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for _, hook := range d.webhooks {
		if !hook.IsEnabled() || strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, hook config.Webhook) {
	cursor, ok := d.cursorFor(ctx, hook)
	if !ok {
		return
	}
	evts, _, err := d.engine.EventsAfter(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.logger.Error("webhook: fetch events failed", "hook", hook.ID, "error", err)
		return
	}
	for _, evt := range evts {
		if hook.Accepts(evt.Type) {
			if err := d.postEvent(ctx, hook, evt); err != nil {
				d.logger.Warn("webhook: delivery failed", "hook", hook.ID, "url", hook.URL, "event_id", evt.ID, "error", err)
				return
			}
		}
		d.setCursor(hook.ID, engine.FormatCursor(evt))
	}
}

// cursorFor returns the hook's cursor, initialising it at the newest event.
func (d *WebhookDispatcher) cursorFor(ctx context.Context, hook config.Webhook) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[hook.ID]; ok {
		return cur, true
	}
	latest, err := d.engine.LatestEvents(ctx, 1, "", "", "")
	if err != nil {
		d.logger.Error("webhook: init cursor failed", "hook", hook.ID, "error", err)
		return "", false
	}
	cur := ""
	if len(latest) > 0 {
		cur = engine.FormatCursor(latest[0])
	}
	d.cursors[hook.ID] = cur
	return cur, true
}

// SetCursor positions a hook explicitly, e.g. to replay from the start with "".
func (d *WebhookDispatcher) SetCursor(hookID, cursor string) {
	d.setCursor(hookID, cursor)
}

func (d *WebhookDispatcher) setCursor(hookID, cursor string) {
	d.mu.Lock()
	d.cursors[hookID] = cursor
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	TS         string         `json:"ts"`
	Payload    map[string]any `json:"payload"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.Webhook, evt domain.Event) error {
	payload := evt.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.Timeout > 0 && hook.Timeout != d.client.Timeout {
		client = &http.Client{Timeout: hook.Timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gigline-Event", evt.Type)
	req.Header.Set("X-Gigline-Delivery", evt.ID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Gigline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}
