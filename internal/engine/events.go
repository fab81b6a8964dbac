package engine

import (
	"context"
	"strings"

	"gigline/internal/domain"
)

const maxEventLimit = 500

// FormatCursor encodes the position after e as "ts|id".
func FormatCursor(e domain.Event) string {
	return e.TS + "|" + e.ID
}

// ParseCursor splits a "ts|id" cursor. A bare timestamp resumes after every
// event at that instant.
func ParseCursor(cursor string) (ts, id string, err error) {
	cursor = strings.TrimSpace(cursor)
	if cursor == "" {
		return "", "", nil
	}
	ts, id, ok := strings.Cut(cursor, "|")
	if ts == "" {
		return "", "", invalid("cursor", "cursor must be ts|id")
	}
	if !ok {
		// "~" sorts after every uuid character.
		id = "~"
	}
	return ts, id, nil
}

// ListEvents returns audit events after cursor, oldest first, together with
// the cursor for the next page. The next cursor equals the input when the page
// is empty.
func (e Engine) ListEvents(ctx context.Context, callerID, cursor string, limit int) ([]domain.Event, string, error) {
	if err := requireCaller(callerID); err != nil {
		return nil, "", err
	}
	return e.EventsAfter(ctx, cursor, limit)
}

// EventsAfter is ListEvents without the caller check, for the webhook
// dispatcher and the CLI.
func (e Engine) EventsAfter(ctx context.Context, cursor string, limit int) ([]domain.Event, string, error) {
	ts, id, err := ParseCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}
	evts, err := e.Repo.EventsAfter(ctx, limit, ts, id)
	if err != nil {
		return nil, "", translate(err, "event")
	}
	next := cursor
	if len(evts) > 0 {
		next = FormatCursor(evts[len(evts)-1])
	}
	return evts, next, nil
}

// LatestEvents returns the newest events, optionally filtered.
func (e Engine) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	evts, err := e.Repo.LatestEvents(ctx, limit, evtType, entityKind, entityID)
	if err != nil {
		return nil, translate(err, "event")
	}
	return evts, nil
}
