package repo

import (
	"context"

	"gigline/internal/docstore"
	"gigline/internal/domain"
)

func decodeEvents(snaps []docstore.Snapshot) ([]domain.Event, error) {
	res := make([]domain.Event, 0, len(snaps))
	for _, s := range snaps {
		var e domain.Event
		if err := decode(s, nil, &e); err != nil {
			return nil, err
		}
		e.ID = s.Ref.ID
		res = append(res, e)
	}
	return res, nil
}

// EventsAfter returns events strictly after the (ts, id) cursor, oldest first.
// An empty cursorTS starts from the beginning. Event documents carry their own
// id field so the tie-break can be expressed as a filter.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursorTS, cursorID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var res []domain.Event
	if cursorTS != "" {
		same, err := r.Store.Query(ctx, eventsColl.Query().
			Where("ts", docstore.OpEq, cursorTS).
			Where("id", docstore.OpGt, cursorID).
			OrderBy("id", false).
			WithLimit(limit))
		if err != nil {
			return nil, err
		}
		if res, err = decodeEvents(same); err != nil {
			return nil, err
		}
	}
	if len(res) >= limit {
		return res, nil
	}
	q := eventsColl.Query().OrderBy("ts", false).WithLimit(limit - len(res))
	if cursorTS != "" {
		q = q.Where("ts", docstore.OpGt, cursorTS)
	}
	snaps, err := r.Store.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	rest, err := decodeEvents(snaps)
	if err != nil {
		return nil, err
	}
	return append(res, rest...), nil
}

// LatestEvents returns the most recent events, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	q := eventsColl.Query()
	if evtType != "" {
		q = q.Where("type", docstore.OpEq, evtType)
	}
	if entityKind != "" {
		q = q.Where("entity_kind", docstore.OpEq, entityKind)
	}
	if entityID != "" {
		q = q.Where("entity_id", docstore.OpEq, entityID)
	}
	snaps, err := r.Store.Query(ctx, q.OrderBy("ts", true).WithLimit(limit))
	if err != nil {
		return nil, err
	}
	return decodeEvents(snaps)
}
