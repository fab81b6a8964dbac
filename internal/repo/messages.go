package repo

import (
	"context"

	"gigline/internal/docstore"
	"gigline/internal/domain"
)

func (r Repo) InsertMessage(ctx context.Context, m domain.ChatMessage) error {
	data, err := docstore.ToData(m)
	if err != nil {
		return err
	}
	delete(data, "id")
	return r.Store.Create(ctx, MessagesCollection(m.GigID).Doc(m.ID), data)
}

// ListMessages returns a gig's chat messages by ascending timestamp. Ties are
// broken by insertion order.
func (r Repo) ListMessages(ctx context.Context, gigID string) ([]domain.ChatMessage, error) {
	snaps, err := r.Store.Query(ctx, MessagesCollection(gigID).Query())
	if err != nil {
		return nil, err
	}
	sortAppendOnly(snaps, "timestamp")
	res := make([]domain.ChatMessage, 0, len(snaps))
	for _, s := range snaps {
		var m domain.ChatMessage
		if err := decode(s, nil, &m); err != nil {
			return nil, err
		}
		m.ID = s.Ref.ID
		m.GigID = gigID
		res = append(res, m)
	}
	return res, nil
}
