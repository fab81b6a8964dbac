package repo

import (
	"context"

	"gigline/internal/docstore"
	"gigline/internal/domain"
)

func decodeHome(snap docstore.Snapshot, err error) (domain.Home, error) {
	var h domain.Home
	if err := decode(snap, err, &h); err != nil {
		return domain.Home{}, err
	}
	h.ID = snap.Ref.ID
	if h.Occupants == nil {
		h.Occupants = []string{}
	}
	return h, nil
}

func (r Repo) InsertHomeTx(tx *docstore.Tx, h domain.Home) error {
	data, err := docstore.ToData(h)
	if err != nil {
		return err
	}
	delete(data, "id")
	data["created_at"] = docstore.ServerTimestamp
	tx.Create(HomeRef(h.ID), data)
	return nil
}

func (r Repo) GetHome(ctx context.Context, id string) (domain.Home, error) {
	snap, err := r.Store.Get(ctx, HomeRef(id))
	return decodeHome(snap, err)
}

func (r Repo) GetHomeTx(tx *docstore.Tx, id string) (domain.Home, error) {
	snap, err := tx.Get(HomeRef(id))
	return decodeHome(snap, err)
}

// ListHomesForOccupant returns homes whose occupant list contains userID.
func (r Repo) ListHomesForOccupant(ctx context.Context, userID string) ([]domain.Home, error) {
	snaps, err := r.Store.Query(ctx, homes.Query().Where("occupants", docstore.OpArrayContains, userID).OrderBy("created_at", false))
	if err != nil {
		return nil, err
	}
	res := make([]domain.Home, 0, len(snaps))
	for _, s := range snaps {
		h, err := decodeHome(s, nil)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, nil
}

func (r Repo) InsertHomeEntry(ctx context.Context, visibility string, e domain.HomeEntry) error {
	data, err := docstore.ToData(e)
	if err != nil {
		return err
	}
	delete(data, "id")
	data["created_at"] = docstore.ServerTimestamp
	return r.Store.Create(ctx, HomeDataCollection(e.HomeID, visibility).Doc(e.ID), data)
}

func (r Repo) GetHomeEntry(ctx context.Context, homeID, visibility, id string) (domain.HomeEntry, error) {
	var e domain.HomeEntry
	snap, err := r.Store.Get(ctx, HomeDataCollection(homeID, visibility).Doc(id))
	if err := decode(snap, err, &e); err != nil {
		return domain.HomeEntry{}, err
	}
	e.ID = id
	return e, nil
}

func (r Repo) ListHomeEntries(ctx context.Context, homeID, visibility string) ([]domain.HomeEntry, error) {
	snaps, err := r.Store.Query(ctx, HomeDataCollection(homeID, visibility).Query().OrderBy("created_at", false))
	if err != nil {
		return nil, err
	}
	res := make([]domain.HomeEntry, 0, len(snaps))
	for _, s := range snaps {
		var e domain.HomeEntry
		if err := decode(s, nil, &e); err != nil {
			return nil, err
		}
		e.ID = s.Ref.ID
		res = append(res, e)
	}
	return res, nil
}
