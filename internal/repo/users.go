package repo

import (
	"context"

	"gigline/internal/docstore"
	"gigline/internal/domain"
)

func decodeUser(snap docstore.Snapshot, err error) (domain.User, error) {
	var u domain.User
	if err := decode(snap, err, &u); err != nil {
		return domain.User{}, err
	}
	u.ID = snap.Ref.ID
	return u, nil
}

func (r Repo) InsertUserTx(tx *docstore.Tx, u domain.User) error {
	data, err := docstore.ToData(u)
	if err != nil {
		return err
	}
	delete(data, "id")
	data["created_at"] = docstore.ServerTimestamp
	data["updated_at"] = docstore.ServerTimestamp
	tx.Create(UserRef(u.ID), data)
	return nil
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	snap, err := r.Store.Get(ctx, UserRef(id))
	return decodeUser(snap, err)
}

func (r Repo) GetUserTx(tx *docstore.Tx, id string) (domain.User, error) {
	snap, err := tx.Get(UserRef(id))
	return decodeUser(snap, err)
}

// UpdateUserTx applies field updates and bumps updated_at.
func (r Repo) UpdateUserTx(tx *docstore.Tx, id string, updates ...docstore.Update) {
	updates = append(updates, docstore.Update{Field: "updated_at", Value: docstore.ServerTimestamp})
	tx.Update(UserRef(id), updates...)
}

func (r Repo) ListUsers(ctx context.Context, limit, offset int) ([]domain.User, error) {
	snaps, err := r.Store.Query(ctx, users.Query().OrderBy("created_at", false).WithLimit(limit).WithOffset(offset))
	if err != nil {
		return nil, err
	}
	res := make([]domain.User, 0, len(snaps))
	for _, s := range snaps {
		u, err := decodeUser(s, nil)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, nil
}
