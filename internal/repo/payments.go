package repo

import (
	"context"

	"gigline/internal/docstore"
	"gigline/internal/domain"
)

// UpsertPaymentTx stores p keyed by its processor intent id.
func (r Repo) UpsertPaymentTx(tx *docstore.Tx, p domain.Payment) error {
	data, err := docstore.ToData(p)
	if err != nil {
		return err
	}
	delete(data, "id")
	data["created_at"] = docstore.ServerTimestamp
	tx.Set(PaymentsCollection(p.GigID).Doc(p.ID), data)
	return nil
}

func (r Repo) GetPayment(ctx context.Context, gigID, id string) (domain.Payment, error) {
	var p domain.Payment
	snap, err := r.Store.Get(ctx, PaymentsCollection(gigID).Doc(id))
	if err := decode(snap, err, &p); err != nil {
		return domain.Payment{}, err
	}
	p.ID = id
	return p, nil
}

func (r Repo) ListPayments(ctx context.Context, gigID string) ([]domain.Payment, error) {
	snaps, err := r.Store.Query(ctx, PaymentsCollection(gigID).Query().OrderBy("created_at", false))
	if err != nil {
		return nil, err
	}
	res := make([]domain.Payment, 0, len(snaps))
	for _, s := range snaps {
		var p domain.Payment
		if err := decode(s, nil, &p); err != nil {
			return nil, err
		}
		p.ID = s.Ref.ID
		res = append(res, p)
	}
	return res, nil
}
