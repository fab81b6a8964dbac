package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"gigline/internal/docstore"
	"gigline/internal/domain"
)

type Repo struct {
	Store *docstore.Store
}

var ErrNotFound = errors.New("not found")

var (
	gigs       = docstore.Collection("gigs")
	users      = docstore.Collection("users")
	homes      = docstore.Collection("homes")
	eventsColl = docstore.Collection("events")
)

func GigRef(id string) docstore.DocRef { return gigs.Doc(id) }

func GigLocationRef(gigID string) docstore.DocRef {
	return GigRef(gigID).Sub("private").Doc("location")
}

func AssignmentRef(gigID, userID string) docstore.DocRef {
	return GigRef(gigID).Sub("assignments").Doc(userID)
}

func HistoryCollection(gigID, userID string) docstore.CollectionRef {
	return AssignmentRef(gigID, userID).Sub("history")
}

func MessagesCollection(gigID string) docstore.CollectionRef {
	return GigRef(gigID).Sub("messages")
}

func PaymentsCollection(gigID string) docstore.CollectionRef {
	return GigRef(gigID).Sub("payments")
}

func UserRef(id string) docstore.DocRef { return users.Doc(id) }

func HomeRef(id string) docstore.DocRef { return homes.Doc(id) }

func HomeDataCollection(homeID, visibility string) docstore.CollectionRef {
	return HomeRef(homeID).Sub(visibility + "_data")
}

func GigsCollection() docstore.CollectionRef { return gigs }

func HomesCollection() docstore.CollectionRef { return homes }

func EventsCollection() docstore.CollectionRef { return eventsColl }

// decode converts a snapshot into a JSON-tagged domain value. Missing documents
// surface as ErrNotFound.
func decode(snap docstore.Snapshot, err error, out any) error {
	if errors.Is(err, docstore.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := snap.DataTo(out); err != nil {
		return fmt.Errorf("decode %s: %w", snap.Ref.Path(), err)
	}
	return nil
}

func decodeGig(snap docstore.Snapshot, err error) (domain.Gig, error) {
	var g domain.Gig
	if err := decode(snap, err, &g); err != nil {
		return domain.Gig{}, err
	}
	g.ID = snap.Ref.ID
	return g, nil
}

func (r Repo) GetGig(ctx context.Context, id string) (domain.Gig, error) {
	snap, err := r.Store.Get(ctx, GigRef(id))
	return decodeGig(snap, err)
}

func (r Repo) GetGigTx(tx *docstore.Tx, id string) (domain.Gig, error) {
	snap, err := tx.Get(GigRef(id))
	return decodeGig(snap, err)
}

// InsertGigTx buffers the gig document. CreatedAt is left to the store clock
// when empty.
func (r Repo) InsertGigTx(tx *docstore.Tx, g domain.Gig) error {
	data, err := docstore.ToData(g)
	if err != nil {
		return err
	}
	delete(data, "id")
	if g.CreatedAt == "" {
		data["created_at"] = docstore.ServerTimestamp
	}
	tx.Create(GigRef(g.ID), data)
	return nil
}

func (r Repo) InsertGigLocationTx(tx *docstore.Tx, loc domain.GigLocation) error {
	data, err := docstore.ToData(loc)
	if err != nil {
		return err
	}
	data["created_at"] = docstore.ServerTimestamp
	tx.Set(GigLocationRef(loc.GigID), data)
	return nil
}

func (r Repo) GetGigLocation(ctx context.Context, gigID string) (domain.GigLocation, error) {
	var loc domain.GigLocation
	snap, err := r.Store.Get(ctx, GigLocationRef(gigID))
	if err := decode(snap, err, &loc); err != nil {
		return domain.GigLocation{}, err
	}
	return loc, nil
}

type GigFilters struct {
	Status    string
	CreatedBy string
	SortField string
	SortDesc  bool
	Limit     int
	Offset    int
}

func (r Repo) ListGigs(ctx context.Context, f GigFilters) ([]domain.Gig, error) {
	q := gigs.Query()
	if f.Status != "" {
		q = q.Where("status", docstore.OpEq, f.Status)
	}
	if f.CreatedBy != "" {
		q = q.Where("created_by", docstore.OpEq, f.CreatedBy)
	}
	if f.SortField != "" {
		q = q.OrderBy(f.SortField, f.SortDesc)
	}
	q = q.WithLimit(f.Limit).WithOffset(f.Offset)
	snaps, err := r.Store.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	res := make([]domain.Gig, 0, len(snaps))
	for _, s := range snaps {
		g, err := decodeGig(s, nil)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, nil
}

// InsertAssignmentTx creates the assignment for userID together with its
// first history entry.
func (r Repo) InsertAssignmentTx(tx *docstore.Tx, gigID, userID, status, actorID string) {
	tx.Create(AssignmentRef(gigID, userID), docstore.Data{
		"gig_id":         gigID,
		"user_id":        userID,
		"current_status": status,
		"created_at":     docstore.ServerTimestamp,
		"updated_at":     docstore.ServerTimestamp,
	})
	tx.Create(HistoryCollection(gigID, userID).NewDoc(), docstore.Data{
		"status":    status,
		"timestamp": docstore.ServerTimestamp,
		"actor_id":  actorID,
	})
}

// AssignmentExistsTx reads the assignment document inside tx so that a
// concurrent creation conflicts with the caller's commit.
func (r Repo) AssignmentExistsTx(tx *docstore.Tx, gigID, userID string) (bool, error) {
	_, err := tx.Get(AssignmentRef(gigID, userID))
	if errors.Is(err, docstore.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// AppendHistoryTx moves an existing assignment to status and records the
// transition.
func (r Repo) AppendHistoryTx(tx *docstore.Tx, gigID, userID, status, actorID string) {
	tx.Update(AssignmentRef(gigID, userID),
		docstore.Update{Field: "current_status", Value: status},
		docstore.Update{Field: "updated_at", Value: docstore.ServerTimestamp},
	)
	tx.Create(HistoryCollection(gigID, userID).NewDoc(), docstore.Data{
		"status":    status,
		"timestamp": docstore.ServerTimestamp,
		"actor_id":  actorID,
	})
}

// sortAppendOnly orders documents that are written once by field, falling
// back to commit order when the field ties.
func sortAppendOnly(snaps []docstore.Snapshot, field string) {
	sort.SliceStable(snaps, func(i, j int) bool {
		a, _ := docstore.Lookup(snaps[i].Data, field)
		b, _ := docstore.Lookup(snaps[j].Data, field)
		if c := docstore.Compare(a, b); c != 0 {
			return c < 0
		}
		if snaps[i].Version != snaps[j].Version {
			return snaps[i].Version < snaps[j].Version
		}
		return snaps[i].Ref.ID < snaps[j].Ref.ID
	})
}

// GetAssignment returns the assignment with its history oldest first.
func (r Repo) GetAssignment(ctx context.Context, gigID, userID string) (domain.Assignment, error) {
	var a domain.Assignment
	snap, err := r.Store.Get(ctx, AssignmentRef(gigID, userID))
	if err := decode(snap, err, &a); err != nil {
		return domain.Assignment{}, err
	}
	snaps, err := r.Store.Query(ctx, HistoryCollection(gigID, userID).Query())
	if err != nil {
		return domain.Assignment{}, err
	}
	sortAppendOnly(snaps, "timestamp")
	a.History = make([]domain.StatusHistoryEntry, 0, len(snaps))
	for _, s := range snaps {
		var h domain.StatusHistoryEntry
		if err := decode(s, nil, &h); err != nil {
			return domain.Assignment{}, err
		}
		h.ID = s.Ref.ID
		a.History = append(a.History, h)
	}
	return a, nil
}

func (r Repo) ListAssignmentIDs(ctx context.Context, gigID string) ([]string, error) {
	snaps, err := r.Store.Query(ctx, GigRef(gigID).Sub("assignments").Query())
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(snaps))
	for _, s := range snaps {
		ids = append(ids, s.Ref.ID)
	}
	return ids, nil
}
