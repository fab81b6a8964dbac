// Package docstoretest holds the behaviour every docstore backend must share.
package docstoretest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"gigline/internal/docstore"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the conformance suite. newBackend must return an empty backend.
func Run(t *testing.T, newBackend func(t *testing.T) docstore.Backend) {
	t.Helper()
	cases := []struct {
		name string
		fn   func(t *testing.T, b docstore.Backend)
	}{
		{"CreateGetUpdateDelete", testCRUD},
		{"CreateExisting", testCreateExisting},
		{"UpdateMissing", testUpdateMissing},
		{"FieldTransforms", testTransforms},
		{"QueryFilterOrderPage", testQuery},
		{"QueryArrayContains", testArrayContains},
		{"TransactionRetriesOnConflict", testTxRetry},
		{"TransactionAbsentReadConflict", testTxAbsentRead},
		{"TransactionRetryLimit", testTxRetryLimit},
		{"TransactionBodyErrorDiscardsWrites", testTxAbort},
		{"ConcurrentTransactions", testConcurrentTx},
		{"ServerTimestampsFollowCommitOrder", testStampOrder},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newBackend(t))
		})
	}
}

func newStore(b docstore.Backend, opts ...docstore.Option) *docstore.Store {
	base := []docstore.Option{
		docstore.WithClock(func() time.Time { return fixedNow }),
		docstore.WithBackoff(time.Millisecond),
	}
	return docstore.New(b, append(base, opts...)...)
}

func testCRUD(t *testing.T, b docstore.Backend) {
	ctx := context.Background()
	s := newStore(b)
	ref := docstore.Collection("gigs").Doc("g1")
	if err := s.Create(ctx, ref, docstore.Data{"title": "Mow", "price": 50}); err != nil {
		t.Fatalf("create: %v", err)
	}
	snap, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snap.Data["title"] != "Mow" || snap.Data["price"] != float64(50) {
		t.Fatalf("unexpected data %#v", snap.Data)
	}
	if snap.Version == 0 {
		t.Fatalf("expected non-zero version")
	}
	if err := s.Update(ctx, ref, docstore.Update{Field: "title", Value: "Mow lawn"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	snap2, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if snap2.Data["title"] != "Mow lawn" || snap2.Data["price"] != float64(50) {
		t.Fatalf("unexpected data after update %#v", snap2.Data)
	}
	if snap2.Version <= snap.Version {
		t.Fatalf("version did not advance: %d -> %d", snap.Version, snap2.Version)
	}
	sub := ref.Sub("messages").Doc("m1")
	if err := s.Set(ctx, sub, docstore.Data{"message": "hi"}); err != nil {
		t.Fatalf("set sub: %v", err)
	}
	if err := s.Delete(ctx, ref); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, ref); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if _, err := s.Get(ctx, sub); err != nil {
		t.Fatalf("subcollection doc should survive parent delete: %v", err)
	}
}

func testCreateExisting(t *testing.T, b docstore.Backend) {
	ctx := context.Background()
	s := newStore(b)
	ref := docstore.Collection("users").Doc("u1")
	if err := s.Create(ctx, ref, docstore.Data{"a": 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, ref, docstore.Data{"a": 2}); !errors.Is(err, docstore.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
}

func testUpdateMissing(t *testing.T, b docstore.Backend) {
	s := newStore(b)
	err := s.Update(context.Background(), docstore.Collection("users").Doc("nope"), docstore.Update{Field: "a", Value: 1})
	if !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func testTransforms(t *testing.T, b docstore.Backend) {
	ctx := context.Background()
	s := newStore(b)
	ref := docstore.Collection("homes").Doc("h1")
	err := s.Create(ctx, ref, docstore.Data{
		"occupants":  []string{"a"},
		"created_at": docstore.ServerTimestamp,
		"tmp":        true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	err = s.Update(ctx, ref,
		docstore.Update{Field: "occupants", Value: docstore.ArrayUnion("b", "a")},
		docstore.Update{Field: "tmp", Value: docstore.DeleteField},
		docstore.Update{Field: "location.lat", Value: 37.8},
	)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	snap, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := fmt.Sprint(snap.Data["occupants"]); got != "[a b]" {
		t.Fatalf("array union: got %s", got)
	}
	if _, ok := snap.Data["tmp"]; ok {
		t.Fatalf("expected tmp deleted")
	}
	if snap.Data["created_at"] != docstore.FormatTime(fixedNow) {
		t.Fatalf("server timestamp: got %v", snap.Data["created_at"])
	}
	if v, _ := docstore.Lookup(snap.Data, "location.lat"); v != 37.8 {
		t.Fatalf("nested field: got %v", v)
	}
	if err := s.Update(ctx, ref, docstore.Update{Field: "occupants", Value: docstore.ArrayRemove("a")}); err != nil {
		t.Fatalf("array remove: %v", err)
	}
	snap, _ = s.Get(ctx, ref)
	if got := fmt.Sprint(snap.Data["occupants"]); got != "[b]" {
		t.Fatalf("array remove: got %s", got)
	}
}

func seedGigs(t *testing.T, s *docstore.Store) {
	t.Helper()
	ctx := context.Background()
	coll := docstore.Collection("gigs")
	seed := []struct {
		id     string
		status string
		price  float64
		ts     string
	}{
		{"a", "open", 30, "2024-01-01T00:00:03.000000000Z"},
		{"b", "accepted", 10, "2024-01-01T00:00:01.000000000Z"},
		{"c", "open", 20, "2024-01-01T00:00:02.000000000Z"},
		{"d", "open", 20.5, "2024-01-01T00:00:04.000000000Z"},
	}
	for _, g := range seed {
		if err := s.Create(ctx, coll.Doc(g.id), docstore.Data{"status": g.status, "price": g.price, "created_at": g.ts}); err != nil {
			t.Fatalf("seed %s: %v", g.id, err)
		}
	}
}

func ids(snaps []docstore.Snapshot) string {
	out := ""
	for _, s := range snaps {
		out += s.Ref.ID
	}
	return out
}

func testQuery(t *testing.T, b docstore.Backend) {
	ctx := context.Background()
	s := newStore(b)
	seedGigs(t, s)
	coll := docstore.Collection("gigs")

	all, err := s.Query(ctx, coll.Query())
	if err != nil {
		t.Fatalf("query all: %v", err)
	}
	if got := ids(all); got != "abcd" {
		t.Fatalf("default order: got %s", got)
	}
	open, err := s.Query(ctx, coll.Query().Where("status", docstore.OpEq, "open").OrderBy("price", false))
	if err != nil {
		t.Fatalf("query open: %v", err)
	}
	if got := ids(open); got != "cda" {
		t.Fatalf("open by price: got %s", got)
	}
	page, err := s.Query(ctx, coll.Query().OrderBy("created_at", true).WithLimit(2).WithOffset(1))
	if err != nil {
		t.Fatalf("query page: %v", err)
	}
	if got := ids(page); got != "ac" {
		t.Fatalf("page: got %s", got)
	}
	cheap, err := s.Query(ctx, coll.Query().Where("price", docstore.OpGt, 15).Where("price", docstore.OpLte, 21))
	if err != nil {
		t.Fatalf("query range: %v", err)
	}
	if got := ids(cheap); got != "cd" {
		t.Fatalf("range: got %s", got)
	}
	notOpen, err := s.Query(ctx, coll.Query().Where("status", docstore.OpNe, "open"))
	if err != nil {
		t.Fatalf("query ne: %v", err)
	}
	if got := ids(notOpen); got != "b" {
		t.Fatalf("ne: got %s", got)
	}
	if _, err := s.Query(ctx, coll.Query().Where("status", docstore.Op("~"), "x")); err == nil {
		t.Fatalf("expected unsupported operator error")
	}
}

func testArrayContains(t *testing.T, b docstore.Backend) {
	ctx := context.Background()
	s := newStore(b)
	coll := docstore.Collection("homes")
	_ = s.Create(ctx, coll.Doc("h1"), docstore.Data{"occupants": []string{"u1", "u2"}})
	_ = s.Create(ctx, coll.Doc("h2"), docstore.Data{"occupants": []string{"u2"}})
	_ = s.Create(ctx, coll.Doc("h3"), docstore.Data{"occupants": []string{}})
	res, err := s.Query(ctx, coll.Query().Where("occupants", docstore.OpArrayContains, "u2"))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got := ids(res); got != "h1h2" {
		t.Fatalf("array-contains: got %s", got)
	}
}

func testTxRetry(t *testing.T, b docstore.Backend) {
	ctx := context.Background()
	s := newStore(b)
	ref := docstore.Collection("counters").Doc("c")
	if err := s.Create(ctx, ref, docstore.Data{"n": 0}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	attempts := 0
	err := s.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
		attempts++
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		if attempts == 1 {
			if err := s.Set(ctx, ref, docstore.Data{"n": 10}); err != nil {
				return err
			}
		}
		tx.Update(ref, docstore.Update{Field: "n", Value: snap.Data["n"].(float64) + 1})
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
	snap, _ := s.Get(ctx, ref)
	if snap.Data["n"] != float64(11) {
		t.Fatalf("expected n=11, got %v", snap.Data["n"])
	}
}

func testTxAbsentRead(t *testing.T, b docstore.Backend) {
	ctx := context.Background()
	s := newStore(b)
	ref := docstore.Collection("emails").Doc("x")
	attempts := 0
	err := s.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
		attempts++
		_, err := tx.Get(ref)
		if err == nil {
			return errors.New("taken")
		}
		if !errors.Is(err, docstore.ErrNotFound) {
			return err
		}
		if attempts == 1 {
			if err := s.Create(ctx, ref, docstore.Data{"owner": "other"}); err != nil {
				return err
			}
		}
		tx.Create(ref, docstore.Data{"owner": "me"})
		return nil
	})
	if err == nil || err.Error() != "taken" {
		t.Fatalf("expected second attempt to observe concurrent create, got %v", err)
	}
	snap, _ := s.Get(ctx, ref)
	if snap.Data["owner"] != "other" {
		t.Fatalf("unexpected owner %v", snap.Data["owner"])
	}
}

func testTxRetryLimit(t *testing.T, b docstore.Backend) {
	ctx := context.Background()
	s := newStore(b, docstore.WithMaxAttempts(3))
	ref := docstore.Collection("counters").Doc("c")
	_ = s.Create(ctx, ref, docstore.Data{"n": 0})
	attempts := 0
	err := s.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
		attempts++
		if _, err := tx.Get(ref); err != nil {
			return err
		}
		if err := s.Update(ctx, ref, docstore.Update{Field: "n", Value: attempts}); err != nil {
			return err
		}
		tx.Update(ref, docstore.Update{Field: "n", Value: -1})
		return nil
	})
	if !errors.Is(err, docstore.ErrTooManyAttempts) {
		t.Fatalf("expected retry limit error, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func testTxAbort(t *testing.T, b docstore.Backend) {
	ctx := context.Background()
	s := newStore(b)
	ref := docstore.Collection("gigs").Doc("g")
	_ = s.Create(ctx, ref, docstore.Data{"status": "open"})
	boom := errors.New("boom")
	attempts := 0
	err := s.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
		attempts++
		if _, err := tx.Get(ref); err != nil {
			return err
		}
		tx.Update(ref, docstore.Update{Field: "status", Value: "accepted"})
		tx.Create(ref.Sub("assignments").Doc("u"), docstore.Data{"status": "accepted"})
		return boom
	})
	if !errors.Is(err, boom) || attempts != 1 {
		t.Fatalf("expected single aborted attempt, got %v after %d", err, attempts)
	}
	snap, _ := s.Get(ctx, ref)
	if snap.Data["status"] != "open" {
		t.Fatalf("write leaked from aborted transaction")
	}
	if _, err := s.Get(ctx, ref.Sub("assignments").Doc("u")); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("assignment leaked from aborted transaction: %v", err)
	}
}

func testConcurrentTx(t *testing.T, b docstore.Backend) {
	ctx := context.Background()
	s := newStore(b, docstore.WithMaxAttempts(100))
	ref := docstore.Collection("counters").Doc("c")
	if err := s.Create(ctx, ref, docstore.Data{"n": 0}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
				snap, err := tx.Get(ref)
				if err != nil {
					return err
				}
				tx.Update(ref, docstore.Update{Field: "n", Value: snap.Data["n"].(float64) + 1})
				return nil
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("transaction: %v", err)
		}
	}
	snap, _ := s.Get(ctx, ref)
	if snap.Data["n"] != float64(workers) {
		t.Fatalf("lost update: n=%v", snap.Data["n"])
	}
}

// backwardsClock moves one second into the past on every reading.
type backwardsClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *backwardsClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(-time.Second)
	return c.now
}

func testStampOrder(t *testing.T, b docstore.Backend) {
	ctx := context.Background()
	clock := &backwardsClock{now: fixedNow}
	s := newStore(b, docstore.WithClock(clock.Now), docstore.WithMaxAttempts(100))
	coll := docstore.Collection("events")
	if err := s.Create(ctx, coll.Doc("first"), docstore.Data{"ts": docstore.ServerTimestamp}); err != nil {
		t.Fatalf("create: %v", err)
	}
	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
				tx.Create(coll.Doc(fmt.Sprintf("w%d", i)), docstore.Data{"ts": docstore.ServerTimestamp})
				return nil
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	byStamp, err := s.Query(ctx, coll.Query().OrderBy("ts", false))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(byStamp) != workers+1 {
		t.Fatalf("expected %d events, got %d", workers+1, len(byStamp))
	}
	for i := 1; i < len(byStamp); i++ {
		prev, cur := byStamp[i-1], byStamp[i]
		if prev.Data["ts"] == cur.Data["ts"] {
			t.Fatalf("duplicate stamp %v for %s and %s", cur.Data["ts"], prev.Ref.ID, cur.Ref.ID)
		}
		if prev.Version >= cur.Version {
			t.Fatalf("stamp order disagrees with commit order: %s@%d before %s@%d", prev.Ref.ID, prev.Version, cur.Ref.ID, cur.Version)
		}
	}
}
