package repo_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"gigline/internal/docstore"
	"gigline/internal/domain"
	"gigline/internal/repo"
)

func newRepo() repo.Repo {
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return repo.Repo{Store: docstore.New(docstore.NewMemoryBackend(), docstore.WithClock(func() time.Time { return fixed }))}
}

func TestListMessagesKeepsInsertionOrderOnEqualTimestamps(t *testing.T) {
	r := newRepo()
	ctx := context.Background()
	ts := "2024-03-01T10:00:00.000000000Z"
	for _, id := range []string{"m3", "m2", "m1"} {
		if err := r.InsertMessage(ctx, domain.ChatMessage{ID: id, GigID: "g1", SenderID: "alice", Message: id, Timestamp: ts}); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	if err := r.InsertMessage(ctx, domain.ChatMessage{ID: "m0", GigID: "g1", SenderID: "bob", Message: "earlier", Timestamp: "2024-03-01T09:59:59.000000000Z"}); err != nil {
		t.Fatalf("insert m0: %v", err)
	}
	msgs, err := r.ListMessages(ctx, "g1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var got []string
	for _, m := range msgs {
		got = append(got, m.ID)
	}
	if want := "m0 m3 m2 m1"; strings.Join(got, " ") != want {
		t.Fatalf("got %s want %s", strings.Join(got, " "), want)
	}
}

func TestAssignmentHistoryKeepsCommitOrder(t *testing.T) {
	r := newRepo()
	ctx := context.Background()
	if err := r.Store.Set(ctx, repo.AssignmentRef("g1", "bob"), docstore.Data{
		"gig_id":         "g1",
		"user_id":        "bob",
		"current_status": "completed",
	}); err != nil {
		t.Fatalf("seed assignment: %v", err)
	}
	history := repo.HistoryCollection("g1", "bob")
	ts := "2024-03-01T10:00:00.000000000Z"
	for _, h := range []struct{ id, status string }{{"z", "accepted"}, {"y", "in_progress"}, {"x", "completed"}} {
		if err := r.Store.Create(ctx, history.Doc(h.id), docstore.Data{"status": h.status, "timestamp": ts, "actor_id": "bob"}); err != nil {
			t.Fatalf("history %s: %v", h.id, err)
		}
	}
	a, err := r.GetAssignment(ctx, "g1", "bob")
	if err != nil {
		t.Fatalf("get assignment: %v", err)
	}
	var got []string
	for _, h := range a.History {
		got = append(got, h.Status)
	}
	if want := "accepted in_progress completed"; strings.Join(got, " ") != want {
		t.Fatalf("got %s want %s", strings.Join(got, " "), want)
	}
}

func TestServerStampedHistoryIsDistinct(t *testing.T) {
	r := newRepo()
	ctx := context.Background()
	history := repo.HistoryCollection("g1", "bob")
	for _, status := range []string{"accepted", "in_progress", "completed"} {
		if _, err := r.Store.Add(ctx, history, docstore.Data{"status": status, "timestamp": docstore.ServerTimestamp}); err != nil {
			t.Fatalf("add %s: %v", status, err)
		}
	}
	snaps, err := r.Store.Query(ctx, history.Query().OrderBy("timestamp", false))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	seen := map[any]bool{}
	for _, s := range snaps {
		if seen[s.Data["timestamp"]] {
			t.Fatalf("repeated stamp %v under a fixed clock", s.Data["timestamp"])
		}
		seen[s.Data["timestamp"]] = true
	}
	if len(seen) != 3 || snaps[0].Data["status"] != "accepted" || snaps[2].Data["status"] != "completed" {
		t.Fatalf("unexpected history %+v", snaps)
	}
}
