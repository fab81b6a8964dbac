package engine_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"gigline/internal/apperr"
	"gigline/internal/config"
	"gigline/internal/db"
	"gigline/internal/docstore"
	"gigline/internal/docstore/sqlitestore"
	"gigline/internal/domain"
	"gigline/internal/engine"
	"gigline/internal/identity"
	"gigline/internal/migrate"
	"gigline/internal/otp"
	"gigline/internal/payments"
	"gigline/internal/repo"
)

type testEnv struct {
	Engine  engine.Engine
	Ctx     context.Context
	Sender  *recordingSender
	Gateway *fakeGateway
	Backend *countingBackend
}

// tickingClock advances one millisecond per reading so that server
// timestamps are distinct and ordered.
type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type countingBackend struct {
	docstore.Backend
	mu       sync.Mutex
	reads    int
	failNext error
}

func (b *countingBackend) Get(ctx context.Context, ref docstore.DocRef) (docstore.Snapshot, error) {
	b.mu.Lock()
	b.reads++
	b.mu.Unlock()
	return b.Backend.Get(ctx, ref)
}

func (b *countingBackend) Query(ctx context.Context, q docstore.Query) ([]docstore.Snapshot, error) {
	b.mu.Lock()
	b.reads++
	b.mu.Unlock()
	return b.Backend.Query(ctx, q)
}

func (b *countingBackend) Commit(ctx context.Context, reads []docstore.ReadVersion, writes []docstore.Write, clock func() time.Time) error {
	b.mu.Lock()
	err := b.failNext
	b.failNext = nil
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return b.Backend.Commit(ctx, reads, writes, clock)
}

func (b *countingBackend) Reads() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reads
}

type recordingSender struct {
	mu    sync.Mutex
	codes map[string]string
}

func (r *recordingSender) Send(_ context.Context, phone, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.codes == nil {
		r.codes = map[string]string{}
	}
	r.codes[phone] = code
	return nil
}

func (r *recordingSender) Code(phone string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.codes[phone]
}

type fakeGateway struct {
	mu       sync.Mutex
	requests []payments.IntentRequest
}

func (g *fakeGateway) CreateIntent(_ context.Context, req payments.IntentRequest) (payments.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	return payments.Intent{
		ID:           "pi_" + req.IdempotencyKey,
		ClientSecret: "pi_secret",
		Status:       "requires_payment_method",
		Amount:       req.AmountMinor,
		Currency:     req.Currency,
	}, nil
}

func (g *fakeGateway) GetIntent(_ context.Context, id string) (payments.Intent, error) {
	return payments.Intent{ID: id, Status: "succeeded"}, nil
}

var fastParams = identity.Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

func newEnvWithBackend(t *testing.T, backend docstore.Backend) testEnv {
	t.Helper()
	clock := &tickingClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	counting := &countingBackend{Backend: backend}
	store := docstore.New(counting,
		docstore.WithClock(clock.Now),
		docstore.WithBackoff(time.Millisecond),
		docstore.WithMaxAttempts(50),
	)
	cfg := config.Default()
	eng := engine.New(store, cfg)
	eng.Now = clock.Now
	eng.Identity = identity.NewLocal(store, identity.NewHasher(fastParams), identity.NewTokens("test-secret", "gigline", time.Hour))
	sender := &recordingSender{}
	eng.OTP = otp.New(store, sender, cfg.OTP)
	gateway := &fakeGateway{}
	eng.Payments = gateway
	return testEnv{Engine: eng, Ctx: context.Background(), Sender: sender, Gateway: gateway, Backend: counting}
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	return newEnvWithBackend(t, docstore.NewMemoryBackend())
}

func newSQLiteEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return newEnvWithBackend(t, sqlitestore.New(conn))
}

func (env testEnv) createGig(t *testing.T, creator, title string, price float64) domain.Gig {
	t.Helper()
	g, err := env.Engine.CreateGig(env.Ctx, engine.GigCreateOptions{
		Title:       title,
		Description: "Needs doing this weekend",
		Price:       price,
		CreatorID:   creator,
	})
	if err != nil {
		t.Fatalf("create gig: %v", err)
	}
	return g
}

func TestCreateGigStoresOpenGig(t *testing.T) {
	env := newTestEnv(t)
	g := env.createGig(t, "alice", "Mow the lawn please", 50)
	if g.ID == "" || g.Status != domain.GigOpen || g.CreatedBy != "alice" {
		t.Fatalf("unexpected gig %+v", g)
	}
	if g.CreatedAt == "" || g.AcceptedBy != "" || g.AcceptedAt != "" {
		t.Fatalf("unexpected timestamps %+v", g)
	}
	got, err := env.Engine.GetGig(env.Ctx, g.ID)
	if err != nil {
		t.Fatalf("get gig: %v", err)
	}
	if !reflect.DeepEqual(got, g) {
		t.Fatalf("get returned %+v, want %+v", got, g)
	}
	if _, err := env.Engine.GetGig(env.Ctx, "missing"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateGigBlursLocation(t *testing.T) {
	env := newTestEnv(t)
	exact := domain.Location{Lat: 37.7749, Lng: -122.4194}
	g, err := env.Engine.CreateGig(env.Ctx, engine.GigCreateOptions{
		Title:       "Fix the fence",
		Description: "Two panels are loose",
		Price:       80,
		Location:    &exact,
		CreatorID:   "alice",
	})
	if err != nil {
		t.Fatalf("create gig: %v", err)
	}
	if g.ApproximateLocation == nil || *g.ApproximateLocation != (domain.Location{Lat: 37.8, Lng: -122.4}) {
		t.Fatalf("unexpected approximate location %+v", g.ApproximateLocation)
	}
	loc, err := env.Engine.GetGigLocation(env.Ctx, g.ID, "alice")
	if err != nil {
		t.Fatalf("get location: %v", err)
	}
	if loc.Exact != exact {
		t.Fatalf("exact location changed: %+v", loc.Exact)
	}
	if _, err := env.Engine.GetGigLocation(env.Ctx, g.ID, "mallory"); !apperr.Is(err, apperr.KindAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestCreateGigValidation(t *testing.T) {
	env := newTestEnv(t)
	base := engine.GigCreateOptions{Title: "Walk the dog", Description: "Thirty minutes around the park", Price: 15, CreatorID: "alice"}
	cases := []struct {
		name  string
		mod   func(*engine.GigCreateOptions)
		kind  apperr.Kind
		field string
	}{
		{"short title", func(o *engine.GigCreateOptions) { o.Title = "Walk" }, apperr.KindValidation, "title"},
		{"short description", func(o *engine.GigCreateOptions) { o.Description = "quick" }, apperr.KindValidation, "description"},
		{"zero price", func(o *engine.GigCreateOptions) { o.Price = 0 }, apperr.KindValidation, "price"},
		{"bad deadline", func(o *engine.GigCreateOptions) { o.Deadline = "tomorrow" }, apperr.KindValidation, "deadline"},
		{"bad attachment", func(o *engine.GigCreateOptions) { o.Attachments = []string{"not a uri"} }, apperr.KindValidation, "attachments"},
		{"bad location", func(o *engine.GigCreateOptions) { o.Location = &domain.Location{Lat: 91} }, apperr.KindValidation, "location"},
		{"no caller", func(o *engine.GigCreateOptions) { o.CreatorID = "" }, apperr.KindAuthentication, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := base
			tc.mod(&opts)
			_, err := env.Engine.CreateGig(env.Ctx, opts)
			if !apperr.Is(err, tc.kind) {
				t.Fatalf("expected %s, got %v", tc.kind, err)
			}
			var ae *apperr.Error
			if tc.field != "" && (!errors.As(err, &ae) || ae.Details["field"] != tc.field) {
				t.Fatalf("expected field %s, got %v", tc.field, err)
			}
		})
	}
	gigs, err := env.Engine.ListGigs(env.Ctx, engine.GigListOptions{})
	if err != nil || len(gigs) != 0 {
		t.Fatalf("rejected gigs must not be stored: %d %v", len(gigs), err)
	}
}

func assertSingleAcceptor(t *testing.T, env testEnv) {
	t.Helper()
	g := env.createGig(t, "creator", "Paint the garage", 120)
	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.AcceptGig(env.Ctx, g.ID, fmt.Sprintf("worker-%d", i))
		}(i)
	}
	wg.Wait()
	winner := ""
	for i, err := range errs {
		switch {
		case err == nil:
			if winner != "" {
				t.Fatalf("two acceptors: %s and worker-%d", winner, i)
			}
			winner = fmt.Sprintf("worker-%d", i)
		case apperr.CodeOf(err) != "gig_not_open":
			t.Fatalf("worker-%d: expected gig_not_open, got %v", i, err)
		}
	}
	if winner == "" {
		t.Fatalf("no acceptor succeeded")
	}
	final, err := env.Engine.GetGig(env.Ctx, g.ID)
	if err != nil {
		t.Fatalf("get gig: %v", err)
	}
	if final.Status != domain.GigAccepted || final.AcceptedBy != winner || final.AcceptedAt == "" {
		t.Fatalf("unexpected final gig %+v (winner %s)", final, winner)
	}
	ids, err := env.Engine.Repo.ListAssignmentIDs(env.Ctx, g.ID)
	if err != nil {
		t.Fatalf("list assignments: %v", err)
	}
	if len(ids) != 1 || ids[0] != winner {
		t.Fatalf("expected one assignment for %s, got %v", winner, ids)
	}
	a, err := env.Engine.GetAssignment(env.Ctx, g.ID, winner, "creator")
	if err != nil {
		t.Fatalf("get assignment: %v", err)
	}
	if a.CurrentStatus != domain.GigAccepted || len(a.History) != 1 || a.History[0].Status != domain.GigAccepted || a.History[0].ActorID != winner {
		t.Fatalf("unexpected assignment %+v", a)
	}
}

func TestAcceptGigSingleAcceptor(t *testing.T) {
	assertSingleAcceptor(t, newTestEnv(t))
}

func TestAcceptGigSingleAcceptorSQLite(t *testing.T) {
	assertSingleAcceptor(t, newSQLiteEnv(t))
}

func TestAcceptOwnGigRejected(t *testing.T) {
	env := newTestEnv(t)
	g := env.createGig(t, "alice", "Clean the gutters", 60)
	if _, err := env.Engine.AcceptGig(env.Ctx, g.ID, "alice"); apperr.CodeOf(err) != "cannot_accept_own_gig" {
		t.Fatalf("expected cannot_accept_own_gig, got %v", err)
	}
	if _, err := env.Engine.UpdateGigStatus(env.Ctx, g.ID, domain.GigCompleted, "alice"); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if _, err := env.Engine.AcceptGig(env.Ctx, g.ID, "alice"); apperr.CodeOf(err) != "cannot_accept_own_gig" {
		t.Fatalf("expected cannot_accept_own_gig on closed gig, got %v", err)
	}
	if _, err := env.Engine.AcceptGig(env.Ctx, "missing", "bob"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.Engine.AcceptGig(env.Ctx, g.ID, ""); !apperr.Is(err, apperr.KindAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
}

func TestFailedAcceptLeavesNoPartialWrites(t *testing.T) {
	env := newTestEnv(t)
	g := env.createGig(t, "alice", "Assemble a bookshelf", 40)

	env.Backend.mu.Lock()
	env.Backend.failNext = errors.New("disk full")
	env.Backend.mu.Unlock()
	_, err := env.Engine.AcceptGig(env.Ctx, g.ID, "bob")
	if !apperr.Is(err, apperr.KindDependency) {
		t.Fatalf("expected dependency error, got %v", err)
	}
	after, err := env.Engine.GetGig(env.Ctx, g.ID)
	if err != nil {
		t.Fatalf("get gig: %v", err)
	}
	if !reflect.DeepEqual(after, g) {
		t.Fatalf("gig changed after failed commit: %+v", after)
	}
	if ids, _ := env.Engine.Repo.ListAssignmentIDs(env.Ctx, g.ID); len(ids) != 0 {
		t.Fatalf("assignment written by failed commit: %v", ids)
	}

	if _, err := env.Engine.AcceptGig(env.Ctx, g.ID, "bob"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	accepted, _ := env.Engine.GetGig(env.Ctx, g.ID)
	if _, err := env.Engine.AcceptGig(env.Ctx, g.ID, "carol"); apperr.CodeOf(err) != "gig_not_open" {
		t.Fatalf("expected gig_not_open, got %v", err)
	}
	again, _ := env.Engine.GetGig(env.Ctx, g.ID)
	if !reflect.DeepEqual(again, accepted) {
		t.Fatalf("gig changed after rejected accept: %+v", again)
	}
	if _, err := env.Engine.Repo.GetAssignment(env.Ctx, g.ID, "carol"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected no assignment for carol, got %v", err)
	}
	a, err := env.Engine.Repo.GetAssignment(env.Ctx, g.ID, "bob")
	if err != nil || len(a.History) != 1 {
		t.Fatalf("expected bob's single history entry, got %+v %v", a, err)
	}
}

func TestUpdateGigStatus(t *testing.T) {
	env := newTestEnv(t)
	g := env.createGig(t, "alice", "Move a sofa upstairs", 70)
	if _, err := env.Engine.AcceptGig(env.Ctx, g.ID, "bob"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := env.Engine.UpdateGigStatus(env.Ctx, g.ID, "finished", "alice"); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := env.Engine.UpdateGigStatus(env.Ctx, "missing", domain.GigCompleted, "alice"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.Engine.UpdateGigStatus(env.Ctx, g.ID, domain.GigCompleted, "bob"); !apperr.Is(err, apperr.KindAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	for _, status := range []string{domain.GigCompleted, domain.GigOpen, domain.GigCancelled} {
		updated, err := env.Engine.UpdateGigStatus(env.Ctx, g.ID, status, "alice")
		if err != nil {
			t.Fatalf("update to %s: %v", status, err)
		}
		if updated.Status != status {
			t.Fatalf("expected %s, got %s", status, updated.Status)
		}
	}
	a, err := env.Engine.GetAssignment(env.Ctx, g.ID, "bob", "bob")
	if err != nil {
		t.Fatalf("get assignment: %v", err)
	}
	if len(a.History) != 1 || a.CurrentStatus != domain.GigAccepted {
		t.Fatalf("status updates must not touch history: %+v", a)
	}
	if _, err := env.Engine.GetAssignment(env.Ctx, g.ID, "bob", "mallory"); !apperr.Is(err, apperr.KindAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestReacceptAfterReopenAppendsHistory(t *testing.T) {
	env := newTestEnv(t)
	g := env.createGig(t, "alice", "Water the plants", 10)
	if _, err := env.Engine.AcceptGig(env.Ctx, g.ID, "bob"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	first, err := env.Engine.GetAssignment(env.Ctx, g.ID, "bob", "bob")
	if err != nil {
		t.Fatalf("get assignment: %v", err)
	}
	if _, err := env.Engine.UpdateGigStatus(env.Ctx, g.ID, domain.GigOpen, "alice"); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := env.Engine.AcceptGig(env.Ctx, g.ID, "bob"); err != nil {
		t.Fatalf("accept again: %v", err)
	}
	a, err := env.Engine.GetAssignment(env.Ctx, g.ID, "bob", "bob")
	if err != nil {
		t.Fatalf("get assignment: %v", err)
	}
	if len(a.History) != 2 || a.History[0] != first.History[0] {
		t.Fatalf("history must grow without rewriting: %+v", a.History)
	}
	if a.CreatedAt != first.CreatedAt {
		t.Fatalf("assignment was recreated: %s != %s", a.CreatedAt, first.CreatedAt)
	}
}

func TestListGigs(t *testing.T) {
	env := newTestEnv(t)
	a := env.createGig(t, "alice", "Gig priced thirty", 30)
	env.createGig(t, "alice", "Gig priced ten", 10)
	env.createGig(t, "bob", "Gig priced twenty", 20)
	if _, err := env.Engine.AcceptGig(env.Ctx, a.ID, "carol"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	byPrice, err := env.Engine.ListGigs(env.Ctx, engine.GigListOptions{Sort: "price:asc"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var prices []float64
	for _, g := range byPrice {
		prices = append(prices, g.Price)
	}
	if !reflect.DeepEqual(prices, []float64{10, 20, 30}) {
		t.Fatalf("unexpected order %v", prices)
	}

	newest, err := env.Engine.ListGigs(env.Ctx, engine.GigListOptions{Limit: 1})
	if err != nil || len(newest) != 1 || newest[0].Price != 20 {
		t.Fatalf("expected newest gig first, got %+v %v", newest, err)
	}

	accepted, err := env.Engine.ListGigs(env.Ctx, engine.GigListOptions{Status: domain.GigAccepted})
	if err != nil || len(accepted) != 1 || accepted[0].ID != a.ID {
		t.Fatalf("unexpected status filter result %+v %v", accepted, err)
	}

	page, err := env.Engine.ListGigs(env.Ctx, engine.GigListOptions{Sort: "price:desc", Limit: 1, Offset: 1})
	if err != nil || len(page) != 1 || page[0].Price != 20 {
		t.Fatalf("unexpected page %+v %v", page, err)
	}

	for _, opts := range []engine.GigListOptions{
		{Status: "pending"},
		{Sort: "secret:asc"},
		{Sort: "price:sideways"},
		{Limit: -1},
		{Offset: -2},
	} {
		if _, err := env.Engine.ListGigs(env.Ctx, opts); !apperr.Is(err, apperr.KindValidation) {
			t.Fatalf("%+v: expected validation error, got %v", opts, err)
		}
	}
}

func TestListGigsByUserIsSelfOnly(t *testing.T) {
	env := newTestEnv(t)
	env.createGig(t, "alice", "Alice first gig", 10)
	env.createGig(t, "alice", "Alice second gig", 20)
	env.createGig(t, "bob", "Bob only gig", 30)

	before := env.Backend.Reads()
	if _, err := env.Engine.ListGigsByUser(env.Ctx, "bob", "alice"); !apperr.Is(err, apperr.KindAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if _, err := env.Engine.ListGigsByUser(env.Ctx, "", "alice"); !apperr.Is(err, apperr.KindAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if after := env.Backend.Reads(); after != before {
		t.Fatalf("rejected listing touched the store: %d reads", after-before)
	}

	gigs, err := env.Engine.ListGigsByUser(env.Ctx, "alice", "alice")
	if err != nil {
		t.Fatalf("list by user: %v", err)
	}
	if len(gigs) != 2 {
		t.Fatalf("expected 2 gigs, got %d", len(gigs))
	}
	for _, g := range gigs {
		if g.CreatedBy != "alice" {
			t.Fatalf("foreign gig in listing: %+v", g)
		}
	}
}

func TestGigLifecycleScenario(t *testing.T) {
	env := newTestEnv(t)
	g := env.createGig(t, "creator", "Mow the lawn please", 50)
	if g.Status != domain.GigOpen {
		t.Fatalf("expected open, got %s", g.Status)
	}
	accepted, err := env.Engine.AcceptGig(env.Ctx, g.ID, "userB")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != domain.GigAccepted || accepted.AcceptedBy != "userB" {
		t.Fatalf("unexpected accepted gig %+v", accepted)
	}
	if _, err := env.Engine.AcceptGig(env.Ctx, g.ID, "userC"); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	done, err := env.Engine.UpdateGigStatus(env.Ctx, g.ID, domain.GigCompleted, "creator")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.GigCompleted || done.AcceptedBy != "userB" {
		t.Fatalf("unexpected completed gig %+v", done)
	}

	evts, _, err := env.Engine.EventsAfter(env.Ctx, "", 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
	}
	want := []string{"gig.created", "gig.accepted", "gig.status_updated"}
	if !reflect.DeepEqual(types, want) {
		t.Fatalf("unexpected events %v", types)
	}
}
