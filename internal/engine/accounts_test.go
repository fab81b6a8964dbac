package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"gigline/internal/apperr"
	"gigline/internal/docstore"
	"gigline/internal/domain"
	"gigline/internal/engine"
)

func (env testEnv) register(t *testing.T, email, username string) engine.Session {
	t.Helper()
	s, err := env.Engine.Register(env.Ctx, engine.RegisterOptions{
		Email:     email,
		Password:  "correct horse battery",
		Username:  username,
		FirstName: "Test",
		LastName:  "User",
	})
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	return s
}

func TestRegisterAndLogin(t *testing.T) {
	env := newTestEnv(t)
	s := env.register(t, "Alice@Example.com", "alice")
	if s.Token == "" || s.User.ID == "" || s.User.Email != "alice@example.com" {
		t.Fatalf("unexpected session %+v", s)
	}
	if s.User.Role != domain.RoleUser || s.User.Verified {
		t.Fatalf("unexpected new user %+v", s.User)
	}
	if sub, err := env.Engine.Identity.VerifyToken(env.Ctx, s.Token); err != nil || sub != s.User.ID {
		t.Fatalf("token does not verify: %s %v", sub, err)
	}

	_, err := env.Engine.Register(env.Ctx, engine.RegisterOptions{
		Email: "alice@example.com", Password: "another password", Username: "alice2", FirstName: "A", LastName: "B",
	})
	if apperr.CodeOf(err) != "email_taken" {
		t.Fatalf("expected email_taken, got %v", err)
	}
	_, err = env.Engine.Register(env.Ctx, engine.RegisterOptions{
		Email: "bob@example.com", Password: "long enough", Username: "b", FirstName: "B", LastName: "B",
	})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error for username, got %v", err)
	}

	login, err := env.Engine.Login(env.Ctx, "alice@example.com", "correct horse battery")
	if err != nil || login.User.ID != s.User.ID {
		t.Fatalf("login: %+v %v", login, err)
	}
	if _, err := env.Engine.Login(env.Ctx, "alice@example.com", "wrong"); !apperr.Is(err, apperr.KindAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
}

func TestUserProfiles(t *testing.T) {
	env := newTestEnv(t)
	alice := env.register(t, "alice@example.com", "alice").User
	bob := env.register(t, "bob@example.com", "bob").User

	seen, err := env.Engine.GetUser(env.Ctx, alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if seen.Email != "" || seen.Username != "alice" {
		t.Fatalf("contact details leaked: %+v", seen)
	}
	self, err := env.Engine.GetUser(env.Ctx, alice.ID, alice.ID)
	if err != nil || self.Email != "alice@example.com" {
		t.Fatalf("self view: %+v %v", self, err)
	}

	name := "Alicia"
	if _, err := env.Engine.UpdateUser(env.Ctx, alice.ID, bob.ID, engine.UserUpdateOptions{FirstName: &name}); !apperr.Is(err, apperr.KindAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	updated, err := env.Engine.UpdateUser(env.Ctx, alice.ID, alice.ID, engine.UserUpdateOptions{
		FirstName: &name,
		Address:   &domain.Address{Street: "1 Main St", City: "Springfield"},
	})
	if err != nil {
		t.Fatalf("update user: %v", err)
	}
	if updated.FirstName != "Alicia" || updated.Address == nil || updated.Address.City != "Springfield" {
		t.Fatalf("unexpected update %+v", updated)
	}
	bad := "1990-13-45"
	if _, err := env.Engine.UpdateUser(env.Ctx, alice.ID, alice.ID, engine.UserUpdateOptions{DateOfBirth: &bad}); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPhoneVerification(t *testing.T) {
	env := newTestEnv(t)
	alice := env.register(t, "alice@example.com", "alice").User
	if _, err := env.Engine.StartPhoneVerification(env.Ctx, alice.ID, "555-1234"); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	ttl, err := env.Engine.StartPhoneVerification(env.Ctx, alice.ID, "+15551234567")
	if err != nil || ttl <= 0 {
		t.Fatalf("start: %v %v", ttl, err)
	}
	if _, err := env.Engine.ConfirmPhone(env.Ctx, alice.ID, "000000x"); apperr.CodeOf(err) != "invalid_code" {
		t.Fatalf("expected invalid_code, got %v", err)
	}
	u, err := env.Engine.ConfirmPhone(env.Ctx, alice.ID, env.Sender.Code("+15551234567"))
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !u.Verified || u.Phone != "+15551234567" {
		t.Fatalf("unexpected user %+v", u)
	}
}

func TestHomeMembership(t *testing.T) {
	env := newTestEnv(t)
	owner := env.register(t, "owner@example.com", "owner").User
	guest := env.register(t, "guest@example.com", "guest").User
	stranger := env.register(t, "stranger@example.com", "stranger").User

	if _, err := env.Engine.CreateHome(env.Ctx, engine.HomeCreateOptions{OwnerID: owner.ID}); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	home, err := env.Engine.CreateHome(env.Ctx, engine.HomeCreateOptions{
		Name:    "Flat 3",
		Address: domain.Address{Street: "3 High St", City: "Leeds"},
		OwnerID: owner.ID,
	})
	if err != nil {
		t.Fatalf("create home: %v", err)
	}
	if len(home.Occupants) != 1 || home.Occupants[0] != owner.ID {
		t.Fatalf("unexpected occupants %v", home.Occupants)
	}
	if _, err := env.Engine.GetHome(env.Ctx, home.ID, guest.ID); !apperr.Is(err, apperr.KindAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if _, err := env.Engine.AddOccupant(env.Ctx, home.ID, guest.ID, stranger.ID); !apperr.Is(err, apperr.KindAuthorization) {
		t.Fatalf("expected owner-only, got %v", err)
	}
	if _, err := env.Engine.AddOccupant(env.Ctx, home.ID, "ghost", owner.ID); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected unknown user, got %v", err)
	}
	home, err = env.Engine.AddOccupant(env.Ctx, home.ID, guest.ID, owner.ID)
	if err != nil {
		t.Fatalf("add occupant: %v", err)
	}
	if !home.IsOccupant(guest.ID) {
		t.Fatalf("guest not added: %v", home.Occupants)
	}
	if u, _ := env.Engine.GetUser(env.Ctx, guest.ID, guest.ID); u.CurrentHome != home.ID {
		t.Fatalf("current home not set: %+v", u)
	}
	homes, err := env.Engine.ListHomes(env.Ctx, guest.ID)
	if err != nil || len(homes) != 1 {
		t.Fatalf("list homes: %v %v", homes, err)
	}

	if _, err := env.Engine.AddHomeEntry(env.Ctx, engine.HomeEntryOptions{
		HomeID: home.ID, Visibility: domain.HomeDataPrivate, Type: "wifi", Payload: map[string]any{"ssid": "flat3"}, CallerID: guest.ID,
	}); err != nil {
		t.Fatalf("add private entry: %v", err)
	}
	if _, err := env.Engine.AddHomeEntry(env.Ctx, engine.HomeEntryOptions{
		HomeID: home.ID, Visibility: domain.HomeDataPublic, Type: "notice", CallerID: stranger.ID,
	}); !apperr.Is(err, apperr.KindAuthorization) {
		t.Fatalf("expected stranger write to fail, got %v", err)
	}
	if _, err := env.Engine.AddHomeEntry(env.Ctx, engine.HomeEntryOptions{
		HomeID: home.ID, Visibility: "secret", Type: "x", CallerID: owner.ID,
	}); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected visibility validation, got %v", err)
	}
	if _, err := env.Engine.ListHomeEntries(env.Ctx, home.ID, domain.HomeDataPrivate, stranger.ID); !apperr.Is(err, apperr.KindAuthorization) {
		t.Fatalf("expected private data to be hidden, got %v", err)
	}
	public, err := env.Engine.ListHomeEntries(env.Ctx, home.ID, domain.HomeDataPublic, stranger.ID)
	if err != nil || len(public) != 0 {
		t.Fatalf("public listing: %v %v", public, err)
	}
	private, err := env.Engine.ListHomeEntries(env.Ctx, home.ID, domain.HomeDataPrivate, owner.ID)
	if err != nil || len(private) != 1 || private[0].Payload["ssid"] != "flat3" || private[0].CreatedBy != guest.ID {
		t.Fatalf("private listing: %+v %v", private, err)
	}

	if _, err := env.Engine.RemoveOccupant(env.Ctx, home.ID, owner.ID, owner.ID); apperr.CodeOf(err) != "cannot_remove_owner" {
		t.Fatalf("expected cannot_remove_owner, got %v", err)
	}
	home, err = env.Engine.RemoveOccupant(env.Ctx, home.ID, guest.ID, owner.ID)
	if err != nil {
		t.Fatalf("remove occupant: %v", err)
	}
	if home.IsOccupant(guest.ID) {
		t.Fatalf("guest still listed: %v", home.Occupants)
	}
	if u, _ := env.Engine.GetUser(env.Ctx, guest.ID, guest.ID); u.CurrentHome != "" {
		t.Fatalf("current home not cleared: %+v", u)
	}
}

func TestCreateGigPayment(t *testing.T) {
	env := newTestEnv(t)
	g := env.createGig(t, "alice", "Deliver groceries", 42.5)
	if _, err := env.Engine.CreateGigPayment(env.Ctx, g.ID, "", "alice"); apperr.CodeOf(err) != "gig_not_payable" {
		t.Fatalf("expected gig_not_payable, got %v", err)
	}
	if _, err := env.Engine.AcceptGig(env.Ctx, g.ID, "bob"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := env.Engine.CreateGigPayment(env.Ctx, g.ID, "", "bob"); !apperr.Is(err, apperr.KindAuthorization) {
		t.Fatalf("expected creator-only, got %v", err)
	}
	if _, err := env.Engine.CreateGigPayment(env.Ctx, g.ID, "dollars", "alice"); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected currency validation, got %v", err)
	}
	res, err := env.Engine.CreateGigPayment(env.Ctx, g.ID, "", "alice")
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	if res.Payment.Amount != 4250 || res.Payment.Currency != "usd" || res.ClientSecret == "" || res.Payment.CreatedAt == "" {
		t.Fatalf("unexpected payment %+v", res)
	}
	req := env.Gateway.requests[len(env.Gateway.requests)-1]
	if req.IdempotencyKey != "gig-"+g.ID || req.Metadata["accepted_by"] != "bob" {
		t.Fatalf("unexpected intent request %+v", req)
	}

	list, err := env.Engine.ListGigPayments(env.Ctx, g.ID, "bob")
	if err != nil || len(list) != 1 || list[0].ID != res.Payment.ID {
		t.Fatalf("list payments: %+v %v", list, err)
	}
	if _, err := env.Engine.ListGigPayments(env.Ctx, g.ID, "mallory"); !apperr.Is(err, apperr.KindAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	synced, err := env.Engine.SyncPayment(env.Ctx, g.ID, res.Payment.ID, "alice")
	if err != nil || synced.Status != "succeeded" {
		t.Fatalf("sync payment: %+v %v", synced, err)
	}
}

func TestEventsCursorPagesWithoutGaps(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		env.createGig(t, "alice", "Numbered gig title", float64(i+1))
	}
	if _, _, err := env.Engine.ListEvents(env.Ctx, "", "", 2); !apperr.Is(err, apperr.KindAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	seen := map[string]bool{}
	cursor := ""
	for page := 0; page < 10; page++ {
		evts, next, err := env.Engine.ListEvents(env.Ctx, "alice", cursor, 2)
		if err != nil {
			t.Fatalf("list events: %v", err)
		}
		if len(evts) == 0 {
			if next != cursor {
				t.Fatalf("empty page moved the cursor")
			}
			break
		}
		for _, e := range evts {
			if seen[e.ID] {
				t.Fatalf("event %s returned twice", e.ID)
			}
			seen[e.ID] = true
		}
		cursor = next
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 events, saw %d", len(seen))
	}
	if _, _, err := env.Engine.ListEvents(env.Ctx, "alice", "|abc", 2); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected bad cursor error, got %v", err)
	}
}

// gateBackend parks the next commit until release is closed.
type gateBackend struct {
	docstore.Backend
	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func newGateBackend() *gateBackend {
	return &gateBackend{Backend: docstore.NewMemoryBackend(), entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gateBackend) Commit(ctx context.Context, reads []docstore.ReadVersion, writes []docstore.Write, clock func() time.Time) error {
	g.mu.Lock()
	held := g.armed
	g.armed = false
	g.mu.Unlock()
	if held {
		close(g.entered)
		<-g.release
	}
	return g.Backend.Commit(ctx, reads, writes, clock)
}

func TestEventsCursorSeesSlowCommit(t *testing.T) {
	gate := newGateBackend()
	env := newEnvWithBackend(t, gate)

	gate.mu.Lock()
	gate.armed = true
	gate.mu.Unlock()
	done := make(chan error, 1)
	go func() {
		_, err := env.Engine.CreateGig(env.Ctx, engine.GigCreateOptions{
			Title:       "Slow gig title",
			Description: "Needs doing this weekend",
			Price:       10,
			CreatorID:   "alice",
		})
		done <- err
	}()
	<-gate.entered
	env.createGig(t, "bob", "Fast gig title", 20)

	first, cursor, err := env.Engine.EventsAfter(env.Ctx, "", 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(first) != 1 || first[0].ActorID != "bob" {
		t.Fatalf("expected only bob's event, got %+v", first)
	}

	close(gate.release)
	if err := <-done; err != nil {
		t.Fatalf("create slow gig: %v", err)
	}
	rest, _, err := env.Engine.EventsAfter(env.Ctx, cursor, 10)
	if err != nil {
		t.Fatalf("events after cursor: %v", err)
	}
	if len(rest) != 1 || rest[0].ActorID != "alice" {
		t.Fatalf("slow commit skipped by cursor: %+v", rest)
	}
	if rest[0].TS <= first[0].TS {
		t.Fatalf("slow commit stamped %s before %s", rest[0].TS, first[0].TS)
	}
}
