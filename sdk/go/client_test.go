package giglinesdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"gigline/internal/app"
	"gigline/internal/config"
	"gigline/internal/identity"
	"gigline/internal/payments"
)

type stubGateway struct{}

func (stubGateway) CreateIntent(_ context.Context, req payments.IntentRequest) (payments.Intent, error) {
	return payments.Intent{ID: "pi_1", ClientSecret: "pi_1_secret", Status: "requires_payment_method", Amount: req.AmountMinor, Currency: req.Currency}, nil
}

func (stubGateway) GetIntent(_ context.Context, id string) (payments.Intent, error) {
	return payments.Intent{ID: id, Status: "succeeded"}, nil
}

func newTestAPI(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Driver = "memory"
	cfg.Auth.JWTSecret = "sdk-test-secret"
	cfg.Server.RateLimitPerMinute = 0
	hasher := identity.NewHasher(identity.Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32})
	a, err := app.Open(context.Background(), cfg, nil, app.WithHasher(hasher), app.WithGateway(stubGateway{}))
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	rl, err := a.NewRelay()
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	h, err := a.Handler(rl)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		a.Close()
	})
	return srv
}

func signUp(t *testing.T, baseURL, name string) *Client {
	t.Helper()
	c := New(baseURL)
	s, err := c.Register(context.Background(), Registration{
		Email:     name + "@example.com",
		Password:  "correct horse battery",
		Username:  name,
		FirstName: "Test",
		LastName:  "User",
	})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	if c.BearerToken == "" || s.User.ID == "" {
		t.Fatalf("incomplete session %+v", s)
	}
	return c
}

func TestClientGigFlow(t *testing.T) {
	srv := newTestAPI(t)
	ctx := context.Background()
	creator := signUp(t, srv.URL, "creator")
	worker := signUp(t, srv.URL, "worker")

	g, err := creator.CreateGig(ctx, NewGig{
		Title:       "Assemble a bookshelf",
		Description: "Flat-pack, two hours at most",
		Price:       45,
		Location:    &Location{Lat: 52.520008, Lng: 13.404954},
	})
	if err != nil {
		t.Fatalf("create gig: %v", err)
	}
	if g.Status != "open" || g.ApproximateLocation == nil {
		t.Fatalf("unexpected gig %+v", g)
	}

	page, err := New(srv.URL).ListGigs(ctx, ListGigsOptions{Status: "open"})
	if err != nil {
		t.Fatalf("list gigs: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != g.ID {
		t.Fatalf("unexpected page %+v", page)
	}

	accepted, err := worker.AcceptGig(ctx, g.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != "accepted" || accepted.AcceptedBy == "" {
		t.Fatalf("unexpected accepted gig %+v", accepted)
	}

	p, err := creator.CreatePayment(ctx, g.ID, "")
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	if p.Amount != 4500 || p.ClientSecret == "" {
		t.Fatalf("unexpected payment %+v", p)
	}

	if _, err := creator.UpdateGigStatus(ctx, g.ID, "completed"); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	srv := newTestAPI(t)
	ctx := context.Background()
	creator := signUp(t, srv.URL, "owner")
	g, err := creator.CreateGig(ctx, NewGig{Title: "Walk the dog", Description: "Thirty minutes around the park", Price: 10})
	if err != nil {
		t.Fatalf("create gig: %v", err)
	}
	_, err = creator.AcceptGig(ctx, g.ID)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusForbidden || apiErr.Code != "cannot_accept_own_gig" {
		t.Fatalf("unexpected error %+v", apiErr)
	}

	_, err = New(srv.URL).Me(ctx)
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestClientLoginAndEvents(t *testing.T) {
	srv := newTestAPI(t)
	ctx := context.Background()
	signUp(t, srv.URL, "ada")

	c := New(srv.URL)
	if _, err := c.Login(ctx, "ada@example.com", "correct horse battery"); err != nil {
		t.Fatalf("login: %v", err)
	}
	me, err := c.Me(ctx)
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	if me.Email != "ada@example.com" {
		t.Fatalf("unexpected profile %+v", me)
	}
	evts, err := c.Events(ctx, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) == 0 || evts[0].Type != "user.registered" {
		t.Fatalf("unexpected events %+v", evts)
	}
}

func TestWebSocketURL(t *testing.T) {
	c := New("https://api.example.com/")
	c.BearerToken = "a b"
	if got, want := c.WebSocketURL(), "wss://api.example.com/v0/ws?token=a+b"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
