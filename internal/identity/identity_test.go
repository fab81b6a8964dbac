package identity

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"gigline/internal/apperr"
	"gigline/internal/docstore"
)

var fastParams = Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

func newLocal(t *testing.T) *Local {
	t.Helper()
	store := docstore.NewMemory(docstore.WithBackoff(time.Millisecond), docstore.WithMaxAttempts(20))
	return NewLocal(store, NewHasher(fastParams), NewTokens("test-secret", "gigline", time.Hour))
}

func TestHasherRoundTrip(t *testing.T) {
	h := NewHasher(fastParams)
	encoded, err := h.Hash("correct horse")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$v=19$m=1024,t=1,p=1$") {
		t.Fatalf("unexpected encoding %s", encoded)
	}
	if ok, err := h.Verify("correct horse", encoded); err != nil || !ok {
		t.Fatalf("expected match, got %v %v", ok, err)
	}
	if ok, _ := h.Verify("wrong horse", encoded); ok {
		t.Fatalf("expected mismatch")
	}
	if _, err := h.Verify("x", "$bcrypt$nope"); err == nil {
		t.Fatalf("expected format error")
	}
}

func TestTokensIssueVerifyExpire(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tokens := NewTokens("s3cret", "gigline", time.Hour).WithClock(func() time.Time { return now })
	tok, exp, err := tokens.Issue("user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !exp.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v", exp)
	}
	sub, err := tokens.Verify(tok)
	if err != nil || sub != "user-1" {
		t.Fatalf("verify: %s %v", sub, err)
	}
	later := tokens.WithClock(func() time.Time { return now.Add(2 * time.Hour) })
	if _, err := later.Verify(tok); err == nil {
		t.Fatalf("expected expired token to fail")
	}
	other := NewTokens("other", "gigline", time.Hour).WithClock(func() time.Time { return now })
	if _, err := other.Verify(tok); err == nil {
		t.Fatalf("expected signature mismatch to fail")
	}
	wrongIssuer := NewTokens("s3cret", "someone-else", time.Hour).WithClock(func() time.Time { return now })
	if _, err := wrongIssuer.Verify(tok); err == nil {
		t.Fatalf("expected issuer mismatch to fail")
	}
}

func TestCreateUserAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	l := newLocal(t)
	id, err := l.CreateUser(ctx, " Ann@Example.com ", "password123")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id.Email != "ann@example.com" || id.ID == "" || id.CreatedAt == "" {
		t.Fatalf("unexpected identity %+v", id)
	}
	found, err := l.LookupByEmail(ctx, "ANN@example.com")
	if err != nil || found.ID != id.ID {
		t.Fatalf("lookup: %+v %v", found, err)
	}
	if _, err := l.Authenticate(ctx, "ann@example.com", "password123"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if _, err := l.Authenticate(ctx, "ann@example.com", "nope-nope"); !apperr.Is(err, apperr.KindAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if _, err := l.Authenticate(ctx, "bob@example.com", "password123"); !apperr.Is(err, apperr.KindAuthentication) {
		t.Fatalf("expected authentication error for unknown email, got %v", err)
	}
	tok, _, err := l.IssueToken(ctx, id.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if sub, err := l.VerifyToken(ctx, tok); err != nil || sub != id.ID {
		t.Fatalf("verify: %s %v", sub, err)
	}
	if _, err := l.VerifyToken(ctx, "garbage"); !apperr.Is(err, apperr.KindAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
}

func TestCreateUserValidation(t *testing.T) {
	l := newLocal(t)
	if _, err := l.CreateUser(context.Background(), "not-an-email", "password123"); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := l.CreateUser(context.Background(), "a@b.test", "short"); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestConcurrentDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	l := newLocal(t)
	const n = 6
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.CreateUser(ctx, "dup@example.com", "password123")
		}(i)
	}
	wg.Wait()
	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperr.CodeOf(err) == "email_taken":
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one registration, got %d", ok)
	}
}
