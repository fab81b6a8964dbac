package otp

import (
	"context"
	"sync"
	"testing"
	"time"

	"gigline/internal/apperr"
	"gigline/internal/config"
	"gigline/internal/docstore"
)

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

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func setup(t *testing.T) (*Service, *recordingSender, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	store := docstore.NewMemory(docstore.WithClock(c.Now))
	sender := &recordingSender{}
	svc := New(store, sender, config.OTPConfig{CodeLength: 6, TTL: 10 * time.Minute, MaxAttempts: 3})
	return svc, sender, c
}

func TestStartAndConfirm(t *testing.T) {
	ctx := context.Background()
	svc, sender, _ := setup(t)
	if err := svc.Start(ctx, "u1", "+15551234567"); err != nil {
		t.Fatalf("start: %v", err)
	}
	code := sender.codes["+15551234567"]
	if len(code) != 6 {
		t.Fatalf("unexpected code %q", code)
	}
	phone, err := svc.Confirm(ctx, "u1", code)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if phone != "+15551234567" {
		t.Fatalf("unexpected phone %s", phone)
	}
	if _, err := svc.Confirm(ctx, "u1", code); apperr.CodeOf(err) != "no_pending_verification" {
		t.Fatalf("expected code to be single use, got %v", err)
	}
}

func TestRejectsBadPhone(t *testing.T) {
	svc, _, _ := setup(t)
	if err := svc.Start(context.Background(), "u1", "555-1234"); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestWrongCodesLockOut(t *testing.T) {
	ctx := context.Background()
	svc, sender, _ := setup(t)
	svc.Code = func(int) (string, error) { return "123456", nil }
	if err := svc.Start(ctx, "u1", "+15551234567"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if sender.codes["+15551234567"] != "123456" {
		t.Fatalf("custom generator not used")
	}
	for i := 0; i < 3; i++ {
		if _, err := svc.Confirm(ctx, "u1", "000000"); apperr.CodeOf(err) != "invalid_code" {
			t.Fatalf("attempt %d: expected invalid_code, got %v", i, err)
		}
	}
	if _, err := svc.Confirm(ctx, "u1", "123456"); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected lockout conflict, got %v", err)
	}
}

func TestExpiredCode(t *testing.T) {
	ctx := context.Background()
	svc, sender, c := setup(t)
	if err := svc.Start(ctx, "u1", "+15551234567"); err != nil {
		t.Fatalf("start: %v", err)
	}
	c.now = c.now.Add(11 * time.Minute)
	if _, err := svc.Confirm(ctx, "u1", sender.codes["+15551234567"]); apperr.CodeOf(err) != "code_expired" {
		t.Fatalf("expected code_expired, got %v", err)
	}
}

func TestMaskPhone(t *testing.T) {
	if got := maskPhone("+15551234567"); got != "********4567" {
		t.Fatalf("unexpected mask %s", got)
	}
}
