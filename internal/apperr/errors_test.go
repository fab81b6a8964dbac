package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindAndCodeSurviveWrapping(t *testing.T) {
	base := Conflict("gig_not_open", "gig is not open")
	wrapped := fmt.Errorf("accept: %w", base)
	if KindOf(wrapped) != KindConflict {
		t.Fatalf("expected conflict, got %s", KindOf(wrapped))
	}
	if CodeOf(wrapped) != "gig_not_open" {
		t.Fatalf("unexpected code %q", CodeOf(wrapped))
	}
	if !Is(wrapped, KindConflict) || Is(wrapped, KindNotFound) {
		t.Fatalf("Is mismatch")
	}
	if KindOf(errors.New("plain")) != KindUnknown || CodeOf(errors.New("plain")) != "" {
		t.Fatalf("plain errors carry no kind")
	}
}

func TestWithDetailsCopies(t *testing.T) {
	base := Validation("validation_failed", "bad title").WithDetails("field", "title")
	more := base.WithDetails("max", 100)
	if len(base.Details) != 1 {
		t.Fatalf("base mutated: %v", base.Details)
	}
	if more.Details["field"] != "title" || more.Details["max"] != 100 {
		t.Fatalf("unexpected details %v", more.Details)
	}
}

func TestDependencyHidesCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Dependency("", cause)
	if err.Code != "dependency_failure" || err.Message != "upstream dependency failed" {
		t.Fatalf("unexpected %+v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("cause not reachable through Unwrap")
	}
}

func TestConstructors(t *testing.T) {
	cases := []struct {
		err  *Error
		kind Kind
		code string
		msg  string
	}{
		{Authentication("invalid credentials"), KindAuthentication, "unauthorized", "invalid credentials"},
		{Authorization("creator only"), KindAuthorization, "forbidden", "creator only"},
		{NotFound("gig"), KindNotFound, "not_found", "gig not found"},
		{Validationf("validation_failed", "limit must be at most %d", 100), KindValidation, "validation_failed", "limit must be at most 100"},
	}
	for _, tc := range cases {
		if tc.err.Kind != tc.kind || tc.err.Code != tc.code || tc.err.Error() != tc.msg {
			t.Fatalf("unexpected %+v (%s)", tc.err, tc.err.Kind)
		}
	}
}
