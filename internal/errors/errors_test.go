package errors

import (
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	if got := KindOf(nil); got != "" {
		t.Errorf("KindOf(nil) = %q", got)
	}
	if got := KindOf(New("plain")); got != KindInternal {
		t.Errorf("plain error kind = %q, want internal", got)
	}
	if got := KindOf(NotFoundf("job %s", "j-1")); got != KindNotFound {
		t.Errorf("kind = %q, want not_found", got)
	}

	// Kind survives fmt.Errorf wrapping layers.
	wrapped := fmt.Errorf("handling request: %w", Conflictf("illegal transition"))
	if got := KindOf(wrapped); got != KindConflict {
		t.Errorf("wrapped kind = %q, want conflict", got)
	}
}

func TestSentinelMatching(t *testing.T) {
	err := Validationf("bad cron expression")
	if !Is(err, ErrValidation) {
		t.Error("validation error does not match ErrValidation")
	}
	if Is(err, ErrNotFound) {
		t.Error("validation error matches ErrNotFound")
	}

	// Matching works through an outer wrap too.
	outer := fmt.Errorf("schedules: %w", err)
	if !Is(outer, ErrValidation) {
		t.Error("wrapped validation error does not match sentinel")
	}
}

func TestEWrapsCause(t *testing.T) {
	cause := New("disk full")
	err := E(KindTransient, "store.upsert", cause)
	if !Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}
	if got := err.Error(); got != "store.upsert: disk full" {
		t.Errorf("message = %q", got)
	}
	if got := err.WithTenant("acme").Error(); got != "store.upsert [tenant acme]: disk full" {
		t.Errorf("tenant message = %q", got)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(Transientf("connection reset")) {
		t.Error("transient error not retryable")
	}
	for _, err := range []error{
		Validationf("x"),
		NotFoundf("x"),
		Conflictf("x"),
		Overloadedf("x"),
		Internalf("x"),
		New("plain"),
	} {
		if IsRetryable(err) {
			t.Errorf("%v reported retryable", err)
		}
	}
}
