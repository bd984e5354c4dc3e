package funnelerr

import (
	"errors"
	"testing"
)

func TestErrorIs(t *testing.T) {
	err := New(TargetNotFound, "github", "unknown server")
	if !errors.Is(err, ErrTargetNotFound) {
		t.Fatalf("expected errors.Is to match ErrTargetNotFound")
	}
	if errors.Is(err, ErrTransport) {
		t.Fatalf("did not expect errors.Is to match ErrTransport")
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(Transport, "github", "failed to connect", cause)

	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected errors.Is to match ErrTransport")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected Unwrap to expose the original cause")
	}
}

func TestKindOfUnclassifiedErrorIsFatal(t *testing.T) {
	if KindOf(errors.New("boom")) != Fatal {
		t.Fatalf("expected an un-classified error to report Kind Fatal")
	}
}

func TestKindOfClassifiedError(t *testing.T) {
	err := New(Capacity, "sess-1", "breakpoint not resolvable")
	if KindOf(err) != Capacity {
		t.Fatalf("expected Kind Capacity, got %s", KindOf(err))
	}
}
