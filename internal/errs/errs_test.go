package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapRoundTrip(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(base, CategoryIOFailure, "label_write_failed")
	if err == nil {
		t.Fatal("expected wrapped error")
	}
	if CategoryOf(err) != CategoryIOFailure {
		t.Fatalf("unexpected category: %s", CategoryOf(err))
	}
	if CodeOf(err) != "label_write_failed" {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if !errors.Is(err, base) {
		t.Fatal("expected wrapped error to preserve cause")
	}
}

func TestCategorySurvivesFmtWrap(t *testing.T) {
	err := fmt.Errorf("saving: %w", New(CategoryInvalidInput, "bad_dimensions", "width must be > 0, got %d", 0))
	if !Is(err, CategoryInvalidInput) {
		t.Fatalf("expected invalid input, got %q", CategoryOf(err))
	}
	if err.Error() != "saving: width must be > 0, got 0" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}

func TestUnknownErrorDefaults(t *testing.T) {
	err := errors.New("plain")
	if CategoryOf(err) != "" {
		t.Fatalf("unexpected category: %s", CategoryOf(err))
	}
	if CodeOf(err) != "" {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
}

func TestWrapNilCauseReturnsNil(t *testing.T) {
	if got := Wrap(nil, CategoryInternalFailure, "internal_failure"); got != nil {
		t.Fatalf("expected nil wrapped error, got=%v", got)
	}
}
