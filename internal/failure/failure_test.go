package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/kalambet/strata/internal/storage"
)

func TestClassOf(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ""},
		{"plain", base, ClassPermanent},
		{"validation", Validation(base), ClassValidation},
		{"transient", Transient(base), ClassTransient},
		{"wrapped transient", fmt.Errorf("embedding: %w", Transient(base)), ClassTransient},
		{"permanent over transient", Permanent(Transient(base)), ClassPermanent},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ClassTransient},
		{"corruption", fmt.Errorf("resolve: %w", storage.ErrStoreCorruption), ClassStoreCorruption},
		{"corruption marked transient", Transient(storage.ErrStoreCorruption), ClassStoreCorruption},
		{"stale", storage.ErrStaleVersion, ClassPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassOf(tt.err); got != tt.want {
				t.Errorf("ClassOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorUnwraps(t *testing.T) {
	err := Transient(storage.ErrNotFound)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("expected errors.Is to see through the class wrapper")
	}
	if err.Error() != storage.ErrNotFound.Error() {
		t.Errorf("Error() = %q", err.Error())
	}
	if Transient(nil) != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(Transient(errors.New("x"))) {
		t.Error("transient should be retryable")
	}
	if IsRetryable(Validationf("file %s is empty", "a.md")) {
		t.Error("validation should not be retryable")
	}
}
