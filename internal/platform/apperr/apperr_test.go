package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindPredicates(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"validation", Validation("bad %s", "input"), IsValidation},
		{"not found", NotFound("payer", "abc"), IsNotFound},
		{"conflict", Conflict("already resolved"), IsConflict},
		{"infrastructure", Infrastructure("query rules", errors.New("conn refused")), IsInfrastructure},
		{"wrapped validation", fmt.Errorf("create rule: %w", Validation("x")), IsValidation},
		{"unclassified", errors.New("boom"), IsInfrastructure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(tt.err) {
				t.Errorf("predicate returned false for %v", tt.err)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if Retryable(Validation("x")) {
		t.Error("validation errors must not be retryable")
	}
	if Retryable(NotFound("rule", 1)) {
		t.Error("not found errors must not be retryable")
	}
	if !Retryable(Infrastructure("op", errors.New("down"))) {
		t.Error("infrastructure errors must be retryable")
	}
	if Retryable(nil) {
		t.Error("nil error must not be retryable")
	}
}

func TestHTTPError(t *testing.T) {
	tests := []struct {
		err     error
		code    int
		message string
	}{
		{Validation("effective_date must be before termination_date"), http.StatusBadRequest, "effective_date must be before termination_date"},
		{NotFound("payer rule", "r1"), http.StatusNotFound, "payer rule r1 not found"},
		{Conflict("hold already resolved"), http.StatusConflict, "hold already resolved"},
		{Infrastructure("insert hold", errors.New("secret detail")), http.StatusServiceUnavailable, "service temporarily unavailable, try again"},
		{errors.New("raw"), http.StatusServiceUnavailable, "service temporarily unavailable, try again"},
	}
	for _, tt := range tests {
		he := HTTPError(tt.err)
		if he.Code != tt.code {
			t.Errorf("HTTPError(%v).Code = %d, want %d", tt.err, he.Code, tt.code)
		}
		if he.Message != tt.message {
			t.Errorf("HTTPError(%v).Message = %v, want %q", tt.err, he.Message, tt.message)
		}
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := Infrastructure("list rules", errors.New("timeout"))
	if err.Error() != "list rules: timeout" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, err.Err) {
		t.Error("expected Unwrap to expose the cause")
	}
}
