package apperrors

import (
	"errors"
	"net/http"
	"testing"
)

func TestClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		sentinel error
		status   int
	}{
		{"validation", Validation("engineId", "engine ID is required"), ErrValidation, http.StatusBadRequest},
		{"unauthorized", Unauthorized("invalid credentials"), ErrUnauthorized, http.StatusUnauthorized},
		{"quota", Quota("queue", "queue limit 2 reached"), ErrQuota, http.StatusForbidden},
		{"not found", NotFound("task", "42"), ErrNotFound, http.StatusNotFound},
		{"conflict", Conflict("task", "42", "task already assigned"), ErrConflict, http.StatusConflict},
		{"internal", Internal("store.claimTask", errors.New("connection reset")), ErrInternal, http.StatusInternalServerError},
		{"unknown", errors.New("plain error"), nil, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if tt.sentinel != nil && !errors.Is(tt.err, tt.sentinel) {
				t.Errorf("Expected errors.Is(%v, %v) to be true", tt.err, tt.sentinel)
			}
			if got := HTTPStatus(tt.err); got != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, got)
			}
		})
	}
}

func TestNotFoundMessage(t *testing.T) {
	t.Parallel()
	err := NotFound("task", "17")
	if err.Error() != "task 17 not found" {
		t.Errorf("Unexpected message: %q", err.Error())
	}
}
