package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name:     "without wrapped error",
			err:      NewError(11002, "content is empty"),
			expected: "[11002] content is empty",
		},
		{
			name:     "with wrapped error",
			err:      NewError(50002, "database error").Wrap(errors.New("connection reset")),
			expected: "[50002] database error: connection reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Expected '%s', got '%s'", tt.expected, got)
			}
		})
	}
}

func TestAppError_WrapKeepsCode(t *testing.T) {
	original := errors.New("duplicate key value violates unique constraint")
	appErr := ErrConflict.Wrap(original)

	if appErr.Code != CodeConflict {
		t.Errorf("Expected code %d, got %d", CodeConflict, appErr.Code)
	}
	if errors.Unwrap(appErr) != original {
		t.Error("Expected unwrapped error to be the original error")
	}
	if ErrConflict.Err != nil {
		t.Error("Wrap must not mutate the predefined error")
	}
}

func TestAppError_WithMessage(t *testing.T) {
	err := ErrValidation.WithMessage("message content must not be empty")

	if err.Code != CodeValidation {
		t.Errorf("Expected code %d, got %d", CodeValidation, err.Code)
	}
	if err.Message != "message content must not be empty" {
		t.Errorf("Unexpected message '%s'", err.Message)
	}
	if ErrValidation.Message != "validation failed" {
		t.Error("WithMessage must not mutate the predefined error")
	}
}

func TestIs(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		target   *AppError
		expected bool
	}{
		{"same error", ErrNotFound, ErrNotFound, true},
		{"wrapped same error", ErrConflict.Wrap(errors.New("23505")), ErrConflict, true},
		{"fmt wrapped", fmt.Errorf("resolve: %w", ErrConflictRetryExhausted), ErrConflictRetryExhausted, true},
		{"different error", ErrValidation, ErrNotFound, false},
		{"non-app error", errors.New("standard error"), ErrNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.target); got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestGetCodeAndMessage(t *testing.T) {
	if got := GetCode(ErrAuthorization.Wrap(errors.New("rls"))); got != CodeAuthorization {
		t.Errorf("Expected %d, got %d", CodeAuthorization, got)
	}
	if got := GetCode(errors.New("plain")); got != CodeServerError {
		t.Errorf("Expected %d, got %d", CodeServerError, got)
	}
	if got := GetMessage(ErrTransport); got != "real-time connection lost" {
		t.Errorf("Unexpected message '%s'", got)
	}
	if got := GetMessage(errors.New("plain")); got != "internal server error" {
		t.Errorf("Unexpected message '%s'", got)
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(ErrConflict.Wrap(errors.New("dup"))) {
		t.Error("conflict should be retryable")
	}
	for _, err := range []error{ErrAuthorization, ErrValidation, ErrDBError, errors.New("x")} {
		if Retryable(err) {
			t.Errorf("%v should not be retryable", err)
		}
	}
}
