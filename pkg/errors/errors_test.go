package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *ServiceError
		expected string
	}{
		{
			name: "error with cause",
			err: &ServiceError{
				Type:      ErrorTypeCollaborator,
				Operation: "append_block",
				Message:   "ledger unavailable",
				Cause:     errors.New("connection refused"),
			},
			expected: "collaborator operation 'append_block' failed: ledger unavailable (caused by: connection refused)",
		},
		{
			name: "error without cause",
			err: &ServiceError{
				Type:      ErrorTypeValidation,
				Operation: "parse_share",
				Message:   "nonce is required",
			},
			expected: "validation operation 'parse_share' failed: nonce is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("ServiceError.Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestServiceError_WithContext(t *testing.T) {
	err := New(ErrorTypeStaleRound, "submit_share", "round closed").
		WithContext("claimed_round", int64(9)).
		WithContext("open_round", int64(10))

	if len(err.Context) != 2 {
		t.Fatalf("Expected 2 context items, got %d", len(err.Context))
	}
	if err.Context["open_round"] != int64(10) {
		t.Errorf("Expected open_round = 10, got %v", err.Context["open_round"])
	}
}

func TestNew_Retryable(t *testing.T) {
	tests := []struct {
		errorType ErrorType
		retryable bool
	}{
		{ErrorTypeValidation, false},
		{ErrorTypeStaleRound, false},
		{ErrorTypeDepleted, false},
		{ErrorTypeUnauthenticated, false},
		{ErrorTypeCollaborator, true},
		{ErrorTypeNetwork, true},
		{ErrorTypeKafka, true},
		{ErrorTypeTimeout, true},
		{ErrorTypeDatabase, false},
		{ErrorTypeInternal, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.errorType), func(t *testing.T) {
			err := New(tt.errorType, "op", "msg")
			if err.Retryable != tt.retryable {
				t.Errorf("New(%s).Retryable = %v, want %v", tt.errorType, err.Retryable, tt.retryable)
			}
			if err.Timestamp.IsZero() {
				t.Error("Expected timestamp to be set")
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, ErrorTypeNetwork, "op", "msg") != nil {
		t.Error("Expected nil when wrapping nil error")
	}

	cause := errors.New("original error")
	err := Wrap(cause, ErrorTypeDatabase, "load_account", "query failed")
	if err.Cause != cause {
		t.Errorf("Expected cause %v, got %v", cause, err.Cause)
	}
	if err.Retryable {
		t.Error("Expected database wrap of an unknown error to not be retryable")
	}

	// inner classification wins
	inner := New(ErrorTypeValidation, "parse", "bad nonce")
	outer := Wrap(inner, ErrorTypeCollaborator, "submit", "submit failed")
	if outer.Retryable {
		t.Error("Expected wrapped validation error to stay non-retryable")
	}

	// collaborator type is retryable unless the cause is a context error
	if !Wrap(errors.New("boom"), ErrorTypeCollaborator, "credit", "failed").Retryable {
		t.Error("Expected collaborator wrap to be retryable")
	}
	if Wrap(context.Canceled, ErrorTypeCollaborator, "credit", "failed").Retryable {
		t.Error("Expected wrapped context.Canceled to not be retryable")
	}
}

func TestIsType_Nested(t *testing.T) {
	inner := New(ErrorTypeDepleted, "debit", "no energy")
	outer := Wrap(inner, ErrorTypeInternal, "submit", "rejected")
	stdWrapped := fmt.Errorf("handler: %w", outer)

	if !IsType(stdWrapped, ErrorTypeDepleted) {
		t.Error("Expected IsType to find nested depleted error")
	}
	if !IsType(stdWrapped, ErrorTypeInternal) {
		t.Error("Expected IsType to match outer type")
	}
	if IsType(stdWrapped, ErrorTypeStaleRound) {
		t.Error("Expected IsType to return false for absent type")
	}
	if IsType(errors.New("regular"), ErrorTypeNetwork) {
		t.Error("Expected IsType to return false for regular error")
	}
}

func TestIsRetryableByDefault(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"context canceled", context.Canceled, false},
		{"context timeout", context.DeadlineExceeded, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"broken pipe", errors.New("write: broken pipe"), true},
		{"timeout error", errors.New("i/o timeout"), true},
		{"unknown error", errors.New("duplicate key value"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableByDefault(tt.err); got != tt.expected {
				t.Errorf("isRetryableByDefault() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"validation", Validation("parse", "bad"), CodeInvalid},
		{"stale", New(ErrorTypeStaleRound, "submit", "old"), CodeStale},
		{"depleted", fmt.Errorf("wrap: %w", New(ErrorTypeDepleted, "debit", "empty")), CodeDepleted},
		{"unauthenticated", New(ErrorTypeUnauthenticated, "auth", "bad hash"), CodeUnauthenticated},
		{"collaborator", New(ErrorTypeCollaborator, "verify", "backend down"), CodeServerError},
		{"plain", errors.New("boom"), CodeServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetMessage(t *testing.T) {
	if got := GetMessage(nil); got != "" {
		t.Errorf("GetMessage(nil) = %q, want empty", got)
	}
	if got := GetMessage(fmt.Errorf("ctx: %w", Validation("parse", "nonce too long"))); got != "nonce too long" {
		t.Errorf("GetMessage() = %q, want %q", got, "nonce too long")
	}
	if got := GetMessage(errors.New("plain")); got != "plain" {
		t.Errorf("GetMessage() = %q, want plain", got)
	}
}

func TestGetContext(t *testing.T) {
	err := fmt.Errorf("finalize: %w", New(ErrorTypeStaleRound, "submit", "round advanced").WithContext("round", int64(9)))
	ctx := GetContext(err)
	if ctx["round"] != int64(9) {
		t.Errorf("GetContext()[round] = %v, want 9", ctx["round"])
	}
	if GetContext(errors.New("plain")) != nil {
		t.Error("GetContext() on a plain error should be nil")
	}
}
