package errors

import (
	"context"
	"errors"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *ServiceError
		expected string
	}{
		{
			name: "with cause",
			err: &ServiceError{
				Type:      ErrorTypeHandshake,
				Operation: "authorize",
				Message:   "upstream refused worker",
				Cause:     errors.New("unauthorized"),
			},
			expected: "handshake operation 'authorize' failed: upstream refused worker (caused by: unauthorized)",
		},
		{
			name: "without cause",
			err: &ServiceError{
				Type:      ErrorTypeSequencing,
				Operation: "submit_shares",
				Message:   "channel not open",
			},
			expected: "sequencing operation 'submit_shares' failed: channel not open",
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

func TestServiceError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(cause, ErrorTypeNetwork, "dial_upstream", "dial failed")

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}

	if unwrapped := New(ErrorTypeNetwork, "x", "y").Unwrap(); unwrapped != nil {
		t.Errorf("Unwrap() = %v, want nil", unwrapped)
	}
}

func TestServiceError_WithContext(t *testing.T) {
	err := New(ErrorTypeUnknownJob, "submit_shares", "job not found").
		WithContext("job_id", uint32(7)).
		WithContext("channel_id", uint32(1))

	if len(err.Context) != 2 {
		t.Fatalf("expected 2 context items, got %d", len(err.Context))
	}
	if err.Context["job_id"] != uint32(7) {
		t.Errorf("job_id = %v, want 7", err.Context["job_id"])
	}
}

func TestNew_Retryable(t *testing.T) {
	tests := []struct {
		errorType ErrorType
		retryable bool
	}{
		{ErrorTypeNetwork, true},
		{ErrorTypeTimeout, true},
		{ErrorTypeKafka, true},
		{ErrorTypeValidation, false},
		{ErrorTypeSequencing, false},
		{ErrorTypeUnknownJob, false},
		{ErrorTypeConversion, false},
		{ErrorTypeHandshake, false},
		{ErrorTypeUnsupported, false},
		{ErrorTypeClosed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.errorType), func(t *testing.T) {
			err := New(tt.errorType, "op", "msg")
			if err.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", err.Retryable, tt.retryable)
			}
			if err.Timestamp.IsZero() {
				t.Error("timestamp should be set")
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, ErrorTypeNetwork, "op", "msg") != nil {
		t.Error("wrapping nil should return nil")
	}

	inner := New(ErrorTypeKafka, "publish", "broker down")
	outer := Wrap(inner, ErrorTypeInternal, "sink", "event dropped")
	if outer.Cause != inner {
		t.Error("expected inner ServiceError as cause")
	}
	if !outer.Retryable {
		t.Error("wrapping should keep the inner retry decision")
	}

	plain := Wrap(errors.New("connection reset by peer"), ErrorTypeNetwork, "read", "read failed")
	if !plain.Retryable {
		t.Error("connection reset should be retryable")
	}
}

func TestIsType(t *testing.T) {
	err := Wrap(New(ErrorTypeUnsupported, "dispatch", "unknown variant"), ErrorTypeInternal, "pump", "dispatch failed")

	if !IsType(err, ErrorTypeInternal) {
		t.Error("IsType should match the outer type")
	}
	if IsType(errors.New("plain"), ErrorTypeInternal) {
		t.Error("IsType should be false for plain errors")
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"handshake", New(ErrorTypeHandshake, "configure", "refused"), true},
		{"closed", New(ErrorTypeClosed, "dispatch", "closed"), true},
		{"sequencing", New(ErrorTypeSequencing, "submit", "early"), false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFatal(tt.err); got != tt.want {
				t.Errorf("IsFatal() = %v, want %v", got, tt.want)
			}
		})
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
		{"no route", errors.New("no route to host"), true},
		{"unknown error", errors.New("unknown error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableByDefault(tt.err); got != tt.expected {
				t.Errorf("isRetryableByDefault() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestGetContext(t *testing.T) {
	err := New(ErrorTypeDatabase, "insert_share", "failed").WithContext("table", "translated_shares")

	if ctx := GetContext(err); ctx["table"] != "translated_shares" {
		t.Errorf("GetContext()[table] = %v", ctx["table"])
	}
	if ctx := GetContext(errors.New("plain")); ctx != nil {
		t.Errorf("expected nil context, got %v", ctx)
	}
}
