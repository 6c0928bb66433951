package client

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{
			name: "auth error",
			err:  &AuthError{StatusCode: 401},
			want: ErrorClassAuth,
		},
		{
			name: "throttle error",
			err:  &ThrottleError{StatusCode: 429},
			want: ErrorClassThrottle,
		},
		{
			name: "transient network error",
			err:  &TransientError{Err: errors.New("connection refused")},
			want: ErrorClassTransient,
		},
		{
			name: "transient http error",
			err:  &TransientError{StatusCode: 503, Err: errors.New("503 Service Unavailable")},
			want: ErrorClassTransient,
		},
		{
			name: "api error",
			err:  &APIError{Code: 2, Message: "Incorrect key"},
			want: ErrorClassAPI,
		},
		{
			name: "wrapped auth error",
			err:  fmt.Errorf("fetch page at offset 0: %w", &AuthError{StatusCode: 403}),
			want: ErrorClassAuth,
		},
		{
			name: "unclassified error",
			err:  errors.New("something else"),
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		class ErrorClass
		want  bool
	}{
		{ErrorClassAuth, false},
		{ErrorClassThrottle, true},
		{ErrorClassTransient, true},
		{ErrorClassAPI, false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.class), func(t *testing.T) {
			if got := shouldRetry(tt.class); got != tt.want {
				t.Errorf("shouldRetry(%q) = %v, want %v", tt.class, got, tt.want)
			}
		})
	}
}

func TestTransientErrorUnwrap(t *testing.T) {
	inner := errors.New("read timeout")
	err := &TransientError{Err: inner}

	if !errors.Is(err, inner) {
		t.Error("TransientError should unwrap to inner error")
	}
}

func TestAPIErrorMessage(t *testing.T) {
	err := &APIError{Code: 2, Message: "Incorrect key"}
	want := "API returned error: 2 - Incorrect key"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
