package errors

import (
	"errors"
	"testing"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrNoReachableAddress", ErrNoReachableAddress, "busbridge: no reachable network address"},
		{"ErrNotConnected", ErrNotConnected, "busbridge: broker is not connected"},
		{"ErrRegistrationFailed", ErrRegistrationFailed, "busbridge: service registration failed"},
		{"ErrBrokerDisconnected", ErrBrokerDisconnected, "busbridge: broker connection lost"},
		{"ErrConfigRequired", ErrConfigRequired, "busbridge: configuration is required"},
		{"ErrLoggerRequired", ErrLoggerRequired, "busbridge: logger is required"},
		{"ErrHandlerRequired", ErrHandlerRequired, "busbridge: message handler is required"},
		{"ErrQueueRequired", ErrQueueRequired, "busbridge: consume queue is required"},
		{"ErrTransportRequired", ErrTransportRequired, "busbridge: broker transport is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigValidationError(t *testing.T) {
	inner := errors.New("invalid port")
	err := ConfigValidationError{Err: inner}

	want := "busbridge: invalid configuration: invalid port"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	if unwrapped := err.Unwrap(); unwrapped != inner {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, inner)
	}
}

func TestNewConfigValidationError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		if err := NewConfigValidationError(nil); err != nil {
			t.Errorf("NewConfigValidationError(nil) = %v, want nil", err)
		}
	})

	t.Run("wraps error correctly", func(t *testing.T) {
		inner := errors.New("bad config")
		err := NewConfigValidationError(inner)

		var cfgErr ConfigValidationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("expected ConfigValidationError, got %T", err)
		}
		if !errors.Is(err, inner) {
			t.Error("expected wrapped error to match inner")
		}
	})
}
