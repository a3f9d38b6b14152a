package errors

import sterrors "errors"

var (
	// ErrNoReachableAddress is returned by address resolution when no up,
	// non-loopback, non-link-local interface address exists. Fatal at startup.
	ErrNoReachableAddress = sterrors.New("busbridge: no reachable network address")

	// ErrNotConnected is returned to publish callers while the broker
	// connection is in any state other than connected.
	ErrNotConnected = sterrors.New("busbridge: broker is not connected")

	// ErrRegistrationFailed wraps registry registration failures. Recoverable:
	// the process keeps serving locally without a registry entry.
	ErrRegistrationFailed = sterrors.New("busbridge: service registration failed")

	// ErrBrokerDisconnected marks an unexpected broker-side connection loss.
	// It triggers reconnection and is never fatal after startup.
	ErrBrokerDisconnected = sterrors.New("busbridge: broker connection lost")

	ErrConfigRequired    = sterrors.New("busbridge: configuration is required")
	ErrLoggerRequired    = sterrors.New("busbridge: logger is required")
	ErrHandlerRequired   = sterrors.New("busbridge: message handler is required")
	ErrQueueRequired     = sterrors.New("busbridge: consume queue is required")
	ErrTransportRequired = sterrors.New("busbridge: broker transport is required")
)

// ConfigValidationError wraps the joined validation errors of a Config so
// callers can distinguish bad configuration from runtime faults.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "busbridge: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError wraps err in a ConfigValidationError, or returns
// nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
