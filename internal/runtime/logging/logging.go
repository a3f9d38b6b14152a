package logging

import "log/slog"

// LogFields represents structured logging key/value pairs used by busbridge.
type LogFields map[string]any

// ServiceLogger is the minimal logging contract required by busbridge
// components. Applications can adapt their existing loggers without
// depending on slog.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Warn(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
}

// NewSlogServiceLogger wraps a slog.Logger so it satisfies the ServiceLogger
// interface.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("busbridge: slog logger cannot be nil")
	}
	return &slogServiceLogger{inner: log}
}

// NewNopLogger returns a ServiceLogger that discards everything. Useful in
// tests and as the default when no logger is supplied.
func NewNopLogger() ServiceLogger {
	return nopLogger{}
}

type slogServiceLogger struct {
	inner *slog.Logger
}

func (l *slogServiceLogger) With(fields LogFields) ServiceLogger {
	return &slogServiceLogger{inner: l.inner.With(fieldsToArgs(fields)...)}
}

func (l *slogServiceLogger) Debug(msg string, fields LogFields) {
	l.inner.Debug(msg, fieldsToArgs(fields)...)
}

func (l *slogServiceLogger) Info(msg string, fields LogFields) {
	l.inner.Info(msg, fieldsToArgs(fields)...)
}

func (l *slogServiceLogger) Warn(msg string, fields LogFields) {
	l.inner.Warn(msg, fieldsToArgs(fields)...)
}

func (l *slogServiceLogger) Error(msg string, err error, fields LogFields) {
	args := fieldsToArgs(fields)
	if err != nil {
		args = append(args, "error", err)
	}
	l.inner.Error(msg, args...)
}

func fieldsToArgs(fields LogFields) []any {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

type nopLogger struct{}

func (nopLogger) With(LogFields) ServiceLogger   { return nopLogger{} }
func (nopLogger) Debug(string, LogFields)        {}
func (nopLogger) Info(string, LogFields)         {}
func (nopLogger) Warn(string, LogFields)         {}
func (nopLogger) Error(string, error, LogFields) {}
