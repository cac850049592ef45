// Package logger provides the Logger facade threaded through AppState,
// grounded on the teacher's common/mlog interface and common/mzap
// implementation: callers depend on the interface, never on zap directly.
package logger

// Logger is the common interface every subsystem logs through.
type Logger interface {
	Info(args ...any)
	Infof(format string, args ...any)

	Error(args ...any)
	Errorf(format string, args ...any)

	Warn(args ...any)
	Warnf(format string, args ...any)

	Debug(args ...any)
	Debugf(format string, args ...any)

	Fatal(args ...any)
	Fatalf(format string, args ...any)

	// WithFields returns a derived Logger that always logs the given
	// key/value pairs (an even-length list of alternating key, value).
	WithFields(fields ...any) Logger

	Sync() error
}
