package logger

// Nop is a Logger that discards everything. Used in tests and any code path
// that doesn't have a configured logger yet.
type Nop struct{}

func (Nop) Info(args ...any)                  {}
func (Nop) Infof(format string, args ...any)  {}
func (Nop) Error(args ...any)                 {}
func (Nop) Errorf(format string, args ...any) {}
func (Nop) Warn(args ...any)                  {}
func (Nop) Warnf(format string, args ...any)  {}
func (Nop) Debug(args ...any)                 {}
func (Nop) Debugf(format string, args ...any) {}
func (Nop) Fatal(args ...any)                 {}
func (Nop) Fatalf(format string, args ...any) {}
func (Nop) WithFields(fields ...any) Logger   { return Nop{} }
func (Nop) Sync() error                       { return nil }
