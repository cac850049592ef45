package logger

import "go.uber.org/zap"

// ZapLogger wraps a zap.SugaredLogger behind the Logger interface, mirroring
// the teacher's mzap.ZapWithTraceLogger shape without the OpenTelemetry
// bridge (tracing is out of SPEC_FULL's scope).
type ZapLogger struct {
	s *zap.SugaredLogger
}

// New builds a production zap logger at the requested level.
func New(level string) (*ZapLogger, error) {
	cfg := zap.NewProductionConfig()

	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		lvl = zap.NewAtomicLevel()
	}

	cfg.Level = lvl

	z, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}

	return &ZapLogger{s: z.Sugar()}, nil
}

func (l *ZapLogger) Info(args ...any)                  { l.s.Info(args...) }
func (l *ZapLogger) Infof(format string, args ...any)  { l.s.Infof(format, args...) }
func (l *ZapLogger) Error(args ...any)                 { l.s.Error(args...) }
func (l *ZapLogger) Errorf(format string, args ...any) { l.s.Errorf(format, args...) }
func (l *ZapLogger) Warn(args ...any)                  { l.s.Warn(args...) }
func (l *ZapLogger) Warnf(format string, args ...any)  { l.s.Warnf(format, args...) }
func (l *ZapLogger) Debug(args ...any)                 { l.s.Debug(args...) }
func (l *ZapLogger) Debugf(format string, args ...any) { l.s.Debugf(format, args...) }
func (l *ZapLogger) Fatal(args ...any)                 { l.s.Fatal(args...) }
func (l *ZapLogger) Fatalf(format string, args ...any) { l.s.Fatalf(format, args...) }

func (l *ZapLogger) WithFields(fields ...any) Logger {
	return &ZapLogger{s: l.s.With(fields...)}
}

func (l *ZapLogger) Sync() error { return l.s.Sync() }
