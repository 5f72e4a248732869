package runner

import "log/slog"

// Logger receives the runner's lifecycle logs. The default discards them;
// binaries pass NewSlogLogger to route them into the process logger.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// NewSlogLogger adapts a *slog.Logger for the runner. A nil logger falls
// back to slog.Default.
func NewSlogLogger(logger *slog.Logger) Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return slogLogger{logger: logger}
}

type slogLogger struct {
	logger *slog.Logger
}

func (l slogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l slogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
