// internal/logger/styled.go
package logger

import (
	"log/slog"
)

// StyledLogger is the logging facade passed to the pool (via
// pool.Options.Logger). It wraps slog.Logger so call sites stay free of slog's
// attribute-pair boilerplate and can be extended (level gating, structured
// fields) without touching every caller.
type StyledLogger struct {
	logger *slog.Logger
}

// NewStyledLogger wraps an slog.Logger.
func NewStyledLogger(logger *slog.Logger) *StyledLogger {
	return &StyledLogger{logger: logger}
}

func (sl *StyledLogger) Debug(msg string, args ...any) {
	sl.logger.Debug(msg, args...)
}

func (sl *StyledLogger) Info(msg string, args ...any) {
	sl.logger.Info(msg, args...)
}

func (sl *StyledLogger) Warn(msg string, args ...any) {
	sl.logger.Warn(msg, args...)
}

func (sl *StyledLogger) Error(msg string, args ...any) {
	sl.logger.Error(msg, args...)
}

// GetUnderlying returns the underlying slog.Logger for cases where direct access is needed
func (sl *StyledLogger) GetUnderlying() *slog.Logger {
	return sl.logger
}

// WithAttrs creates a new StyledLogger with additional structured attributes
func (sl *StyledLogger) WithAttrs(attrs ...slog.Attr) *StyledLogger {
	args := make([]any, 0, len(attrs)*2)
	for _, attr := range attrs {
		args = append(args, attr.Key, attr.Value)
	}

	return &StyledLogger{logger: sl.logger.With(args...)}
}

// With creates a new StyledLogger with additional key-value pairs
func (sl *StyledLogger) With(args ...any) *StyledLogger {
	return &StyledLogger{logger: sl.logger.With(args...)}
}

// NewStyled creates a regular slog.Logger plus its StyledLogger wrapper.
func NewStyled(cfg *Config) (*slog.Logger, *StyledLogger, func(), error) {
	log, cleanup, err := New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	return log, NewStyledLogger(log), cleanup, nil
}
