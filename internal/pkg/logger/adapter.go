package logger

import "stake_orchestrator/internal/app/port"

// slogAdapter implements port.Logger on top of the package-level functions, so services
// log through whatever backend main installed. attrs are prepended to every entry.
type slogAdapter struct {
	attrs []any
}

// NewSlogAdapter creates a port.Logger. attrs are key-value pairs added to every entry,
// for example "service", "stake-relay".
func NewSlogAdapter(attrs ...any) port.Logger {
	return &slogAdapter{attrs: attrs}
}

// Info logs an informational message.
func (a *slogAdapter) Info(msg string, args ...any) {
	Info(msg, a.with(args)...)
}

// Debug logs a debug message.
func (a *slogAdapter) Debug(msg string, args ...any) {
	Debug(msg, a.with(args)...)
}

// Warn logs a warning.
func (a *slogAdapter) Warn(msg string, args ...any) {
	Warn(msg, a.with(args)...)
}

// Error logs an error message.
func (a *slogAdapter) Error(msg string, args ...any) {
	Error(msg, a.with(args)...)
}

func (a *slogAdapter) with(args []any) []any {
	if len(a.attrs) == 0 {
		return args
	}
	out := make([]any, 0, len(a.attrs)+len(args))
	return append(append(out, a.attrs...), args...)
}
