// Package corelog is the structured logging facade shared by every package
// in the stack. It binds github.com/joeycumines/logiface to the
// github.com/joeycumines/logiface-slog backend, so all components log
// through one consistent, low-overhead interface without depending on a
// package-level global (each component receives its *Logger at
// construction, see Config.Logger in the root package).
package corelog

import (
	"io"
	"log/slog"
	"os"

	"github.com/joeycumines/logiface"
	logifaceslog "github.com/joeycumines/logiface-slog"
)

// Logger is the concrete logger type passed to every aistack component.
type Logger = logiface.Logger[*logifaceslog.Event]

// Builder is the fluent event builder returned by a Logger's level methods
// (Debug, Info, Warning, Err...).
type Builder = logiface.Builder[*logifaceslog.Event]

// New constructs a Logger writing JSON lines to w at the given slog level.
func New(w io.Writer, level slog.Level) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return logiface.New[*logifaceslog.Event](logifaceslog.NewLogger(handler))
}

// Discard returns a Logger that drops all events; useful as a default when
// the caller supplies no Config.Logger, and in tests.
func Discard() *Logger {
	return New(io.Discard, slog.LevelError+1)
}

// Default returns a Logger writing to stderr at info level, the fallback
// used by aistack.New when Config.Logger is nil outside of tests.
func Default() *Logger {
	return New(os.Stderr, slog.LevelInfo)
}
