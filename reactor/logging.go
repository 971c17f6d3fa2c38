package reactor

import (
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the structured logging facade used by reactor and stream:
// the teacher's own logiface/stumpy stack, wired exactly as
// logiface-stumpy's example_test.go demonstrates.
type Logger = *logiface.Logger[*stumpy.Event]

// NewLogger builds a Logger backed by stumpy's zero-alloc JSON writer.
func NewLogger() Logger {
	return stumpy.L.New()
}

// NewNopLogger builds a Logger with logging disabled, used as the
// nil-safe default when no logger is injected.
func NewNopLogger() Logger {
	return stumpy.L.New(logiface.WithLevel[*stumpy.Event](logiface.LevelDisabled))
}

var defaultLogger = NewNopLogger()

// orDefault returns l, or the package default nop logger if l is nil.
func orDefault(l Logger) Logger {
	if l == nil {
		return defaultLogger
	}
	return l
}
