package logging

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
)

var global atomic.Pointer[Logger]

func init() {
	global.Store(DefaultLogger())
}

// SetGlobal replaces the process-wide logger used by components built
// without one.
func SetGlobal(l *Logger) {
	if l == nil {
		l = Nop()
	}
	global.Store(l)
}

// Global returns the process-wide logger.
func Global() *Logger {
	return global.Load()
}

// Configure builds a stderr logger from the observability settings and
// installs it as the global logger. Libraries logging through zap's own
// globals write through it too.
func Configure(level, format string) *Logger {
	lvl := ParseLevel(level)
	l := New(Config{
		Level:     lvl,
		Format:    ParseFormat(format),
		Output:    os.Stderr,
		AddCaller: lvl == LevelDebug,
	})
	SetGlobal(l)
	zap.ReplaceGlobals(l.Zap())
	return l
}
