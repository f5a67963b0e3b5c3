package logger

import "sync/atomic"

var defLogger atomic.Pointer[Logger]

func init() {
	l := NewSlog(InfoLevel, false)
	defLogger.Store(&l)
}

// GetLogger returns the process wide fallback logger, used by components
// constructed without an explicit logger.
func GetLogger() Logger {
	return *defLogger.Load()
}

// SetDefault replaces the fallback logger. Components already constructed keep
// the logger they captured.
func SetDefault(l Logger) {
	if l != nil {
		defLogger.Store(&l)
	}
}

// SetLevel changes the level of the fallback logger.
func SetLevel(level LogLevel) {
	GetLogger().SetLevel(level)
}
