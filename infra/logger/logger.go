package logger

import corelogger "github.com/kilianp07/serverqueue/core/logger"

type (
	Logger    = corelogger.Logger
	NopLogger = corelogger.Nop
)

// New returns the zerolog-backed logger tagged with component.
func New(component string) Logger {
	return NewZerologLogger(component)
}
