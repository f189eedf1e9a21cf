// Package obslog provides the structured logging surface shared by
// pool, asyncctx, and quota.
//
// It wraps github.com/joeycumines/logiface (the generic structured
// logging core) with github.com/joeycumines/stumpy (a JSON event
// backend) as the default writer, following the same package-level
// configuration pattern eventloop.SetStructuredLogger uses: a single
// process-wide logger, swappable by the embedding application, with a
// ready-to-use default (informational level) so the core never requires
// explicit wiring to run.
package obslog

import (
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the structured logger type used throughout this module.
// It is a type alias for the concrete stumpy-backed logiface logger,
// so callers can configure it with any logiface.Option[*stumpy.Event]
// or stumpy.L option.
type Logger = logiface.Logger[*stumpy.Event]

var (
	current struct {
		sync.RWMutex
		logger *Logger
	}
)

func init() {
	current.logger = newDefaultLogger()
}

func newDefaultLogger() *Logger {
	return stumpy.L.New(
		stumpy.L.WithStumpy(),
		stumpy.L.WithLevel(logiface.LevelInformational),
	)
}

// SetLogger installs the process-wide logger used by this module's
// packages. Passing nil restores the default (informational level,
// stumpy's default writer to os.Stderr).
func SetLogger(logger *Logger) {
	current.Lock()
	defer current.Unlock()
	if logger == nil {
		logger = newDefaultLogger()
	}
	current.logger = logger
}

// Get returns the currently installed logger.
func Get() *Logger {
	current.RLock()
	defer current.RUnlock()
	return current.logger
}
