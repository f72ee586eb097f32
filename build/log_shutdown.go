package build

import (
	"sync"

	"github.com/btcsuite/btclog"
)

// ShutdownLogger is a logger that asks the process to shut down the first
// time something is logged at the critical level.
type ShutdownLogger struct {
	btclog.Logger

	shutdown     func()
	shutdownOnce sync.Once
}

// NewShutdownLogger wraps logger so critical messages call shutdown.
func NewShutdownLogger(logger btclog.Logger, shutdown func()) *ShutdownLogger {
	return &ShutdownLogger{
		Logger:   logger,
		shutdown: shutdown,
	}
}

func (s *ShutdownLogger) requestShutdown() {
	s.shutdownOnce.Do(func() {
		s.Logger.Info("Critical error logged, requesting shutdown")
		s.shutdown()
	})
}

// Criticalf logs at the critical level and requests a shutdown.
//
// NOTE: This method is part of the btclog.Logger interface.
func (s *ShutdownLogger) Criticalf(format string, params ...interface{}) {
	s.Logger.Criticalf(format, params...)
	s.requestShutdown()
}

// Critical logs at the critical level and requests a shutdown.
//
// NOTE: This method is part of the btclog.Logger interface.
func (s *ShutdownLogger) Critical(v ...interface{}) {
	s.Logger.Critical(v...)
	s.requestShutdown()
}
