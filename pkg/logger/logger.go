// Package logger provides the shared logr.Logger backed by zerolog.
package logger

import (
	"os"
	"sync"

	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
)

var (
	once sync.Once
	root logr.Logger
)

// GetLogger returns the process-wide root logger. Components derive their
// own named loggers from it with WithName.
func GetLogger() logr.Logger {
	once.Do(func() {
		zerologr.NameFieldName = "logger"
		zerologr.NameSeparator = "/"

		zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
		root = zerologr.New(&zl)
	})
	return root
}

// SetVerbosity adjusts the global zerolog level; v<=0 is info, higher
// values progressively enable debug output.
func SetVerbosity(v int) {
	if v <= 0 {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		return
	}
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}
