// Package logging wires up the module-wide zerolog.Logger used by every
// other package's "component" sub-logger convention
// (log.Logger.With().Str("component", "...").Logger()).
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/rqbitfuse/rqbitfuse/config"
)

// Init configures the global zerolog logger from cfg and returns it.
// The logger is also installed as zerolog/log's global log.Logger, from
// which the other packages derive their component sub-loggers.
func Init(cfg config.Logging) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var writers []io.Writer
	if cfg.Pretty {
		writers = append(writers, zerolog.ConsoleWriter{Out: colorable.NewColorableStdout()})
	} else {
		writers = append(writers, os.Stdout)
	}
	if cfg.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		})
	}

	out := io.MultiWriter(writers...)
	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}
