// Package log wires zerolog for the daemon: colored console output plus a
// rotated log file.
package log

import (
	"io"
	"path/filepath"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/jkaberg/gorrent/config"
)

const FileName = "gorrentd.log"

// Load configures the global logger from the log section of the config.
func Load(conf *config.Log) {
	level := zerolog.InfoLevel
	if conf.Debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	console := zerolog.ConsoleWriter{
		Out:        colorable.NewColorableStdout(),
		TimeFormat: time.RFC3339,
	}

	writers := []io.Writer{console}
	if conf.Path != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   filepath.Join(conf.Path, FileName),
			MaxSize:    conf.MaxSize,
			MaxBackups: conf.MaxBackups,
			MaxAge:     conf.MaxAge,
		})
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().Timestamp().Logger()
}
