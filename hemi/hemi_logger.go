// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Loggers log events.

package hemi

import (
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogConfig
type LogConfig struct {
	Sign   string // "console", "json", "noop", ...
	Target string // "stderr", "stdout", "/path/to/file.log"
	Level  string // "debug", "info", "warn", "error"
}

var (
	loggersLock    sync.RWMutex
	loggerCreators = make(map[string]func(config *LogConfig, out io.Writer) zerolog.Logger) // indexed by loggerSign
)

func RegisterLogger(loggerSign string, create func(config *LogConfig, out io.Writer) zerolog.Logger) {
	loggersLock.Lock()
	defer loggersLock.Unlock()

	if _, ok := loggerCreators[loggerSign]; ok {
		BugExitln("logger conflicts")
	}
	loggerCreators[loggerSign] = create
}
func loggerRegistered(loggerSign string) bool {
	loggersLock.RLock()
	_, ok := loggerCreators[loggerSign]
	loggersLock.RUnlock()
	return ok
}

var errUnknownLogger = errors.New("unknown logger sign")

// createLogger creates a logger as config says. The returned closer must be closed when the logger is no longer used.
func createLogger(config *LogConfig) (zerolog.Logger, io.Closer, error) {
	loggersLock.RLock()
	create := loggerCreators[config.Sign]
	loggersLock.RUnlock()
	if create == nil {
		return zerolog.Nop(), nil, errUnknownLogger
	}
	level := zerolog.InfoLevel
	if config.Level != "" {
		parsed, err := zerolog.ParseLevel(config.Level)
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		level = parsed
	}
	if DebugLevel() >= 1 {
		level = zerolog.DebugLevel
	}
	var (
		out    io.Writer
		closer io.Closer
	)
	switch config.Target {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		file, err := os.OpenFile(config.Target, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		out, closer = file, file
	}
	return create(config, out).Level(level), closer, nil
}

func init() {
	RegisterLogger("noop", func(config *LogConfig, out io.Writer) zerolog.Logger {
		return zerolog.Nop()
	})
	RegisterLogger("json", func(config *LogConfig, out io.Writer) zerolog.Logger {
		return zerolog.New(out).With().Timestamp().Logger()
	})
	RegisterLogger("console", func(config *LogConfig, out io.Writer) zerolog.Logger {
		return zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: true}).With().Timestamp().Logger()
	})
}
