package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// buildLogger wires the console writer and, when requested, a JSON log
// file. The returned closer is safe to call once.
func buildLogger(path string, quiet bool) (zerolog.Logger, func(), error) {
	level := zerolog.InfoLevel
	if quiet {
		level = zerolog.ErrorLevel
	}

	console := zerolog.ConsoleWriter{Out: os.Stderr}
	writers := []io.Writer{console}
	closeLog := func() {}

	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, f)
		closeLog = func() { f.Close() }
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().Timestamp().Logger()
	return logger, closeLog, nil
}
