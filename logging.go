package main

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// zlog is the package logger. Tests and the CLI replace it with SetLogger.
var zlog = zerolog.New(os.Stderr).With().Timestamp().Logger()

// SetLogger installs the structured logger used by the model and CLI.
func SetLogger(l zerolog.Logger) { zlog = l }

// NewConsoleLogger returns a human-readable logger writing to w at level.
// Unknown levels fall back to info.
func NewConsoleLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
