// Package monitoring - logging.go configures the global zerolog logger.
package monitoring

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// SetupLogging points the global zerolog logger at the configured output.
// The returned closer releases a log file, if one was opened.
func SetupLogging(cfg LoggerConfig) (io.Closer, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var (
		out    io.Writer
		closer io.Closer = nopCloser{}
		isTTY  bool
	)
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
		isTTY = term.IsTerminal(int(os.Stdout.Fd()))
	case "stderr":
		out = os.Stderr
		isTTY = term.IsTerminal(int(os.Stderr.Fd()))
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Output), 0750); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out, closer = f, f
	}

	if useConsole(cfg.Format, isTTY) {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return closer, nil
}

// useConsole picks human-readable output for "console", and for "auto" on a terminal.
func useConsole(format string, isTTY bool) bool {
	switch format {
	case "console":
		return true
	case "json":
		return false
	default:
		return isTTY
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
