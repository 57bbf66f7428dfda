// Package logging configures the global zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Settings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

func DefaultSettings() Settings {
	return Settings{Level: "info", Format: "auto"}
}

// New builds a logger writing to out. Format "auto" picks the console writer
// when out is a terminal and JSON otherwise.
func New(s Settings, out io.Writer, terminal bool) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if strings.TrimSpace(s.Level) != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(s.Level))
		if err != nil {
			return zerolog.Nop(), errors.Wrapf(err, "invalid log level %q", s.Level)
		}
		level = l
	}

	var w io.Writer
	switch strings.ToLower(s.Format) {
	case "json":
		w = out
	case "text", "console":
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: !terminal}
	case "", "auto":
		if terminal {
			w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		} else {
			w = out
		}
	default:
		return zerolog.Nop(), errors.Errorf("invalid log format %q", s.Format)
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

// Init replaces the global logger. Logs go to s.File when set, stderr
// otherwise.
func Init(s Settings) error {
	out := io.Writer(os.Stderr)
	terminal := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	if s.File != "" {
		f, err := os.OpenFile(s.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return errors.Wrapf(err, "open log file %s", s.File)
		}
		out = f
		terminal = false
	}
	logger, err := New(s, out, terminal)
	if err != nil {
		return err
	}
	log.Logger = logger
	zerolog.SetGlobalLevel(logger.GetLevel())
	return nil
}
