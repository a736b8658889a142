// Package xlog is the process-wide logger. It keeps printf-style helpers on
// top of zerolog's structured JSON output.
package xlog

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Str("service", "sockdispatch").Logger()

// Config selects level and output of the logger.
type Config struct {
	Level      string `yaml:"level"`
	Output     string `yaml:"output"`
	TimeFormat string `yaml:"time_format"`
}

// Init replaces the global logger. It must be called before any goroutine
// starts logging.
func Init(cfg Config) error {
	var output io.Writer = os.Stdout
	switch cfg.Output {
	case "", "stdout":
	case "stderr":
		output = os.Stderr
	default:
		return fmt.Errorf("unknown log output %q", cfg.Output)
	}

	level := zerolog.InfoLevel
	if cfg.Level != "" {
		var err error
		level, err = zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return err
		}
	}

	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	} else {
		zerolog.TimeFieldFormat = time.RFC3339
	}

	SetOutput(output, level)
	return nil
}

// SetOutput points the logger at w. Tests use it to capture output.
func SetOutput(w io.Writer, level zerolog.Level) {
	logger = zerolog.New(w).Level(level).With().Timestamp().Str("service", "sockdispatch").Logger()
}

func Infof(format string, v ...interface{}) {
	logger.Info().Msgf(format, v...)
}

func Errorf(format string, v ...interface{}) {
	logger.Error().Msgf(format, v...)
}

func Warnf(format string, v ...interface{}) {
	logger.Warn().Msgf(format, v...)
}

func Debugf(format string, v ...interface{}) {
	logger.Debug().Msgf(format, v...)
}

// Logger is a logger scoped to one component.
type Logger struct {
	zl zerolog.Logger
}

// With returns a logger that tags every line with component.
func With(component string) Logger {
	return Logger{logger.With().Str("component", component).Logger()}
}

func (l Logger) Infof(format string, v ...interface{})  { l.zl.Info().Msgf(format, v...) }
func (l Logger) Errorf(format string, v ...interface{}) { l.zl.Error().Msgf(format, v...) }
func (l Logger) Warnf(format string, v ...interface{})  { l.zl.Warn().Msgf(format, v...) }
func (l Logger) Debugf(format string, v ...interface{}) { l.zl.Debug().Msgf(format, v...) }

// Zerolog exposes the underlying logger for structured fields.
func (l Logger) Zerolog() zerolog.Logger {
	return l.zl
}
