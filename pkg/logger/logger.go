package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig enables a rotating log file alongside stdout.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Init initializes the logger
func Init(level, format string) {
	setLevel(level)
	log.Logger = zerolog.New(stdout(format)).With().Timestamp().Logger()
}

// InitWithFile initializes the logger and also writes JSON lines to a
// rotating file. The returned function closes the file.
func InitWithFile(level, format string, file FileConfig) (func() error, error) {
	if file.Path == "" {
		Init(level, format)
		return func() error { return nil }, nil
	}
	if err := os.MkdirAll(filepath.Dir(file.Path), 0o755); err != nil {
		return nil, err
	}

	lj := &lumberjack.Logger{
		Filename:   file.Path,
		MaxSize:    file.MaxSizeMB,
		MaxBackups: file.MaxBackups,
		MaxAge:     file.MaxAgeDays,
		Compress:   true,
		LocalTime:  true,
	}
	setLevel(level)
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(stdout(format), lj)).With().Timestamp().Logger()
	return lj.Close, nil
}

func setLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func stdout(format string) io.Writer {
	if format == "console" {
		return zerolog.ConsoleWriter{Out: os.Stdout}
	}
	return os.Stdout
}

// Get returns the global logger
func Get() zerolog.Logger {
	return log.Logger
}

// Component returns the global logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}
