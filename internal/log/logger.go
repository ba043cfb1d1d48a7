package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	once   sync.Once
	logger *slog.Logger
)

// Rotation configures file output. An empty Filename keeps logs on stdout.
type Rotation struct {
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	Compress   bool
}

// Setup initializes the global logger writing JSON to stdout.
// logic: default to INFO. If level is invalid, fallback to INFO.
func Setup(level string) {
	SetupWithRotation(level, Rotation{})
}

// SetupWithRotation initializes the global logger, writing to a rotating
// file when rot.Filename is set.
func SetupWithRotation(level string, rot Rotation) {
	once.Do(func() {
		var out io.Writer = os.Stdout
		if rot.Filename != "" {
			out = &lumberjack.Logger{
				Filename:   rot.Filename,
				MaxSize:    rot.MaxSizeMB,
				MaxBackups: rot.MaxBackups,
				Compress:   rot.Compress,
			}
		}
		logger = newLogger(level, out)
		slog.SetDefault(logger)
	})
}

func newLogger(level string, out io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the configured logger, or a default one if Setup hasn't been called.
func Get() *slog.Logger {
	if logger == nil {
		Setup("INFO")
	}
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithToken returns a logger with the correlation token field set.
func WithToken(token string) *slog.Logger {
	return Get().With(slog.String("token", token))
}

// WithMethod returns a logger with the channel method field set.
func WithMethod(method string) *slog.Logger {
	return Get().With(slog.String("method", method))
}

// Info logs at INFO level.
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Debug logs at DEBUG level.
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// Warn logs at WARN level.
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}
