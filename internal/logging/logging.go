// Package logging provides structured logging functionality using Go's slog package.
// It supports text and JSON output, configurable levels, optional file
// rotation, and job-scoped helpers used throughout the scan pipeline.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	logDirPerm  = 0750
	logFilePerm = 0600
)

// LogLevel represents the available log levels.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogFormat represents the available log formats.
type LogFormat string

const (
	FormatText LogFormat = "text"
	FormatJSON LogFormat = "json"
)

// RotationConfig controls size-based rotation of file output.
type RotationConfig struct {
	Enabled    bool `yaml:"enabled" json:"enabled"`
	MaxSizeMB  int  `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days" json:"max_age_days"`
	Compress   bool `yaml:"compress" json:"compress"`
}

// Config holds logging configuration.
type Config struct {
	Level     LogLevel       `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn error"`
	Format    LogFormat      `yaml:"format" json:"format" validate:"omitempty,oneof=text json"`
	Output    string         `yaml:"output" json:"output"`
	AddSource bool           `yaml:"add_source" json:"add_source"`
	Rotation  RotationConfig `yaml:"rotation" json:"rotation"`
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Format: FormatText,
		Output: "stderr",
		Rotation: RotationConfig{
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// Logger wraps slog.Logger with additional functionality.
type Logger struct {
	*slog.Logger
	config Config
}

func parseLevel(level LogLevel) slog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func openOutput(cfg Config) (io.Writer, error) {
	switch cfg.Output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Output), logDirPerm); err != nil {
		return nil, err
	}
	if cfg.Rotation.Enabled {
		return &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.Rotation.MaxSizeMB,
			MaxBackups: cfg.Rotation.MaxBackups,
			MaxAge:     cfg.Rotation.MaxAgeDays,
			Compress:   cfg.Rotation.Compress,
		}, nil
	}
	return os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePerm)
}

// New creates a new structured logger with the given configuration.
func New(cfg Config) (*Logger, error) {
	writer, err := openOutput(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithWriter(cfg, writer), nil
}

// NewWithWriter creates a logger that writes to w, ignoring cfg.Output.
func NewWithWriter(cfg Config, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		config: cfg,
	}
}

// NewDefault creates a logger with default configuration.
func NewDefault() *Logger {
	return NewWithWriter(DefaultConfig(), os.Stderr)
}

// Discard returns a logger that drops every record.
func Discard() *Logger {
	return NewWithWriter(DefaultConfig(), io.Discard)
}

// WithFields adds structured fields to the logger.
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger: l.With(fields...),
		config: l.config,
	}
}

// WithComponent adds a component field to the logger.
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithJobID adds a job ID field to the logger.
func (l *Logger) WithJobID(jobID string) *Logger {
	return l.WithFields("job_id", jobID)
}

// WithTarget adds a target field to the logger.
func (l *Logger) WithTarget(target string) *Logger {
	return l.WithFields("target", target)
}

// WithTool adds a tool field to the logger.
func (l *Logger) WithTool(tool string) *Logger {
	return l.WithFields("tool", tool)
}

// InfoJob logs job lifecycle information.
func (l *Logger) InfoJob(msg, jobID string, fields ...any) {
	allFields := append([]any{"job_id", jobID}, fields...)
	l.Info(msg, allFields...)
}

// ErrorJob logs job lifecycle errors.
func (l *Logger) ErrorJob(msg, jobID string, err error, fields ...any) {
	allFields := append([]any{"job_id", jobID, "error", err}, fields...)
	l.Error(msg, allFields...)
}

// WarnRecovered logs a failure that a best-effort stage recovered from.
func (l *Logger) WarnRecovered(stage string, err error, fields ...any) {
	allFields := append([]any{"stage", stage, "error", err}, fields...)
	l.Warn("recovered from stage failure", allFields...)
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = NewDefault()
)

// SetDefault sets the default logger instance.
func SetDefault(logger *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

// Default returns the default logger instance.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// OrDefault returns l, or the default logger when l is nil.
func OrDefault(l *Logger) *Logger {
	if l != nil {
		return l
	}
	return Default()
}

// Debug logs at debug level using the default logger.
func Debug(msg string, fields ...any) {
	Default().Debug(msg, fields...)
}

// Info logs at info level using the default logger.
func Info(msg string, fields ...any) {
	Default().Info(msg, fields...)
}

// Warn logs at warn level using the default logger.
func Warn(msg string, fields ...any) {
	Default().Warn(msg, fields...)
}

// Error logs at error level using the default logger.
func Error(msg string, fields ...any) {
	Default().Error(msg, fields...)
}
