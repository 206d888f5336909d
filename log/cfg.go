package log

import (
	"fmt"
	"path/filepath"
)

// LogCfg configures the process logger.
type LogCfg struct {
	// LogPath is the log file used by the file appender.
	LogPath string `mapstructure:"path"`

	// LogLevel is the minimum level written. It can be changed at runtime
	// with SetLevel.
	LogLevel Level `mapstructure:"level"`

	// FileSplitMB rotates the log file once it grows past this size.
	FileSplitMB int `mapstructure:"splitMB"`

	// MaxBackups is the number of rotated files kept; zero keeps all.
	MaxBackups int `mapstructure:"maxBackups"`

	// MaxAgeDays removes rotated files older than this; zero keeps all.
	MaxAgeDays int `mapstructure:"maxAgeDays"`

	// Compress gzips rotated files.
	Compress bool `mapstructure:"compress"`

	// CallerSkip adds stack frames to skip for wrappers around this package.
	CallerSkip int `mapstructure:"callerSkip"`

	FileAppender      bool `mapstructure:"fileAppender"`
	ConsoleAppender   bool `mapstructure:"consoleAppender"`
	EnabledCallerInfo bool `mapstructure:"enabledCallerInfo"`
}

// GetName returns the configuration key for LogCfg.
func (cfg *LogCfg) GetName() string {
	return "log"
}

// Validate checks the configuration for consistency.
func (cfg *LogCfg) Validate() error {
	if cfg.LogLevel < TraceLevel || cfg.LogLevel > FatalLevel {
		return fmt.Errorf("invalid log level: %d, must be between %d (Trace) and %d (Fatal)",
			cfg.LogLevel, TraceLevel, FatalLevel)
	}
	if cfg.FileAppender && (cfg.FileSplitMB < 1 || cfg.FileSplitMB > 1024) {
		return fmt.Errorf("file split size must be between 1MB and 1024MB, got %dMB", cfg.FileSplitMB)
	}
	if cfg.MaxBackups < 0 || cfg.MaxAgeDays < 0 {
		return fmt.Errorf("maxBackups and maxAgeDays must be non-negative")
	}
	if cfg.CallerSkip < 0 {
		return fmt.Errorf("caller skip must be non-negative, got %d", cfg.CallerSkip)
	}
	if cfg.FileAppender && cfg.LogPath == "" {
		return fmt.Errorf("log path cannot be empty when file appender is enabled")
	}
	if cfg.FileAppender {
		cfg.LogPath = filepath.Clean(cfg.LogPath)
	}
	if !cfg.FileAppender && !cfg.ConsoleAppender {
		return fmt.Errorf("at least one appender (file or console) must be enabled")
	}
	return nil
}

// DefaultLogCfg logs info and above to the console.
func DefaultLogCfg() *LogCfg {
	return &LogCfg{
		LogPath:           "./conduit.log",
		LogLevel:          InfoLevel,
		FileSplitMB:       50,
		ConsoleAppender:   true,
		EnabledCallerInfo: true,
	}
}
