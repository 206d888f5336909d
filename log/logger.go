// Package log provides structured, leveled logging with a fluent event API:
//
//	log.Info().Str("remote", addr).Int("frames", n).Msg("session opened")
//
// A process-wide default logger backs the package-level functions; it can be
// replaced with SetDefaultLogger after configuration is loaded.
package log

// Logger defines the interface for a logging component.
type Logger interface {
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	Fatal() *LogEvent
}

var _defaultLogger = NewLogger(DefaultLogCfg())

// Initialize validates cfg and installs a logger built from it as the
// default. A nil cfg selects the defaults.
func Initialize(cfg *LogCfg) error {
	if cfg == nil {
		cfg = DefaultLogCfg()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	SetDefaultLogger(NewLogger(cfg))
	return nil
}

// SetDefaultLogger replaces the default logger.
func SetDefaultLogger(logger *GameLogger) {
	_defaultLogger = logger
}

// Default returns the default logger.
func Default() *GameLogger {
	return _defaultLogger
}

// With returns a child of the default logger carrying key=value.
func With(key, value string) *GameLogger {
	return _defaultLogger.With(key, value)
}

// Close flushes and closes the default logger's appenders.
func Close() error {
	return _defaultLogger.Close()
}

func Debug() *LogEvent { return _defaultLogger.Debug() }
func Info() *LogEvent  { return _defaultLogger.Info() }
func Warn() *LogEvent  { return _defaultLogger.Warn() }
func Error() *LogEvent { return _defaultLogger.Error() }
func Fatal() *LogEvent { return _defaultLogger.Fatal() }
