package log

import (
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// GameLogger is the Logger implementation backed by zap. Events are pooled
// and only allocated when their level is enabled.
type GameLogger struct {
	zl        *zap.Logger
	level     zap.AtomicLevel
	cfg       *LogCfg
	appenders []LogAppender
	eventPool *sync.Pool
}

var _ Logger = (*GameLogger)(nil)

// NewLogger creates a logger with the appenders enabled in cfg. A nil cfg
// selects the defaults. A file appender that cannot be opened is skipped and
// reported on the remaining outputs.
func NewLogger(cfg *LogCfg) *GameLogger {
	if cfg == nil {
		cfg = DefaultLogCfg()
	}
	level := zap.NewAtomicLevelAt(cfg.LogLevel.zapLevel())

	var (
		appenders []LogAppender
		openErr   error
	)
	if cfg.FileAppender {
		fa, err := NewFileAppender(cfg)
		if err != nil {
			openErr = err
		} else {
			appenders = append(appenders, fa)
		}
	}
	if cfg.ConsoleAppender || len(appenders) == 0 {
		appenders = append(appenders, NewConsoleAppender())
	}

	cores := make([]zapcore.Core, 0, len(appenders))
	for _, a := range appenders {
		cores = append(cores, newAppenderCore(a, level))
	}

	x := newGameLogger(zapcore.NewTee(cores...), level, cfg)
	x.appenders = appenders
	if openErr != nil {
		x.Error().Err(openErr).Str("path", cfg.LogPath).Msg("file appender disabled")
	}
	return x
}

// newGameLogger builds a logger over an arbitrary core.
func newGameLogger(core zapcore.Core, level zap.AtomicLevel, cfg *LogCfg) *GameLogger {
	opts := []zap.Option{}
	if cfg.EnabledCallerInfo {
		// The event methods add one frame between the caller and zap.
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(1+cfg.CallerSkip))
	}
	x := &GameLogger{
		zl:    zap.New(core, opts...),
		level: level,
		cfg:   cfg,
	}
	x.eventPool = &sync.Pool{
		New: func() any {
			return &LogEvent{fields: make([]zap.Field, 0, 8)}
		},
	}
	return x
}

// GetCurrentConfig returns the configuration the logger was built from.
func (x *GameLogger) GetCurrentConfig() *LogCfg {
	return x.cfg
}

// With returns a child logger that adds key=value to every event. The child
// shares level and outputs with its parent.
func (x *GameLogger) With(key, value string) *GameLogger {
	return &GameLogger{
		zl:        x.zl.With(zap.String(key, value)),
		level:     x.level,
		cfg:       x.cfg,
		eventPool: x.eventPool,
	}
}

func (x *GameLogger) Debug() *LogEvent { return x.newEvent(DebugLevel) }
func (x *GameLogger) Info() *LogEvent  { return x.newEvent(InfoLevel) }
func (x *GameLogger) Warn() *LogEvent  { return x.newEvent(WarnLevel) }
func (x *GameLogger) Error() *LogEvent { return x.newEvent(ErrorLevel) }
func (x *GameLogger) Fatal() *LogEvent { return x.newEvent(FatalLevel) }

// newEvent returns nil when level is disabled; every LogEvent method accepts
// a nil receiver.
func (x *GameLogger) newEvent(level Level) *LogEvent {
	if !x.zl.Core().Enabled(level.zapLevel()) {
		return nil
	}
	e, _ := x.eventPool.Get().(*LogEvent)
	e.logger = x
	e.level = level
	return e
}

// OnEventEnd returns a finished event to the pool.
func (x *GameLogger) OnEventEnd(e *LogEvent) {
	e.logger = nil
	e.fields = e.fields[:0]
	x.eventPool.Put(e)
}

// Sync flushes buffered entries.
func (x *GameLogger) Sync() error {
	return x.zl.Sync()
}

// Close flushes and closes every appender.
func (x *GameLogger) Close() error {
	err := x.zl.Sync()
	for _, a := range x.appenders {
		err = multierr.Append(err, a.Close())
	}
	return err
}
