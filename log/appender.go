package log

import (
	"time"

	"go.uber.org/zap/zapcore"
)

// LogAppender is an output destination for log entries.
type LogAppender interface {
	zapcore.WriteSyncer
	Close() error
}

// newEncoder returns the JSON encoder shared by all appenders.
func newEncoder() zapcore.Encoder {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeTime: func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(t.Local().Format("2006-01-02 15:04:05.000"))
		},
	}
	return zapcore.NewJSONEncoder(encCfg)
}

// newAppenderCore wraps an appender into a core filtered by level.
func newAppenderCore(a LogAppender, level zapcore.LevelEnabler) zapcore.Core {
	return zapcore.NewCore(newEncoder(), a, level)
}
