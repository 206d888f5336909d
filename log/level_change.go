package log

import "go.uber.org/zap/zapcore"

// SetLevel changes the minimum level of x and every logger derived from it
// with With. It takes effect immediately for new events.
func (x *GameLogger) SetLevel(level Level) {
	x.level.SetLevel(level.zapLevel())
}

// GetLevel returns the current minimum level.
func (x *GameLogger) GetLevel() Level {
	switch x.level.Level() {
	case zapcore.DebugLevel:
		return DebugLevel
	case zapcore.InfoLevel:
		return InfoLevel
	case zapcore.WarnLevel:
		return WarnLevel
	case zapcore.ErrorLevel:
		return ErrorLevel
	}
	return FatalLevel
}

// SetLevel changes the default logger's minimum level.
func SetLevel(level Level) {
	_defaultLogger.SetLevel(level)
}
