package log

import (
	"os"

	"go.uber.org/zap/zapcore"
)

// ConsoleAppender writes log entries to stdout.
type ConsoleAppender struct {
	zapcore.WriteSyncer
}

// NewConsoleAppender creates a stdout appender safe for concurrent use.
func NewConsoleAppender() *ConsoleAppender {
	return &ConsoleAppender{WriteSyncer: zapcore.Lock(os.Stdout)}
}

// Close is a no-op; stdout stays open for the life of the process.
func (ca *ConsoleAppender) Close() error {
	return nil
}
