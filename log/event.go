package log

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// LogEvent accumulates the fields of one log entry. It is obtained from a
// Logger level method and must be finished with Msg, Msgf or End; it is
// recycled afterwards and must not be reused. All methods accept a nil
// receiver, which is what a disabled level returns.
type LogEvent struct {
	logger *GameLogger
	level  Level
	fields []zap.Field
}

func (e *LogEvent) add(f zap.Field) *LogEvent {
	if e == nil {
		return nil
	}
	e.fields = append(e.fields, f)
	return e
}

func (e *LogEvent) Str(k string, v string) *LogEvent      { return e.add(zap.String(k, v)) }
func (e *LogEvent) Strs(k string, v []string) *LogEvent   { return e.add(zap.Strings(k, v)) }
func (e *LogEvent) Int(k string, v int) *LogEvent         { return e.add(zap.Int(k, v)) }
func (e *LogEvent) Int32(k string, v int32) *LogEvent     { return e.add(zap.Int32(k, v)) }
func (e *LogEvent) Int64(k string, v int64) *LogEvent     { return e.add(zap.Int64(k, v)) }
func (e *LogEvent) Uint8(k string, v uint8) *LogEvent     { return e.add(zap.Uint8(k, v)) }
func (e *LogEvent) Uint16(k string, v uint16) *LogEvent   { return e.add(zap.Uint16(k, v)) }
func (e *LogEvent) Uint32(k string, v uint32) *LogEvent   { return e.add(zap.Uint32(k, v)) }
func (e *LogEvent) Uint64(k string, v uint64) *LogEvent   { return e.add(zap.Uint64(k, v)) }
func (e *LogEvent) Float64(k string, v float64) *LogEvent { return e.add(zap.Float64(k, v)) }
func (e *LogEvent) Bool(k string, v bool) *LogEvent       { return e.add(zap.Bool(k, v)) }
func (e *LogEvent) Dur(k string, v time.Duration) *LogEvent {
	return e.add(zap.Duration(k, v))
}
func (e *LogEvent) Time(k string, v time.Time) *LogEvent { return e.add(zap.Time(k, v)) }

// Stringer logs v.String(), or null for a nil v.
func (e *LogEvent) Stringer(k string, v fmt.Stringer) *LogEvent {
	return e.add(zap.Stringer(k, v))
}

// Err logs err under the "error" key. A nil error is omitted.
func (e *LogEvent) Err(err error) *LogEvent {
	if err == nil {
		return e
	}
	return e.add(zap.Error(err))
}

// Any logs v using reflection-based encoding.
func (e *LogEvent) Any(k string, v any) *LogEvent { return e.add(zap.Any(k, v)) }

// Msg writes the entry with message v.
func (e *LogEvent) Msg(v string) {
	if e == nil {
		return
	}
	if ce := e.logger.zl.Check(e.level.zapLevel(), v); ce != nil {
		ce.Write(e.fields...)
	}
	e.logger.OnEventEnd(e)
}

// Msgf writes the entry with a formatted message.
func (e *LogEvent) Msgf(format string, args ...any) {
	if e == nil {
		return
	}
	if ce := e.logger.zl.Check(e.level.zapLevel(), fmt.Sprintf(format, args...)); ce != nil {
		ce.Write(e.fields...)
	}
	e.logger.OnEventEnd(e)
}

// End writes the entry without a message.
func (e *LogEvent) End() {
	if e == nil {
		return
	}
	if ce := e.logger.zl.Check(e.level.zapLevel(), ""); ce != nil {
		ce.Write(e.fields...)
	}
	e.logger.OnEventEnd(e)
}
