package revalidate

import (
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapAdapter adapts a zap.Logger to the Logger interface.
type ZapAdapter struct {
	logger *zap.Logger
}

// NewZapAdapter creates a new ZapAdapter from an existing zap.Logger.
func NewZapAdapter(logger *zap.Logger) (*ZapAdapter, error) {
	if logger == nil {
		return nil, ErrNilLogger
	}
	return &ZapAdapter{logger: logger}, nil
}

// Debug logs a message at debug level with optional structured fields.
func (z *ZapAdapter) Debug(msg string, fields ...Field) {
	z.write(zapcore.DebugLevel, msg, fields)
}

// Info logs a message at info level with optional structured fields.
func (z *ZapAdapter) Info(msg string, fields ...Field) {
	z.write(zapcore.InfoLevel, msg, fields)
}

// Warn logs a message at warning level with optional structured fields.
func (z *ZapAdapter) Warn(msg string, fields ...Field) {
	z.write(zapcore.WarnLevel, msg, fields)
}

// Error logs a message at error level with optional structured fields.
func (z *ZapAdapter) Error(msg string, fields ...Field) {
	z.write(zapcore.ErrorLevel, msg, fields)
}

// Named creates a new Logger instance with the specified name.
func (z *ZapAdapter) Named(name string) Logger {
	return &ZapAdapter{logger: z.logger.Named(name)}
}

// write skips field conversion entirely when the level is disabled.
func (z *ZapAdapter) write(level zapcore.Level, msg string, fields []Field) {
	if ce := z.logger.Check(level, msg); ce != nil {
		ce.Write(convertFields(fields)...)
	}
}

func convertFields(fields []Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}

	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		if f == nil {
			continue
		}

		switch f.Type() {
		case FieldTypeString, FieldTypeStack:
			if v, ok := f.Value().(string); ok {
				out = append(out, zap.String(f.Key(), v))
			}
		case FieldTypeStrings:
			if v, ok := f.Value().([]string); ok {
				out = append(out, zap.Strings(f.Key(), v))
			}
		case FieldTypeInt:
			if v, ok := f.Value().(int); ok {
				out = append(out, zap.Int(f.Key(), v))
			}
		case FieldTypeInt64:
			if v, ok := f.Value().(int64); ok {
				out = append(out, zap.Int64(f.Key(), v))
			}
		case FieldTypeBool:
			if v, ok := f.Value().(bool); ok {
				out = append(out, zap.Bool(f.Key(), v))
			}
		case FieldTypeDuration:
			if v, ok := f.Value().(time.Duration); ok {
				out = append(out, zap.Duration(f.Key(), v))
			}
		case FieldTypeTime:
			if v, ok := f.Value().(time.Time); ok {
				out = append(out, zap.Time(f.Key(), v))
			}
		case FieldTypeError:
			if err, ok := f.Value().(error); ok && err != nil {
				out = append(out, zap.NamedError(f.Key(), err))
			}
		default:
			out = append(out, zap.Any(f.Key(), f.Value()))
		}
	}
	return out
}

func captureStack() string {
	return string(debug.Stack())
}
