package revalidate

import (
	"time"
)

// Logger is the structured logging interface used by every component in this
// module. Adapters bridge it to concrete logging libraries (see ZapAdapter).
type Logger interface {
	// Debug logs a message at debug level with optional structured fields.
	Debug(msg string, fields ...Field)

	// Info logs a message at info level with optional structured fields.
	Info(msg string, fields ...Field)

	// Warn logs a message at warning level with optional structured fields.
	Warn(msg string, fields ...Field)

	// Error logs a message at error level with optional structured fields.
	Error(msg string, fields ...Field)

	// Named creates a subsystem logger. Naming is implementation-specific.
	Named(name string) Logger
}

// Field is a structured logging key-value pair.
type Field interface {
	Key() string
	Value() any
	Type() FieldType
}

// FieldType lets adapters convert fields without reflection.
type FieldType int

const (
	FieldTypeUnknown FieldType = iota
	FieldTypeString
	FieldTypeStrings
	FieldTypeInt
	FieldTypeInt64
	FieldTypeBool
	FieldTypeDuration
	FieldTypeTime
	FieldTypeError
	FieldTypeAny
	FieldTypeStack
)

type field struct {
	key       string
	value     any
	fieldType FieldType
}

func (f field) Key() string     { return f.key }
func (f field) Value() any      { return f.value }
func (f field) Type() FieldType { return f.fieldType }

// String creates a string field.
func String(key, val string) Field {
	return field{key: key, value: val, fieldType: FieldTypeString}
}

// Strings creates a string slice field.
func Strings(key string, val []string) Field {
	return field{key: key, value: val, fieldType: FieldTypeStrings}
}

// Int creates an integer field.
func Int(key string, val int) Field {
	return field{key: key, value: val, fieldType: FieldTypeInt}
}

// Int64 creates a 64-bit integer field.
func Int64(key string, val int64) Field {
	return field{key: key, value: val, fieldType: FieldTypeInt64}
}

// Bool creates a boolean field.
func Bool(key string, val bool) Field {
	return field{key: key, value: val, fieldType: FieldTypeBool}
}

// Duration creates a time.Duration field.
func Duration(key string, val time.Duration) Field {
	return field{key: key, value: val, fieldType: FieldTypeDuration}
}

// Time creates a time.Time field.
func Time(key string, val time.Time) Field {
	return field{key: key, value: val, fieldType: FieldTypeTime}
}

// Error creates an error field with the key "error".
func Error(err error) Field {
	return field{key: "error", value: err, fieldType: FieldTypeError}
}

// Any creates a field with any type of value.
// This should be used sparingly as it may be less efficient than typed fields.
func Any(key string, val any) Field {
	return field{key: key, value: val, fieldType: FieldTypeAny}
}

// Stack creates a stack trace field with the key "stacktrace".
func Stack(val string) Field {
	return field{key: "stacktrace", value: val, fieldType: FieldTypeStack}
}

// NoOpLogger discards all log messages.
type NoOpLogger struct{}

func (NoOpLogger) Debug(string, ...Field) {}
func (NoOpLogger) Info(string, ...Field)  {}
func (NoOpLogger) Warn(string, ...Field)  {}
func (NoOpLogger) Error(string, ...Field) {}

// Named implements Logger.Named.
func (n NoOpLogger) Named(string) Logger { return n }

// NewNoOpLogger creates a new no-op logger.
func NewNoOpLogger() Logger {
	return NoOpLogger{}
}
