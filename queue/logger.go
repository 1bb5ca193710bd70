package queue

import (
	"sort"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/aiagentinc/revalidate"
)

// LoggerAdapter exposes a revalidate.Logger as a watermill.LoggerAdapter so
// the router, gochannel and NATS transports log through the same sink as the
// rest of the service. Watermill's trace level is mapped to debug.
type LoggerAdapter struct {
	logger revalidate.Logger
	fields watermill.LogFields
}

var _ watermill.LoggerAdapter = (*LoggerAdapter)(nil)

// NewLoggerAdapter wraps logger. A nil logger discards everything.
func NewLoggerAdapter(logger revalidate.Logger) *LoggerAdapter {
	if logger == nil {
		logger = revalidate.NewNoOpLogger()
	}
	return &LoggerAdapter{logger: logger}
}

func (l *LoggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	l.logger.Error(msg, append(l.convert(fields), revalidate.Error(err))...)
}

func (l *LoggerAdapter) Info(msg string, fields watermill.LogFields) {
	l.logger.Info(msg, l.convert(fields)...)
}

func (l *LoggerAdapter) Debug(msg string, fields watermill.LogFields) {
	l.logger.Debug(msg, l.convert(fields)...)
}

func (l *LoggerAdapter) Trace(msg string, fields watermill.LogFields) {
	l.logger.Debug(msg, l.convert(fields)...)
}

func (l *LoggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &LoggerAdapter{
		logger: l.logger,
		fields: l.fields.Add(fields),
	}
}

// convert merges the adapter's bound fields with fields and returns them in
// key order, so log output is stable.
func (l *LoggerAdapter) convert(fields watermill.LogFields) []revalidate.Field {
	merged := l.fields.Add(fields)
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]revalidate.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, revalidate.Any(k, merged[k]))
	}
	return out
}
