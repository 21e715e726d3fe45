package logger

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SLogLogger sends engine events to a *slog.Logger. The CLI uses it for
// ACCESS_LOG_FORMAT=text.
type SLogLogger struct {
	base *slog.Logger
}

// NewSLogLogger falls back to slog.Default when l is nil.
func NewSLogLogger(l *slog.Logger) *SLogLogger {
	if l == nil {
		l = slog.Default()
	}
	return &SLogLogger{base: l}
}

func (s *SLogLogger) Debug(msg string, keyvals ...any) { s.emit(slog.LevelDebug, msg, keyvals) }
func (s *SLogLogger) Info(msg string, keyvals ...any)  { s.emit(slog.LevelInfo, msg, keyvals) }
func (s *SLogLogger) Error(msg string, keyvals ...any) { s.emit(slog.LevelError, msg, keyvals) }

func (s *SLogLogger) emit(level slog.Level, msg string, keyvals []any) {
	ctx := context.Background()
	if !s.base.Enabled(ctx, level) {
		return
	}
	s.base.LogAttrs(ctx, level, msg, pairs(keyvals)...)
}

// pairs turns alternating keys and values into attributes. A trailing key
// without a value is kept under "extra".
func pairs(keyvals []any) []slog.Attr {
	attrs := make([]slog.Attr, 0, (len(keyvals)+1)/2)
	for i := 0; i < len(keyvals); i += 2 {
		if i+1 == len(keyvals) {
			attrs = append(attrs, slog.Any("extra", keyvals[i]))
			break
		}
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprint(keyvals[i])
		}
		attrs = append(attrs, attr(key, keyvals[i+1]))
	}
	return attrs
}

func attr(key string, v any) slog.Attr {
	switch val := v.(type) {
	case error:
		return slog.String(key, val.Error())
	case time.Duration:
		return slog.Duration(key, val)
	case time.Time:
		return slog.Time(key, val)
	case int64:
		return slog.Int64(key, val)
	default:
		return slog.Any(key, val)
	}
}
