package logger

// Logger is the structured logging surface used by every component.
// keyvals alternate key, value.
type Logger interface {
	Error(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Debug(msg string, keyvals ...any)
}

// OrNull returns l, or a NullLogger when l is nil.
func OrNull(l Logger) Logger {
	if l == nil {
		return NewNullLogger()
	}
	return l
}
