package logger

// NullLogger discards everything. It is the default for library components.
type NullLogger struct{}

func NewNullLogger() *NullLogger { return &NullLogger{} }

func (n *NullLogger) Debug(msg string, keyvals ...any) {}
func (n *NullLogger) Info(msg string, keyvals ...any)  {}
func (n *NullLogger) Error(msg string, keyvals ...any) {}
