package logger

import (
	"fmt"
	"time"

	phlog "github.com/oarkflow/log"
)

// PhusluLogger writes through the package-level oarkflow/log logger.
type PhusluLogger struct {
	component string
}

// NewPhusluLogger returns a logger that tags each line with component when
// it is not empty.
func NewPhusluLogger(component string) *PhusluLogger {
	return &PhusluLogger{component: component}
}

func (p *PhusluLogger) Debug(msg string, keyvals ...any) {
	p.write(phlog.Debug(), msg, keyvals)
}

func (p *PhusluLogger) Info(msg string, keyvals ...any) {
	p.write(phlog.Info(), msg, keyvals)
}

func (p *PhusluLogger) Error(msg string, keyvals ...any) {
	p.write(phlog.Error(), msg, keyvals)
}

func (p *PhusluLogger) write(e *phlog.Entry, msg string, keyvals []any) {
	if e == nil {
		return
	}
	if p.component != "" {
		e = e.Str("component", p.component)
	}
	for i := 0; i < len(keyvals)-1; i += 2 {
		ks := fmt.Sprint(keyvals[i])
		switch v := keyvals[i+1].(type) {
		case string:
			e = e.Str(ks, v)
		case bool:
			e = e.Bool(ks, v)
		case int:
			e = e.Int(ks, v)
		case int64:
			e = e.Int64(ks, v)
		case time.Duration:
			e = e.Dur(ks, v)
		case error:
			e = e.Str(ks, v.Error())
		case fmt.Stringer:
			e = e.Str(ks, v.String())
		default:
			e = e.Any(ks, v)
		}
	}
	e.Msg(msg)
}
