package statecache

// Fields is a minimal structured field map for logs.
type Fields map[string]any

// Logger is a tiny leveled logger. Provide an adapter around logging stack.
// If Logger is nil in an Options struct, logging is disabled.
type Logger interface {
	Debug(msg string, f Fields)
	Info(msg string, f Fields)
	Warn(msg string, f Fields)
	Error(msg string, f Fields)
}

type NopLogger struct{}

func (NopLogger) Debug(string, Fields) {}
func (NopLogger) Info(string, Fields)  {}
func (NopLogger) Warn(string, Fields)  {}
func (NopLogger) Error(string, Fields) {}

// fieldLogger adds a fixed set of fields to every call.
type fieldLogger struct {
	l     Logger
	fixed Fields
}

// withFields tags every message of l with f. A NopLogger is returned as is.
func withFields(l Logger, f Fields) Logger {
	if _, ok := l.(NopLogger); ok {
		return l
	}
	return fieldLogger{l: l, fixed: f}
}

func (fl fieldLogger) merge(f Fields) Fields {
	out := make(Fields, len(fl.fixed)+len(f))
	for k, v := range fl.fixed {
		out[k] = v
	}
	for k, v := range f {
		out[k] = v
	}
	return out
}

func (fl fieldLogger) Debug(msg string, f Fields) { fl.l.Debug(msg, fl.merge(f)) }
func (fl fieldLogger) Info(msg string, f Fields)  { fl.l.Info(msg, fl.merge(f)) }
func (fl fieldLogger) Warn(msg string, f Fields)  { fl.l.Warn(msg, fl.merge(f)) }
func (fl fieldLogger) Error(msg string, f Fields) { fl.l.Error(msg, fl.merge(f)) }
