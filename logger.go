package sitecache

// Fields is a minimal structured field map for logs.
type Fields map[string]any

// With returns a copy of f extended by kv. f is left untouched so a base
// field set can be shared between goroutines.
func (f Fields) With(kv Fields) Fields {
	out := make(Fields, len(f)+len(kv))
	for k, v := range f {
		out[k] = v
	}
	for k, v := range kv {
		out[k] = v
	}
	return out
}

// Logger is a tiny leveled logger. Adapters for zap, logrus and slog live
// under log/. Every component defaults to NopLogger.
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
