package logger

import "sync"

// LoggerInstance defines the interface for logging backends.
type LoggerInstance interface {
	Debug(message string, keyvals ...any)
	Info(message string, keyvals ...any)
	Warn(message string, keyvals ...any)
	Error(message string, keyvals ...any)
	Fatal(message string, keyvals ...any)
}

type fanout struct {
	mu        sync.RWMutex
	instances []LoggerInstance
}

var root = &fanout{}

// Init replaces the configured logging backends.
// Calls made before Init are dropped.
func Init(instances ...LoggerInstance) {
	root.mu.Lock()
	defer root.mu.Unlock()
	root.instances = instances
}

func (f *fanout) each(fn func(LoggerInstance)) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, instance := range f.instances {
		fn(instance)
	}
}

// Debug writes a message at DEBUG level to all configured backends.
func Debug(message string, keyvals ...any) {
	root.each(func(l LoggerInstance) { l.Debug(message, keyvals...) })
}

// Info writes a message at INFO level to all configured backends.
func Info(message string, keyvals ...any) {
	root.each(func(l LoggerInstance) { l.Info(message, keyvals...) })
}

// Warn writes a message at WARN level to all configured backends.
func Warn(message string, keyvals ...any) {
	root.each(func(l LoggerInstance) { l.Warn(message, keyvals...) })
}

// Error writes a message at ERROR level to all configured backends.
func Error(message string, keyvals ...any) {
	root.each(func(l LoggerInstance) { l.Error(message, keyvals...) })
}

// Fatal writes a message at FATAL level and terminates the program.
func Fatal(message string, keyvals ...any) {
	root.each(func(l LoggerInstance) { l.Fatal(message, keyvals...) })
}

// Scope prefixes every message with a component tag, e.g. "[Loader]".
type Scope struct {
	prefix string
	fields []any
}

// With returns a scoped logger for one component.
func With(component string, keyvals ...any) Scope {
	return Scope{prefix: "[" + component + "] ", fields: keyvals}
}

func (s Scope) kv(keyvals []any) []any {
	if len(s.fields) == 0 {
		return keyvals
	}
	out := make([]any, 0, len(s.fields)+len(keyvals))
	out = append(out, s.fields...)
	return append(out, keyvals...)
}

func (s Scope) Debug(message string, keyvals ...any) { Debug(s.prefix+message, s.kv(keyvals)...) }
func (s Scope) Info(message string, keyvals ...any)  { Info(s.prefix+message, s.kv(keyvals)...) }
func (s Scope) Warn(message string, keyvals ...any)  { Warn(s.prefix+message, s.kv(keyvals)...) }
func (s Scope) Error(message string, keyvals ...any) { Error(s.prefix+message, s.kv(keyvals)...) }
