package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger is a structured key/value logger backed by logrus
type Logger struct {
	entry *logrus.Entry
	base  *logrus.Logger
}

// NewLogger creates a JSON logger writing to stderr at the given level
func NewLogger(level, component string) *Logger {
	return NewLoggerWithOutput(level, component, os.Stderr)
}

// NewLoggerWithOutput creates a logger writing to w
func NewLoggerWithOutput(level, component string, w io.Writer) *Logger {
	base := logrus.New()
	base.SetOutput(w)
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg: "msg",
		},
	})

	l := &Logger{base: base}
	l.SetLevel(level)

	entry := logrus.NewEntry(base)
	if component != "" {
		entry = entry.WithField("component", component)
	}
	l.entry = entry
	return l
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return NewLoggerWithOutput("error", "", io.Discard)
}

// SetLevel changes the log level; unknown levels fall back to info
func (l *Logger) SetLevel(level string) {
	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.base.SetLevel(lvl)
}

// SetOutputFile appends log output to path in addition to nothing else
func (l *Logger) SetOutputFile(path string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	l.base.SetOutput(io.MultiWriter(os.Stderr, f))
	return nil
}

// With returns a child logger carrying the given key/value pairs
func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{base: l.base, entry: l.entry.WithFields(fields(kv))}
}

func (l *Logger) Trace(msg string, kv ...interface{}) {
	l.entry.WithFields(fields(kv)).Trace(msg)
}

func (l *Logger) Debug(msg string, kv ...interface{}) {
	l.entry.WithFields(fields(kv)).Debug(msg)
}

func (l *Logger) Info(msg string, kv ...interface{}) {
	l.entry.WithFields(fields(kv)).Info(msg)
}

func (l *Logger) Warn(msg string, kv ...interface{}) {
	l.entry.WithFields(fields(kv)).Warn(msg)
}

func (l *Logger) Error(msg string, kv ...interface{}) {
	l.entry.WithFields(fields(kv)).Error(msg)
}

// LogSwitch records a committed algorithm switch
func (l *Logger) LogSwitch(from, to, source, reason string) {
	l.entry.WithFields(logrus.Fields{
		"event":  "switch",
		"from":   from,
		"to":     to,
		"source": source,
		"reason": reason,
	}).Info("Congestion control switched")
}

// LogStateChange records a transition of a named piece of state
func (l *Logger) LogStateChange(what, from, to, reason string) {
	l.entry.WithFields(logrus.Fields{
		"event":  "state_change",
		"what":   what,
		"from":   from,
		"to":     to,
		"reason": reason,
	}).Info("State changed")
}

// LogDebugVerbose logs an event with a field map at debug level
func (l *Logger) LogDebugVerbose(event string, data map[string]interface{}) {
	l.entry.WithFields(logrus.Fields(data)).WithField("event", event).Debug(event)
}

// fields converts alternating key/value arguments into logrus fields. A single
// map argument is accepted as well.
func fields(kv []interface{}) logrus.Fields {
	f := logrus.Fields{}
	if len(kv) == 1 {
		if m, ok := kv[0].(map[string]interface{}); ok {
			for k, v := range m {
				f[k] = v
			}
			return f
		}
	}
	for i := 0; i < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		if i+1 >= len(kv) {
			f["extra"] = kv[i]
			break
		}
		v := kv[i+1]
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		f[key] = v
	}
	return f
}
