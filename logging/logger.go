// Package logging provides structured logging for samotop.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net"
	"os"
	"slices"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the logging level
type LogLevel int

const (
	// DEBUG level for debug messages
	DEBUG LogLevel = iota
	// INFO level for information messages
	INFO
	// WARN level for warning messages
	WARN
	// ERROR level for error messages
	ERROR
)

const (
	// DebugLevel represents the debug log level
	DebugLevel = "DEBUG"
	// InfoLevel represents the info log level
	InfoLevel = "INFO"
	// WarnLevel represents the warn log level
	WarnLevel = "WARN"
	// ErrorLevel represents the error log level
	ErrorLevel = "ERROR"
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return DebugLevel
	case WARN:
		return WarnLevel
	case ERROR:
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// ParseLogLevel converts string to LogLevel. Unknown names mean INFO.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case DebugLevel:
		return DEBUG
	case WarnLevel, "WARNING":
		return WARN
	case ErrorLevel:
		return ERROR
	default:
		return INFO
	}
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value interface{}
}

// F is a convenience function for creating fields
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Logger interface for structured logging
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, err error, fields ...Field)
	With(fields ...Field) Logger
	SetLevel(level LogLevel)
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level          LogLevel
	Format         string // "json" or "text"
	Output         string // "stdout", "syslog", "tcp", "udp"
	RemoteAddr     string // for tcp/udp output
	SyslogFacility string
}

// DefaultConfig returns default logging configuration
func DefaultConfig() LogConfig {
	return LogConfig{
		Level:          INFO,
		Format:         "json",
		Output:         "stdout",
		SyslogFacility: "mail",
	}
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Redaction is left to call sites, where the meaning of a field is known.

// NewLogger creates a new logger based on configuration
func NewLogger(config *LogConfig) (Logger, error) {
	switch config.Output {
	case "syslog":
		return NewSyslogLogger(config)
	case "tcp", "udp":
		return NewRemoteLogger(config.Output, config)
	case "", "stdout":
		return NewStdoutLogger(config), nil
	default:
		return nil, fmt.Errorf("unknown log output %q", config.Output)
	}
}

// sink delivers one formatted entry.
type sink func(level LogLevel, data []byte)

// logger is shared by every output; only the sink differs.
type logger struct {
	mu     *sync.Mutex
	level  *LogLevel
	format string
	fields map[string]interface{}
	out    sink
}

func newLogger(config *LogConfig, out sink) *logger {
	level := config.Level
	return &logger{mu: &sync.Mutex{}, level: &level, format: config.Format, out: out}
}

// NewStdoutLogger creates a stdout logger
func NewStdoutLogger(config *LogConfig) Logger {
	return NewWriterLogger(config, os.Stdout)
}

// NewWriterLogger writes entries to w, one per line.
func NewWriterLogger(config *LogConfig, w io.Writer) Logger {
	var wmu sync.Mutex
	return newLogger(config, func(_ LogLevel, data []byte) {
		wmu.Lock()
		defer wmu.Unlock()
		_, _ = w.Write(data)
	})
}

// NewRemoteLogger creates a logger that ships entries over tcp or udp. The
// connection is opened lazily and redialled after a write failure; entries
// that cannot be sent go to stdout.
func NewRemoteLogger(protocol string, config *LogConfig) (Logger, error) {
	if config.RemoteAddr == "" {
		return nil, fmt.Errorf("remote address required for %s logging", protocol)
	}
	var (
		cmu  sync.Mutex
		conn net.Conn
	)
	return newLogger(config, func(_ LogLevel, data []byte) {
		cmu.Lock()
		defer cmu.Unlock()
		if conn == nil {
			c, err := net.DialTimeout(protocol, config.RemoteAddr, 5*time.Second)
			if err != nil {
				_, _ = os.Stdout.Write(data)
				return
			}
			conn = c
		}
		if _, err := conn.Write(data); err != nil {
			_ = conn.Close()
			conn = nil
			_, _ = os.Stdout.Write(data)
		}
	}), nil
}

func (l *logger) enabled(level LogLevel) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return level >= *l.level
}

func (l *logger) log(level LogLevel, msg string, err error, fields []Field) {
	if !l.enabled(level) {
		return
	}
	l.out(level, l.formatEntry(level, msg, err, fields))
}

// formatEntry formats a log entry according to configuration
func (l *logger) formatEntry(level LogLevel, msg string, err error, fields []Field) []byte {
	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level.String(),
		Message:   msg,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if len(l.fields)+len(fields) > 0 {
		entry.Fields = maps.Clone(l.fields)
		if entry.Fields == nil {
			entry.Fields = make(map[string]interface{}, len(fields))
		}
		for _, field := range fields {
			entry.Fields[field.Key] = field.Value
		}
	}

	if l.format == "json" {
		data, err := json.Marshal(entry)
		if err != nil {
			data = []byte(fmt.Sprintf("{\"message\":%q}", entry.Message))
		}
		return append(data, '\n')
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s", entry.Timestamp.Format(time.RFC3339), entry.Level, entry.Message)
	if entry.Error != "" {
		fmt.Fprintf(&b, " error=%q", entry.Error)
	}
	for _, k := range slices.Sorted(maps.Keys(entry.Fields)) {
		fmt.Fprintf(&b, " %s=%v", k, entry.Fields[k])
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

func (l *logger) Debug(msg string, fields ...Field) { l.log(DEBUG, msg, nil, fields) }

func (l *logger) Info(msg string, fields ...Field) { l.log(INFO, msg, nil, fields) }

func (l *logger) Warn(msg string, fields ...Field) { l.log(WARN, msg, nil, fields) }

func (l *logger) Error(msg string, err error, fields ...Field) { l.log(ERROR, msg, err, fields) }

// With returns a child logger carrying extra fields. Children share the
// parent's level and output.
func (l *logger) With(fields ...Field) Logger {
	child := *l
	child.fields = maps.Clone(l.fields)
	if child.fields == nil {
		child.fields = make(map[string]interface{}, len(fields))
	}
	for _, field := range fields {
		child.fields[field.Key] = field.Value
	}
	return &child
}

func (l *logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.level = level
}

// RedactFields returns a copy of fields with the values of the named keys
// replaced, e.g. {"args": []string{"[redacted]"}}.
func RedactFields(fields []Field, replacements map[string]interface{}) []Field {
	out := make([]Field, len(fields))
	copy(out, fields)
	for i, f := range out {
		if v, ok := replacements[f.Key]; ok {
			out[i].Value = v
		}
	}
	return out
}
