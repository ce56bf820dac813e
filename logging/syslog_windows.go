//go:build windows

package logging

// NewSyslogLogger falls back to stdout; Windows has no syslog.
func NewSyslogLogger(config *LogConfig) (Logger, error) {
	return NewStdoutLogger(config), nil
}
