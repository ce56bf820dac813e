//go:build !windows

package logging

import (
	"fmt"
	"log/syslog"
)

var facilities = map[string]syslog.Priority{
	"mail":   syslog.LOG_MAIL,
	"daemon": syslog.LOG_DAEMON,
	"local0": syslog.LOG_LOCAL0,
	"local1": syslog.LOG_LOCAL1,
	"local2": syslog.LOG_LOCAL2,
	"local3": syslog.LOG_LOCAL3,
	"local4": syslog.LOG_LOCAL4,
	"local5": syslog.LOG_LOCAL5,
	"local6": syslog.LOG_LOCAL6,
	"local7": syslog.LOG_LOCAL7,
}

// NewSyslogLogger creates a syslog logger tagged "samotop". Unknown
// facilities fall back to mail.
func NewSyslogLogger(config *LogConfig) (Logger, error) {
	facility, ok := facilities[config.SyslogFacility]
	if !ok {
		facility = syslog.LOG_MAIL
	}
	writer, err := syslog.New(syslog.LOG_INFO|facility, "samotop")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to syslog: %w", err)
	}

	return newLogger(config, func(level LogLevel, data []byte) {
		msg := string(data)
		switch level {
		case DEBUG:
			_ = writer.Debug(msg)
		case WARN:
			_ = writer.Warning(msg)
		case ERROR:
			_ = writer.Err(msg)
		default:
			_ = writer.Info(msg)
		}
	}), nil
}
