package logging

import (
	"errors"
	"io"
	"strings"
	"time"

	"samotop/auth"
	"samotop/session"
	"samotop/smtp"
)

// SessionLogger logs session events. It implements session.Observer and is
// shared by all sessions of a server; every entry carries the connection id
// and client IP.
type SessionLogger struct {
	Logger
}

// NewSessionLogger wraps logger.
func NewSessionLogger(logger Logger) *SessionLogger {
	return &SessionLogger{Logger: logger}
}

var _ session.Observer = (*SessionLogger)(nil)

func (l *SessionLogger) base(info *session.SessionInfo) []Field {
	fields := []Field{
		F("session_id", info.Connection.ID),
		F("client_ip", info.Connection.PeerIP()),
		F("phase", info.Phase.String()),
	}
	if info.PeerName != "" {
		fields = append(fields, F("helo", info.PeerName))
	}
	return fields
}

// OnConnect logs connection establishment
func (l *SessionLogger) OnConnect(info *session.SessionInfo) {
	l.Info("SMTP connection established", append(l.base(info),
		F("service", info.ServiceName),
		F("tls_enabled", info.Connection.Encrypted),
		F("can_starttls", info.Connection.CanEncrypt))...)
}

// OnCommand logs an SMTP command received. AUTH arguments are redacted.
func (l *SessionLogger) OnCommand(info *session.SessionInfo, cmd smtp.Command) {
	fields := append(l.base(info), F("command", cmd.Verb()))
	switch c := cmd.(type) {
	case smtp.Mail:
		fields = append(fields, F("mail_from", c.Path.String()))
		if len(c.Params) > 0 {
			fields = append(fields, F("params", c.Params))
		}
	case smtp.Rcpt:
		fields = append(fields, F("rcpt_to", c.Path.String()))
	case smtp.Helo:
		fields = append(fields, F("host", c.Host.String()))
	case smtp.Other:
		args := c.Args
		if strings.EqualFold(c.Name, smtp.ExtAuth) {
			args = auth.RedactAuthArgs(args)
		}
		if len(args) > 0 {
			fields = append(fields, F("args", args))
		}
	}
	l.Debug("SMTP command received", fields...)
}

// OnReply logs a reply; negative replies are warnings.
func (l *SessionLogger) OnReply(info *session.SessionInfo, wc session.WriteControl) {
	if !wc.HasReply() {
		return
	}
	fields := append(l.base(info),
		F("response_code", wc.Reply.Code),
		F("response", wc.Reply.Text()))
	if wc.Reply.Enhanced != "" {
		fields = append(fields, F("enhanced_code", wc.Reply.Enhanced))
	}
	if wc.Reply.IsTransient() || wc.Reply.IsPermanent() {
		l.Warn("SMTP error response sent", fields...)
		return
	}
	l.Debug("SMTP response sent", fields...)
}

// OnMailQueued logs successful message storage
func (l *SessionLogger) OnMailQueued(info *session.SessionInfo, tx *session.Transaction) {
	l.Info("SMTP message queued", append(l.base(info),
		F("message_id", tx.ID),
		F("mail_from", tx.Sender()),
		F("rcpt_to", tx.Recipients()),
		F("rcpt_count", len(tx.Rcpts)))...)
}

// OnMailFailed logs message storage failures
func (l *SessionLogger) OnMailFailed(info *session.SessionInfo, tx *session.Transaction, err error) {
	l.Error("SMTP message delivery failed", err, append(l.base(info),
		F("message_id", tx.ID),
		F("mail_from", tx.Sender()),
		F("rcpt_to", tx.Recipients()),
		F("permanent", errors.Is(err, session.ErrFailedPermanently)))...)
}

// OnTLSHandshake logs TLS handshake events
func (l *SessionLogger) OnTLSHandshake(info *session.SessionInfo, version, cipher string, err error) {
	fields := l.base(info)
	if version != "" {
		fields = append(fields, F("tls_version", version))
	}
	if cipher != "" {
		fields = append(fields, F("cipher", cipher))
	}
	if err != nil {
		l.Error("TLS handshake failed", err, fields...)
		return
	}
	l.Info("TLS handshake successful", fields...)
}

// OnDisconnect logs connection closure. A clean end of input is not an error.
func (l *SessionLogger) OnDisconnect(info *session.SessionInfo, err error) {
	fields := append(l.base(info), F("duration_ms", time.Since(info.Connection.Established).Milliseconds()))
	if err != nil && !errors.Is(err, io.EOF) {
		l.Warn("SMTP connection closed with error", append(fields, F("error", err.Error()))...)
		return
	}
	l.Info("SMTP connection closed", fields...)
}
