package smtp

import (
	"fmt"
	"strings"
)

// Reply is one SMTP status reply: a three digit code, an optional RFC 2034
// enhanced status code and one or more text lines.
type Reply struct {
	Code     int
	Enhanced string
	Lines    []string
}

// NewReply builds a reply. With no text the standard message for the code is used.
func NewReply(code int, enhanced string, text ...string) Reply {
	if len(text) == 0 {
		text = []string{GetErrorMessage(code)}
	}
	return Reply{Code: code, Enhanced: enhanced, Lines: text}
}

// String renders the reply as it goes on the wire, without the final CRLF.
// Continuation lines use "NNN-", the last line "NNN ".
func (r Reply) String() string {
	lines := r.Lines
	if len(lines) == 0 {
		lines = []string{""}
	}
	var b strings.Builder
	for i, line := range lines {
		sep := '-'
		if i == len(lines)-1 {
			sep = ' '
		}
		fmt.Fprintf(&b, "%03d%c", r.Code, sep)
		if r.Enhanced != "" {
			b.WriteString(r.Enhanced)
			if line != "" {
				b.WriteByte(' ')
			}
		}
		b.WriteString(line)
		if i < len(lines)-1 {
			b.WriteString("\r\n")
		}
	}
	return b.String()
}

// Text returns the reply lines joined with a space.
func (r Reply) Text() string {
	return strings.Join(r.Lines, " ")
}

// Class returns the first digit of the code.
func (r Reply) Class() int { return r.Code / 100 }

// IsPositive reports a 2xx or 3xx reply.
func (r Reply) IsPositive() bool { return r.Class() == 2 || r.Class() == 3 }

// IsTransient reports a 4xx reply.
func (r Reply) IsTransient() bool { return r.Class() == 4 }

// IsPermanent reports a 5xx reply.
func (r Reply) IsPermanent() bool { return r.Class() == 5 }

// Canned replies used by the session state machine.

// ReplyServiceReady is the 220 connection banner.
func ReplyServiceReady(name string) Reply {
	return NewReply(Code220, "", name+" Service ready")
}

// ReplyHelo is the single line answer to HELO.
func ReplyHelo(local string, peer Host) Reply {
	return NewReply(Code250, "", local+" greets "+peer.String())
}

// ReplyEhlo is the multi-line answer to EHLO/LHLO listing every extension in set order.
func ReplyEhlo(local string, peer Host, exts *ExtensionSet) Reply {
	lines := []string{local + " greets " + peer.String()}
	for _, e := range exts.List() {
		lines = append(lines, e.String())
	}
	return Reply{Code: Code250, Lines: lines}
}

// ReplyOk is the generic 250 success.
func ReplyOk() Reply { return NewReply(Code250, "2.0.0", "Ok") }

// ReplySenderOk accepts MAIL.
func ReplySenderOk() Reply { return NewReply(Code250, "2.1.0", "Sender ok") }

// ReplyRecipientOk accepts RCPT.
func ReplyRecipientOk() Reply { return NewReply(Code250, "2.1.5", "Recipient ok") }

// ReplyRecipientRejected refuses RCPT.
func ReplyRecipientRejected() Reply {
	return NewReply(Code550, "5.1.1", "Mailbox unavailable")
}

// ReplyRecipientNeedsUTF8 refuses an internationalised recipient in a
// transaction started without SMTPUTF8.
func ReplyRecipientNeedsUTF8() Reply {
	return NewReply(Code553, "5.6.7", "Non-ASCII addresses need SMTPUTF8")
}

// ReplyRecipientMoved refuses RCPT and points at another path.
func ReplyRecipientMoved(p Path) Reply {
	return NewReply(Code551, "5.1.6", "User not local; please try "+p.String())
}

// ReplyStartData is the 354 go-ahead after DATA.
func ReplyStartData() Reply {
	return NewReply(Code354, "", "Start mail input; end with <CRLF>.<CRLF>")
}

// ReplyQueued confirms the end of mail data.
func ReplyQueued(id string) Reply {
	return NewReply(Code250, "2.0.0", "Queued as "+id)
}

// ReplyStartTLS is the 220 go-ahead for the TLS handshake.
func ReplyStartTLS() Reply { return NewReply(Code220, "2.0.0", "Ready to start TLS") }

// ReplyClosing answers QUIT.
func ReplyClosing(name string) Reply {
	return NewReply(Code221, "2.0.0", name+" Service closing transmission channel")
}

// ReplyShutdown is the 421 that precedes an unsolicited close.
func ReplyShutdown(name, reason string) Reply {
	text := name + " Service not available, closing transmission channel"
	if reason != "" {
		text += " (" + reason + ")"
	}
	return NewReply(Code421, "4.3.0", text)
}

// ReplyProcessingError reports a local failure while handling the connection.
func ReplyProcessingError() Reply {
	return NewReply(Code451, "4.3.0", GetErrorMessage(Code451))
}

// ReplyCommandSequenceFailure is the 503 for out-of-order commands.
func ReplyCommandSequenceFailure() Reply {
	return NewReply(Code503, "5.5.1", GetErrorMessage(Code503))
}

// ReplyCommandNotImplemented is the 502 for verbs the server does not support.
func ReplyCommandNotImplemented() Reply {
	return NewReply(Code502, "5.5.1", GetErrorMessage(Code502))
}

// ReplyCommandSyntaxFailure is the 500 for unparsable input.
func ReplyCommandSyntaxFailure() Reply {
	return NewReply(Code500, "5.5.2", GetErrorMessage(Code500))
}

// ReplyNoValidRecipients is the 554 for DATA before any accepted RCPT.
func ReplyNoValidRecipients() Reply {
	return NewReply(Code554, "5.5.1", "No valid recipients")
}

// ReplyMailFailedTemporarily reports a transient dispatch failure.
func ReplyMailFailedTemporarily() Reply {
	return NewReply(Code451, "4.3.0", "Mail delivery failed temporarily")
}

// ReplyMailFailedPermanently reports a permanent dispatch failure.
func ReplyMailFailedPermanently() Reply {
	return NewReply(Code554, "5.6.0", "Mail delivery failed permanently")
}

// ReplyMailRefused reports that no sink could be opened for DATA.
func ReplyMailRefused() Reply {
	return NewReply(Code554, "5.3.0", "Mail was refused")
}
