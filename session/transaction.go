package session

import (
	"samotop/smtp"
)

// Transaction is one mail attempt inside a session.
type Transaction struct {
	ID string
	// Mail is the accepted MAIL command, nil when no transaction is in progress.
	Mail         *smtp.Mail
	Rcpts        []smtp.Path
	ExtraHeaders string
	// Sink receives the message body between DATA and the end of data.
	Sink MailSink

	sinkErr error
}

// Reset clears the transaction. An open sink is aborted, never committed.
func (t *Transaction) Reset() {
	if t.Sink != nil {
		if a, ok := t.Sink.(Aborter); ok {
			_ = a.Abort()
		}
	}
	*t = Transaction{}
}

// IsEmpty reports whether nothing is left over from a previous attempt.
func (t *Transaction) IsEmpty() bool {
	return t.ID == "" && t.Mail == nil && len(t.Rcpts) == 0 && t.ExtraHeaders == "" && t.Sink == nil
}

// Recipients returns the accepted recipients as bare mailboxes.
func (t *Transaction) Recipients() []string {
	out := make([]string, 0, len(t.Rcpts))
	for _, r := range t.Rcpts {
		out = append(out, r.Mailbox())
	}
	return out
}

// Sender returns the reverse path mailbox, "" for the null sender or no MAIL.
func (t *Transaction) Sender() string {
	if t.Mail == nil {
		return ""
	}
	return t.Mail.Path.Mailbox()
}
