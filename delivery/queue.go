package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"

	"samotop/session"
	"samotop/smtp"
)

// QueueResult is the outcome of handing a message over.
type QueueResult int

const (
	// QueueOk means the message was accepted.
	QueueOk QueueResult = iota
	// QueueRefused means the message will never be accepted.
	QueueRefused
	// QueueFailed means the attempt failed and may be retried.
	QueueFailed
)

func (r QueueResult) String() string {
	switch r {
	case QueueOk:
		return "ok"
	case QueueRefused:
		return "refused"
	case QueueFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Queue accepts complete messages.
type Queue interface {
	Queue(ctx context.Context, env Envelope, body io.Reader) QueueResult
}

// resultOf maps an error to a QueueResult.
func resultOf(err error) QueueResult {
	if err == nil {
		return QueueOk
	}
	var de *Error
	if errors.As(err, &de) && de.IsPermanent() {
		return QueueRefused
	}
	if errors.Is(err, session.ErrFailedPermanently) {
		return QueueRefused
	}
	return QueueFailed
}

// Queue implements Queue by relaying the whole body in one send.
func (t *Transport) Queue(ctx context.Context, env Envelope, body io.Reader) QueueResult {
	return resultOf(t.queue(ctx, env, body))
}

func (t *Transport) queue(ctx context.Context, env Envelope, body io.Reader) error {
	ds, err := t.Send(ctx, env)
	if err != nil {
		return err
	}
	if _, err := io.Copy(ds, body); err != nil {
		_ = ds.Abort()
		return err
	}
	return ds.Close()
}

// EnvelopeOf builds the envelope of an accepted transaction.
func EnvelopeOf(tx *session.Transaction) Envelope {
	env := Envelope{ID: tx.ID, From: smtp.NullPath()}
	if tx.Mail != nil {
		env.From = tx.Mail.Path
	}
	env.To = append(env.To, tx.Rcpts...)
	return env
}

// Dispatch relays accepted mail through a Transport while the client is
// still sending it: the server's verdict on the relayed message becomes
// the verdict on the local one.
type Dispatch struct {
	Transport *Transport
}

// OpenMailBody implements session.Dispatch.
func (d Dispatch) OpenMailBody(ctx context.Context, _ *session.SessionInfo, tx *session.Transaction) (session.MailSink, error) {
	ds, err := d.Transport.Send(ctx, EnvelopeOf(tx))
	if err != nil {
		return nil, sessionError(err)
	}
	if tx.ExtraHeaders != "" {
		if _, err := io.WriteString(ds, tx.ExtraHeaders); err != nil {
			_ = ds.Abort()
			return nil, sessionError(err)
		}
	}
	return &relaySink{ds: ds}, nil
}

type relaySink struct {
	ds *DataStream
}

func (s *relaySink) Write(p []byte) (int, error) { return s.ds.Write(p) }

func (s *relaySink) Close() error {
	if err := s.ds.Close(); err != nil {
		return sessionError(err)
	}
	return nil
}

func (s *relaySink) Abort() error { return s.ds.Abort() }

// sessionError maps a delivery failure onto the session sink errors.
func sessionError(err error) error {
	if resultOf(err) == QueueRefused {
		return fmt.Errorf("%w: %w", session.ErrFailedPermanently, err)
	}
	return fmt.Errorf("%w: %w", session.ErrFailedTemporarily, err)
}
