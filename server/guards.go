package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"samotop/session"
	"samotop/smtp"
)

// SimulationGuard refuses senders and recipients whose local part asks for
// a failure, such as mail550@example.com or rcpt452_4.2.2@example.com. It is
// meant for testing SMTP clients against every refusal a server can give.
type SimulationGuard struct{}

var _ session.Guard = SimulationGuard{}

// StartMail implements session.Guard.
func (SimulationGuard) StartMail(_ context.Context, _ *session.SessionInfo, tx *session.Transaction) session.StartMailResult {
	if tx.Mail == nil {
		return session.AcceptMail()
	}
	sim, ok := smtp.SimulatedFailure(smtp.SimulateMail, tx.Mail.Path.Mailbox())
	if !ok {
		return session.AcceptMail()
	}
	desc := smtp.GetErrorMessage(sim.Code)
	switch sim.Code {
	case smtp.Code421:
		return session.TerminateMail(desc)
	case smtp.Code452:
		return session.FailMail(session.FailureStorageExhaustedTemporarily, desc)
	case smtp.Code552:
		return session.FailMail(session.FailureStorageExhaustedPermanently, desc)
	case smtp.Code553:
		return session.FailMail(session.FailureInvalidSender, desc)
	case smtp.Code555:
		return session.FailMail(session.FailureInvalidParameter, desc)
	case smtp.Code501:
		return session.FailMail(session.FailureInvalidParameterValue, desc)
	}
	if sim.Reply().IsTransient() {
		return session.FailMail(session.FailureFailedTemporarily, desc)
	}
	return session.FailMail(session.FailureRejected, desc)
}

// AddRecipient implements session.Guard. Ordinary recipients are left to
// the next guard.
func (SimulationGuard) AddRecipient(_ context.Context, _ *session.SessionInfo, _ *session.Transaction, rcpt smtp.Path) session.AddRecipientResult {
	if _, ok := smtp.SimulatedFailure(smtp.SimulateRcpt, rcpt.Mailbox()); ok {
		return session.RejectRecipient()
	}
	return session.InconclusiveRecipient(rcpt)
}

// simulatedDispatch fails the DATA command for senders like data554@example.com.
type simulatedDispatch struct {
	next session.Dispatch
}

func (d simulatedDispatch) OpenMailBody(ctx context.Context, info *session.SessionInfo, tx *session.Transaction) (session.MailSink, error) {
	if sim, ok := smtp.SimulatedFailure(smtp.SimulateData, tx.Sender()); ok {
		r := sim.Reply()
		if r.IsPermanent() {
			return nil, fmt.Errorf("%w: %s", session.ErrFailedPermanently, r)
		}
		return nil, fmt.Errorf("%w: %s", session.ErrFailedTemporarily, r)
	}
	return d.next.OpenMailBody(ctx, info, tx)
}

// limitDispatch fails a message as soon as its body grows past max bytes.
type limitDispatch struct {
	next session.Dispatch
	max  int64
}

func (d limitDispatch) OpenMailBody(ctx context.Context, info *session.SessionInfo, tx *session.Transaction) (session.MailSink, error) {
	sink, err := d.next.OpenMailBody(ctx, info, tx)
	if err != nil || sink == nil {
		return sink, err
	}
	return &limitSink{MailSink: sink, left: d.max}, nil
}

type limitSink struct {
	session.MailSink
	left int64
}

func (s *limitSink) Write(p []byte) (int, error) {
	s.left -= int64(len(p))
	if s.left < 0 {
		return 0, fmt.Errorf("%w: message exceeds size limit", session.ErrFailedPermanently)
	}
	return s.MailSink.Write(p)
}

func (s *limitSink) Abort() error {
	if a, ok := s.MailSink.(session.Aborter); ok {
		return a.Abort()
	}
	return nil
}

// RateLimiter is a basic in-memory limiter that enforces per-IP connection
// and message limits with counters reset every minute. Zero limits mean
// unlimited.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientState
	now     func() time.Time
	// sweepAt is when expired client entries are next dropped.
	sweepAt time.Time

	MaxConnsPerMinute    int
	MaxMessagesPerMinute int
}

type clientState struct {
	connections int
	messages    int
	resetAt     time.Time
}

// NewRateLimiter creates a limiter with the given per-minute limits.
func NewRateLimiter(conns, messages int) *RateLimiter {
	return &RateLimiter{
		clients:              make(map[string]*clientState),
		now:                  time.Now,
		MaxConnsPerMinute:    conns,
		MaxMessagesPerMinute: messages,
	}
}

// state returns the counters for ip. The caller holds mu.
func (r *RateLimiter) state(ip string) *clientState {
	now := r.now()
	if now.After(r.sweepAt) {
		for k, cs := range r.clients {
			if now.After(cs.resetAt) {
				delete(r.clients, k)
			}
		}
		r.sweepAt = now.Add(time.Minute)
	}
	cs, ok := r.clients[ip]
	if !ok {
		cs = &clientState{resetAt: now.Add(time.Minute)}
		r.clients[ip] = cs
	}
	if now.After(cs.resetAt) {
		cs.connections = 0
		cs.messages = 0
		cs.resetAt = now.Add(time.Minute)
	}
	return cs
}

// AllowConnection records a connection from ip and reports whether it is
// within the limit.
func (r *RateLimiter) AllowConnection(ip string) (allowed bool, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs := r.state(ip)
	if r.MaxConnsPerMinute > 0 && cs.connections >= r.MaxConnsPerMinute {
		return false, "rate limit exceeded: too many connections"
	}
	cs.connections++
	return true, ""
}

// AllowMessage records a mail transaction from ip and reports whether it is
// within the limit.
func (r *RateLimiter) AllowMessage(ip string) (allowed bool, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs := r.state(ip)
	if r.MaxMessagesPerMinute > 0 && cs.messages >= r.MaxMessagesPerMinute {
		return false, "rate limit exceeded: too many messages"
	}
	cs.messages++
	return true, ""
}

// StartMail implements session.Guard.
func (r *RateLimiter) StartMail(_ context.Context, info *session.SessionInfo, _ *session.Transaction) session.StartMailResult {
	if ok, reason := r.AllowMessage(info.Connection.PeerIP()); !ok {
		return session.FailMail(session.FailureFailedTemporarily, reason)
	}
	return session.AcceptMail()
}

// AddRecipient implements session.Guard. It has no opinion on recipients.
func (r *RateLimiter) AddRecipient(_ context.Context, _ *session.SessionInfo, _ *session.Transaction, rcpt smtp.Path) session.AddRecipientResult {
	return session.InconclusiveRecipient(rcpt)
}
