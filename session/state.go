// Package session interprets SMTP commands against session and transaction
// state and drives a connection through them.
package session

import (
	"samotop/smtp"
)

// State is what Apply works on: session and transaction records, the
// collaborators, and a queue of outbound events.
type State interface {
	Session() *SessionInfo
	Transaction() *Transaction
	Service() *Service
	// Say queues an outbound event.
	Say(wc WriteControl)
	// Pop removes the oldest queued event.
	Pop() (WriteControl, bool)
}

// Context is the State of one connection.
type Context struct {
	info   SessionInfo
	tx     Transaction
	svc    *Service
	queue  []WriteControl
	closed bool
}

// NewContext creates the state for a new connection served by svc.
func NewContext(svc *Service) *Context {
	if svc == nil {
		svc = &Service{}
	}
	return &Context{
		svc: svc,
		info: SessionInfo{
			Extensions:     smtp.NewExtensionSet(),
			ServiceName:    svc.Name,
			CommandTimeout: svc.CommandTimeout,
		},
	}
}

// Session implements State.
func (c *Context) Session() *SessionInfo { return &c.info }

// Transaction implements State.
func (c *Context) Transaction() *Transaction { return &c.tx }

// Service implements State.
func (c *Context) Service() *Service { return c.svc }

// Say implements State.
func (c *Context) Say(wc WriteControl) {
	if wc.Kind == WriteShutdown {
		c.closed = true
	}
	c.queue = append(c.queue, wc)
	c.info.Phase = c.Phase()
	c.svc.observer().OnReply(&c.info, wc)
}

// Pop implements State.
func (c *Context) Pop() (WriteControl, bool) {
	if len(c.queue) == 0 {
		return WriteControl{}, false
	}
	wc := c.queue[0]
	c.queue = c.queue[1:]
	return wc, true
}

// Pending returns the number of queued events.
func (c *Context) Pending() int { return len(c.queue) }

// Closed reports whether a shutdown has been queued.
func (c *Context) Closed() bool { return c.closed }

// Phase derives where the session is in the command sequence.
func (c *Context) Phase() smtp.Phase {
	switch {
	case c.closed:
		return smtp.PhaseQuit
	case c.tx.Sink != nil:
		return smtp.PhaseData
	case len(c.tx.Rcpts) > 0:
		return smtp.PhaseRcpt
	case c.tx.Mail != nil:
		return smtp.PhaseMail
	case c.info.Helo != nil:
		return smtp.PhaseHelo
	default:
		return smtp.PhaseGreeting
	}
}

