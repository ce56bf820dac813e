package session

import (
	"context"
	"errors"
	"io"
	"time"

	"samotop/smtp"
)

var (
	// ErrFailedTemporarily is returned by MailSink.Close when delivery may succeed later.
	ErrFailedTemporarily = errors.New("mail delivery failed temporarily")
	// ErrFailedPermanently is returned by MailSink.Close when delivery will never succeed.
	ErrFailedPermanently = errors.New("mail delivery failed permanently")
)

// MailSink receives one message body. Close is the only commit point: it
// returns nil once the message is accepted, ErrFailedTemporarily or
// ErrFailedPermanently otherwise. Any other error counts as temporary.
type MailSink interface {
	io.Writer
	Close() error
}

// Aborter is implemented by sinks that hold resources which must be released
// when a transaction is dropped without Close.
type Aborter interface {
	Abort() error
}

// Guard decides whether a sender and its recipients are accepted.
type Guard interface {
	StartMail(ctx context.Context, info *SessionInfo, tx *Transaction) StartMailResult
	AddRecipient(ctx context.Context, info *SessionInfo, tx *Transaction, rcpt smtp.Path) AddRecipientResult
}

// Dispatch opens the sink a message body is written to.
type Dispatch interface {
	OpenMailBody(ctx context.Context, info *SessionInfo, tx *Transaction) (MailSink, error)
}

// Setup adjusts a session when it starts and again after STARTTLS, usually
// by enabling extensions.
type Setup interface {
	Setup(info *SessionInfo)
}

// SetupFunc adapts a function to Setup.
type SetupFunc func(info *SessionInfo)

// Setup calls f.
func (f SetupFunc) Setup(info *SessionInfo) { f(info) }

// Observer receives telemetry from a session. Implementations must not block.
type Observer interface {
	OnConnect(info *SessionInfo)
	OnCommand(info *SessionInfo, cmd smtp.Command)
	OnReply(info *SessionInfo, wc WriteControl)
	OnMailQueued(info *SessionInfo, tx *Transaction)
	OnMailFailed(info *SessionInfo, tx *Transaction, err error)
	OnTLSHandshake(info *SessionInfo, version, cipher string, err error)
	OnDisconnect(info *SessionInfo, err error)
}

// Service bundles the collaborators shared by every session of a server.
type Service struct {
	// Name is announced in the banner and greeting replies.
	Name           string
	Guard          Guard
	Dispatch       Dispatch
	Setups         []Setup
	Observer       Observer
	CommandTimeout time.Duration
}

func (s *Service) guard() Guard {
	if s.Guard == nil {
		return AcceptAll{}
	}
	return s.Guard
}

func (s *Service) observer() Observer {
	if s.Observer == nil {
		return NopObserver{}
	}
	return s.Observer
}

// StartMailKind is the outcome of Guard.StartMail.
type StartMailKind int

// StartMail outcomes.
const (
	MailAccepted StartMailKind = iota
	MailFailed
	MailFailedTerminate
)

// StartMailFailure is the reason a sender was refused.
type StartMailFailure int

// Sender refusal reasons.
const (
	FailureTerminateSession StartMailFailure = iota
	FailureRejected
	FailureInvalidSender
	FailureInvalidParameter
	FailureInvalidParameterValue
	FailureStorageExhaustedPermanently
	FailureStorageExhaustedTemporarily
	FailureFailedTemporarily
)

// StartMailResult is returned by Guard.StartMail.
type StartMailResult struct {
	Kind        StartMailKind
	Failure     StartMailFailure
	Description string
}

// AcceptMail accepts the sender. The guard may have changed the transaction,
// for example to set its id or add headers.
func AcceptMail() StartMailResult { return StartMailResult{Kind: MailAccepted} }

// FailMail refuses the sender and keeps the session open.
func FailMail(reason StartMailFailure, description string) StartMailResult {
	return StartMailResult{Kind: MailFailed, Failure: reason, Description: description}
}

// TerminateMail refuses the sender and closes the session.
func TerminateMail(description string) StartMailResult {
	return StartMailResult{Kind: MailFailedTerminate, Description: description}
}

// RcptKind is the outcome of Guard.AddRecipient.
type RcptKind int

// AddRecipient outcomes.
const (
	RcptAccepted RcptKind = iota
	// RcptInconclusive means the guard has no opinion; other guards may decide.
	RcptInconclusive
	RcptRejected
	RcptRejectedWithNewPath
)

// AddRecipientResult is returned by Guard.AddRecipient.
type AddRecipientResult struct {
	Kind RcptKind
	Path smtp.Path
}

// AcceptRecipient accepts p, which may differ from the requested path.
func AcceptRecipient(p smtp.Path) AddRecipientResult {
	return AddRecipientResult{Kind: RcptAccepted, Path: p}
}

// InconclusiveRecipient leaves the decision to someone else.
func InconclusiveRecipient(p smtp.Path) AddRecipientResult {
	return AddRecipientResult{Kind: RcptInconclusive, Path: p}
}

// RejectRecipient refuses the recipient.
func RejectRecipient() AddRecipientResult { return AddRecipientResult{Kind: RcptRejected} }

// RedirectRecipient refuses the recipient and names the path to use instead.
func RedirectRecipient(p smtp.Path) AddRecipientResult {
	return AddRecipientResult{Kind: RcptRejectedWithNewPath, Path: p}
}

// Guards runs several guards in order. StartMail stops at the first guard
// that does not accept; AddRecipient stops at the first conclusive answer.
type Guards []Guard

// StartMail implements Guard.
func (gs Guards) StartMail(ctx context.Context, info *SessionInfo, tx *Transaction) StartMailResult {
	for _, g := range gs {
		if r := g.StartMail(ctx, info, tx); r.Kind != MailAccepted {
			return r
		}
	}
	return AcceptMail()
}

// AddRecipient implements Guard.
func (gs Guards) AddRecipient(ctx context.Context, info *SessionInfo, tx *Transaction, rcpt smtp.Path) AddRecipientResult {
	for _, g := range gs {
		if r := g.AddRecipient(ctx, info, tx, rcpt); r.Kind != RcptInconclusive {
			return r
		}
	}
	return InconclusiveRecipient(rcpt)
}

// AcceptAll accepts every sender and recipient.
type AcceptAll struct{}

// StartMail implements Guard.
func (AcceptAll) StartMail(context.Context, *SessionInfo, *Transaction) StartMailResult {
	return AcceptMail()
}

// AddRecipient implements Guard.
func (AcceptAll) AddRecipient(_ context.Context, _ *SessionInfo, _ *Transaction, rcpt smtp.Path) AddRecipientResult {
	return AcceptRecipient(rcpt)
}

// NullDispatch accepts and discards every message.
type NullDispatch struct{}

// OpenMailBody implements Dispatch.
func (NullDispatch) OpenMailBody(context.Context, *SessionInfo, *Transaction) (MailSink, error) {
	return discardSink{}, nil
}

type discardSink struct{}

func (discardSink) Write(p []byte) (int, error) { return len(p), nil }
func (discardSink) Close() error                { return nil }

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) OnConnect(*SessionInfo)                            {}
func (NopObserver) OnCommand(*SessionInfo, smtp.Command)              {}
func (NopObserver) OnReply(*SessionInfo, WriteControl)                {}
func (NopObserver) OnMailQueued(*SessionInfo, *Transaction)           {}
func (NopObserver) OnMailFailed(*SessionInfo, *Transaction, error)    {}
func (NopObserver) OnTLSHandshake(*SessionInfo, string, string, error) {}
func (NopObserver) OnDisconnect(*SessionInfo, error)                  {}

// Observers fans every event out to each observer in turn.
type Observers []Observer

// OnConnect implements Observer.
func (os Observers) OnConnect(info *SessionInfo) {
	for _, o := range os {
		o.OnConnect(info)
	}
}

// OnCommand implements Observer.
func (os Observers) OnCommand(info *SessionInfo, cmd smtp.Command) {
	for _, o := range os {
		o.OnCommand(info, cmd)
	}
}

// OnReply implements Observer.
func (os Observers) OnReply(info *SessionInfo, wc WriteControl) {
	for _, o := range os {
		o.OnReply(info, wc)
	}
}

// OnMailQueued implements Observer.
func (os Observers) OnMailQueued(info *SessionInfo, tx *Transaction) {
	for _, o := range os {
		o.OnMailQueued(info, tx)
	}
}

// OnMailFailed implements Observer.
func (os Observers) OnMailFailed(info *SessionInfo, tx *Transaction, err error) {
	for _, o := range os {
		o.OnMailFailed(info, tx, err)
	}
}

// OnTLSHandshake implements Observer.
func (os Observers) OnTLSHandshake(info *SessionInfo, version, cipher string, err error) {
	for _, o := range os {
		o.OnTLSHandshake(info, version, cipher, err)
	}
}

// OnDisconnect implements Observer.
func (os Observers) OnDisconnect(info *SessionInfo, err error) {
	for _, o := range os {
		o.OnDisconnect(info, err)
	}
}
