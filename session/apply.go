package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"samotop/smtp"
)

// Apply applies one inbound event to st and queues the replies it produces.
// Guard and Dispatch calls happen inline; ctx is passed to them. Apply never
// panics because of a collaborator: a panicking guard or sink becomes a
// negative reply.
func Apply(ctx context.Context, st State, rc ReadControl) {
	switch rc.Kind {
	case ReadPeerConnected:
		applyConnected(st, rc.Connection)
	case ReadCommand:
		info := st.Session()
		info.LastCommandAt = time.Now()
		st.Service().observer().OnCommand(info, rc.Command)
		applyCommand(ctx, st, rc.Command)
	case ReadMailDataChunk:
		applyDataChunk(st, rc.Data)
	case ReadEndOfMailData:
		applyEndOfData(st)
	case ReadPeerShutdown:
		st.Transaction().Reset()
		st.Say(WriteControl{Kind: WriteShutdown})
	case ReadRaw:
		say(st, smtp.ReplyCommandSyntaxFailure())
	case ReadEmpty, ReadEscapeDot:
	}
}

func applyCommand(ctx context.Context, st State, cmd smtp.Command) {
	switch c := cmd.(type) {
	case smtp.Helo:
		applyHelo(st, c)
	case smtp.Mail:
		applyMail(ctx, st, c)
	case smtp.Rcpt:
		applyRcpt(ctx, st, c)
	case smtp.Data:
		applyData(ctx, st)
	case smtp.Rset:
		st.Transaction().Reset()
		say(st, smtp.ReplyOk())
	case smtp.StartTLS:
		applyStartTLS(st)
	case smtp.Quit:
		st.Transaction().Reset()
		st.Say(WriteControl{Kind: WriteShutdown, Reply: smtp.ReplyClosing(st.Session().ServiceName)})
	case smtp.Noop:
		say(st, smtp.ReplyOk())
	default:
		// EXPN, VRFY, HELP, TURN and anything unknown.
		say(st, smtp.ReplyCommandNotImplemented())
	}
}

func say(st State, r smtp.Reply) {
	st.Say(WriteControl{Kind: WriteReply, Reply: r})
}

func shutdown(st State, reason string) {
	st.Say(WriteControl{Kind: WriteShutdown, Reply: smtp.ReplyShutdown(st.Session().ServiceName, reason)})
}

func applyConnected(st State, conn Connection) {
	info := st.Session()
	if conn.Established.IsZero() {
		conn.Established = time.Now()
	}
	info.Connection = conn
	info.resetGreeting()
	st.Transaction().Reset()
	runSetups(st)
	st.Service().observer().OnConnect(info)
	say(st, smtp.ReplyServiceReady(info.ServiceName))
}

func runSetups(st State) {
	info := st.Session()
	for _, s := range st.Service().Setups {
		s.Setup(info)
	}
}

func applyHelo(st State, h smtp.Helo) {
	info := st.Session()
	st.Transaction().Reset()
	info.Helo = &h
	info.PeerName = h.Host.String()
	if h.IsExtended() {
		say(st, smtp.ReplyEhlo(info.ServiceName, h.Host, info.Extensions))
		return
	}
	say(st, smtp.ReplyHelo(info.ServiceName, h.Host))
}

func applyMail(ctx context.Context, st State, m smtp.Mail) {
	info := st.Session()
	if !info.Greeted() {
		say(st, smtp.ReplyCommandSequenceFailure())
		return
	}
	tx := st.Transaction()
	tx.Reset()

	if reason, desc, ok := checkMailParams(info, m); !ok {
		say(st, startMailFailureReply(reason, desc))
		return
	}

	tx.Mail = &m
	res := guardStartMail(ctx, st.Service().guard(), info, tx)
	switch res.Kind {
	case MailAccepted:
		if tx.Mail == nil {
			tx.Mail = &m
		}
		if tx.ID == "" {
			tx.ID = uuid.NewString()
		}
		say(st, smtp.ReplySenderOk())
	case MailFailedTerminate:
		tx.Reset()
		shutdown(st, res.Description)
	default:
		tx.Reset()
		if res.Failure == FailureTerminateSession {
			shutdown(st, res.Description)
			return
		}
		say(st, startMailFailureReply(res.Failure, res.Description))
	}
}

// checkMailParams refuses MAIL parameters for extensions the session did not offer.
func checkMailParams(info *SessionInfo, m smtp.Mail) (StartMailFailure, string, bool) {
	for _, p := range m.Params {
		key, value, _ := strings.Cut(p, "=")
		switch strings.ToUpper(key) {
		case "BODY":
			switch strings.ToUpper(value) {
			case "7BIT":
			case "8BITMIME":
				if !info.Extensions.Contains(smtp.Ext8BitMIME) {
					return FailureInvalidParameter, "8BITMIME not offered", false
				}
			default:
				return FailureInvalidParameterValue, "unknown BODY type " + value, false
			}
		case smtp.ExtSMTPUTF8:
			if !info.Extensions.Contains(smtp.ExtSMTPUTF8) {
				return FailureInvalidParameter, "SMTPUTF8 not offered", false
			}
		case smtp.ExtSize:
			ext, ok := info.Extensions.Get(smtp.ExtSize)
			if !ok {
				return FailureInvalidParameter, "SIZE not offered", false
			}
			size, err := strconv.ParseInt(value, 10, 64)
			if err != nil || size < 0 {
				return FailureInvalidParameterValue, "bad SIZE " + value, false
			}
			if limit, err := strconv.ParseInt(ext.Params, 10, 64); err == nil && limit > 0 && size > limit {
				return FailureStorageExhaustedPermanently, "message too big", false
			}
		default:
			return FailureInvalidParameter, "unknown parameter " + key, false
		}
	}
	if m.Path.IsUTF8() && !m.HasParam(smtp.ExtSMTPUTF8) {
		return FailureInvalidSender, "internationalised sender without SMTPUTF8", false
	}
	return 0, "", true
}

func startMailFailureReply(reason StartMailFailure, desc string) smtp.Reply {
	var r smtp.Reply
	switch reason {
	case FailureInvalidSender:
		r = smtp.NewReply(smtp.Code553, "5.1.7", "Invalid sender")
	case FailureInvalidParameter:
		r = smtp.NewReply(smtp.Code555, "5.5.4", "Invalid parameter")
	case FailureInvalidParameterValue:
		r = smtp.NewReply(smtp.Code501, "5.5.4", "Invalid parameter value")
	case FailureStorageExhaustedPermanently:
		r = smtp.NewReply(smtp.Code552, "5.3.4", "Message too big for system")
	case FailureStorageExhaustedTemporarily:
		r = smtp.NewReply(smtp.Code452, "4.3.1", "Mail system full")
	case FailureFailedTemporarily:
		r = smtp.NewReply(smtp.Code451, "4.3.0", "Mail system failure")
	default:
		r = smtp.NewReply(smtp.Code550, "5.7.1", "Sender rejected")
	}
	if desc != "" {
		r.Lines[0] += ": " + desc
	}
	return r
}

func applyRcpt(ctx context.Context, st State, r smtp.Rcpt) {
	tx := st.Transaction()
	if tx.Mail == nil {
		say(st, smtp.ReplyCommandSequenceFailure())
		return
	}
	if r.Path.IsUTF8() && !tx.Mail.HasParam(smtp.ExtSMTPUTF8) {
		say(st, smtp.ReplyRecipientNeedsUTF8())
		return
	}
	res := guardAddRecipient(ctx, st.Service().guard(), st.Session(), tx, r.Path)
	switch res.Kind {
	case RcptAccepted:
		tx.Rcpts = append(tx.Rcpts, res.Path)
		say(st, smtp.ReplyRecipientOk())
	case RcptRejectedWithNewPath:
		say(st, smtp.ReplyRecipientMoved(res.Path))
	default:
		say(st, smtp.ReplyRecipientRejected())
	}
}

func applyData(ctx context.Context, st State) {
	tx := st.Transaction()
	switch {
	case tx.Mail == nil:
		say(st, smtp.ReplyCommandSequenceFailure())
		return
	case len(tx.Rcpts) == 0:
		say(st, smtp.ReplyNoValidRecipients())
		return
	}
	dispatch := st.Service().Dispatch
	if dispatch == nil {
		say(st, smtp.ReplyMailRefused())
		return
	}
	sink, err := openMailBody(ctx, dispatch, st.Session(), tx)
	switch {
	case errors.Is(err, ErrFailedPermanently) || (err == nil && sink == nil):
		say(st, smtp.ReplyMailRefused())
	case err != nil:
		say(st, smtp.ReplyMailFailedTemporarily())
	default:
		tx.Sink = sink
		tx.sinkErr = nil
		st.Say(WriteControl{Kind: WriteStartData, Reply: smtp.ReplyStartData()})
	}
}

func applyDataChunk(st State, data []byte) {
	tx := st.Transaction()
	if tx.Sink == nil || tx.sinkErr != nil {
		return
	}
	if err := protect(func() error {
		_, err := tx.Sink.Write(data)
		return err
	}); err != nil {
		tx.sinkErr = err
	}
}

func applyEndOfData(st State) {
	tx := st.Transaction()
	if tx.Sink == nil {
		say(st, smtp.ReplyCommandSequenceFailure())
		return
	}
	info := st.Session()
	obs := st.Service().observer()

	sink := tx.Sink
	tx.Sink = nil
	err := tx.sinkErr
	if err != nil {
		if a, ok := sink.(Aborter); ok {
			_ = a.Abort()
		}
	} else {
		err = protect(sink.Close)
	}

	var reply smtp.Reply
	switch {
	case err == nil:
		obs.OnMailQueued(info, tx)
		reply = smtp.ReplyQueued(tx.ID)
	case errors.Is(err, ErrFailedPermanently):
		obs.OnMailFailed(info, tx, err)
		reply = smtp.ReplyMailFailedPermanently()
	default:
		obs.OnMailFailed(info, tx, err)
		reply = smtp.ReplyMailFailedTemporarily()
	}
	// The reply ends the transaction.
	tx.Reset()
	say(st, reply)
}

func applyStartTLS(st State) {
	info := st.Session()
	switch {
	case info.Connection.Encrypted:
		say(st, smtp.ReplyCommandSequenceFailure())
		return
	case !info.Connection.CanEncrypt:
		say(st, smtp.ReplyCommandNotImplemented())
		return
	}
	st.Say(WriteControl{Kind: WriteStartTLS, Reply: smtp.ReplyStartTLS()})
	st.Transaction().Reset()
	info.resetGreeting()
	info.Connection.Encrypted = true
	info.Connection.CanEncrypt = false
	runSetups(st)
}

// The helpers below turn a panicking collaborator into a temporary failure.

func guardStartMail(ctx context.Context, g Guard, info *SessionInfo, tx *Transaction) (res StartMailResult) {
	defer func() {
		if r := recover(); r != nil {
			res = FailMail(FailureFailedTemporarily, "")
		}
	}()
	return g.StartMail(ctx, info, tx)
}

func guardAddRecipient(ctx context.Context, g Guard, info *SessionInfo, tx *Transaction, rcpt smtp.Path) (res AddRecipientResult) {
	defer func() {
		if r := recover(); r != nil {
			res = RejectRecipient()
		}
	}()
	return g.AddRecipient(ctx, info, tx, rcpt)
}

func openMailBody(ctx context.Context, d Dispatch, info *SessionInfo, tx *Transaction) (sink MailSink, err error) {
	defer func() {
		if r := recover(); r != nil {
			sink, err = nil, fmt.Errorf("%w: dispatch panic: %v", ErrFailedTemporarily, r)
		}
	}()
	return d.OpenMailBody(ctx, info, tx)
}

func protect(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: sink panic: %v", ErrFailedTemporarily, r)
		}
	}()
	return f()
}
