package session

import (
	"bytes"
	"context"
	"net"
	"testing"

	"samotop/smtp"
)

type recordingSink struct {
	buf      bytes.Buffer
	writeErr error
	closeErr error
	closed   bool
	aborted  bool
}

func (s *recordingSink) Write(p []byte) (int, error) {
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	return s.buf.Write(p)
}

func (s *recordingSink) Close() error {
	s.closed = true
	return s.closeErr
}

func (s *recordingSink) Abort() error {
	s.aborted = true
	return nil
}

type recordingDispatch struct {
	sink   *recordingSink
	err    error
	opened int
}

func (d *recordingDispatch) OpenMailBody(context.Context, *SessionInfo, *Transaction) (MailSink, error) {
	d.opened++
	if d.err != nil {
		return nil, d.err
	}
	if d.sink == nil {
		d.sink = &recordingSink{}
	}
	return d.sink, nil
}

type testGuard struct {
	mail     StartMailResult
	rcpt     func(p smtp.Path) AddRecipientResult
	setID    string
	panicked bool
}

func (g *testGuard) StartMail(_ context.Context, _ *SessionInfo, tx *Transaction) StartMailResult {
	if g.panicked {
		panic("guard exploded")
	}
	if g.setID != "" {
		tx.ID = g.setID
	}
	return g.mail
}

func (g *testGuard) AddRecipient(_ context.Context, _ *SessionInfo, _ *Transaction, p smtp.Path) AddRecipientResult {
	if g.panicked {
		panic("guard exploded")
	}
	if g.rcpt == nil {
		return AcceptRecipient(p)
	}
	return g.rcpt(p)
}

type queuedObserver struct {
	NopObserver
	queued []Transaction
	failed []error
}

func (o *queuedObserver) OnMailQueued(_ *SessionInfo, tx *Transaction) {
	o.queued = append(o.queued, *tx)
}

func (o *queuedObserver) OnMailFailed(_ *SessionInfo, _ *Transaction, err error) {
	o.failed = append(o.failed, err)
}

func newTestService(g Guard, d Dispatch) *Service {
	return &Service{
		Name:     "mx.test",
		Guard:    g,
		Dispatch: d,
		Setups:   []Setup{EnablePipelining, EnableEightBit, EnableStartTLS},
	}
}

func testConnection() Connection {
	return Connection{
		Local:      &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 25},
		Peer:       &net.TCPAddr{IP: net.IPv4(192, 0, 2, 10), Port: 40000},
		CanEncrypt: true,
	}
}

// apply feeds events straight into Apply and returns everything said.
func apply(t *testing.T, st *Context, events ...ReadControl) []WriteControl {
	t.Helper()
	var out []WriteControl
	for _, rc := range events {
		Apply(context.Background(), st, rc)
		for {
			wc, ok := st.Pop()
			if !ok {
				break
			}
			out = append(out, wc)
		}
	}
	return out
}

func cmd(t *testing.T, line string) ReadControl {
	t.Helper()
	c, err := smtp.Parse(line)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", line, err)
	}
	return CommandRead(c)
}

func codes(wcs []WriteControl) []int {
	out := make([]int, 0, len(wcs))
	for _, wc := range wcs {
		out = append(out, wc.Reply.Code)
	}
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// greeted returns a context that has seen the banner and EHLO.
func greeted(t *testing.T, svc *Service) *Context {
	t.Helper()
	st := NewContext(svc)
	apply(t, st, PeerConnected(testConnection()), cmd(t, "EHLO client.test"))
	return st
}
