package server

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"samotop/session"
	"samotop/smtp"
)

func mailTx(t *testing.T, from string) *session.Transaction {
	t.Helper()
	p, err := smtp.ParsePath("<"+from+">", false)
	if err != nil {
		t.Fatalf("ParsePath(%q) failed: %v", from, err)
	}
	return &session.Transaction{Mail: &smtp.Mail{Path: p}}
}

func TestSimulationGuardStartMail(t *testing.T) {
	cases := []struct {
		from    string
		kind    session.StartMailKind
		failure session.StartMailFailure
	}{
		{"user@example.com", session.MailAccepted, 0},
		{"mail250@example.com", session.MailAccepted, 0},
		{"mail421@example.com", session.MailFailedTerminate, 0},
		{"mail451@example.com", session.MailFailed, session.FailureFailedTemporarily},
		{"mail452@example.com", session.MailFailed, session.FailureStorageExhaustedTemporarily},
		{"mail501@example.com", session.MailFailed, session.FailureInvalidParameterValue},
		{"mail550_5.7.1@example.com", session.MailFailed, session.FailureRejected},
		{"mail552@example.com", session.MailFailed, session.FailureStorageExhaustedPermanently},
		{"mail553@example.com", session.MailFailed, session.FailureInvalidSender},
		{"mail555@example.com", session.MailFailed, session.FailureInvalidParameter},
		{"rcpt550@example.com", session.MailAccepted, 0},
	}
	for _, tc := range cases {
		res := SimulationGuard{}.StartMail(context.Background(), &session.SessionInfo{}, mailTx(t, tc.from))
		if res.Kind != tc.kind {
			t.Errorf("StartMail(%s).Kind = %d; want %d", tc.from, res.Kind, tc.kind)
			continue
		}
		if res.Kind == session.MailFailed && res.Failure != tc.failure {
			t.Errorf("StartMail(%s).Failure = %d; want %d", tc.from, res.Failure, tc.failure)
		}
	}
}

func TestSimulationGuardAddRecipient(t *testing.T) {
	cases := map[string]session.RcptKind{
		"user@example.com":          session.RcptInconclusive,
		"rcpt550@example.com":       session.RcptRejected,
		"rcpt452_4.2.2@example.com": session.RcptRejected,
		"mail550@example.com":       session.RcptInconclusive,
	}
	for addr, want := range cases {
		p, err := smtp.ParsePath("<"+addr+">", false)
		if err != nil {
			t.Fatalf("ParsePath(%q) failed: %v", addr, err)
		}
		res := SimulationGuard{}.AddRecipient(context.Background(), &session.SessionInfo{}, &session.Transaction{}, p)
		if res.Kind != want {
			t.Errorf("AddRecipient(%s).Kind = %d; want %d", addr, res.Kind, want)
		}
	}
}

func TestSimulatedDispatch(t *testing.T) {
	d := simulatedDispatch{next: session.NullDispatch{}}
	cases := []struct {
		from string
		want error
	}{
		{"user@example.com", nil},
		{"data554@example.com", session.ErrFailedPermanently},
		{"data452@example.com", session.ErrFailedTemporarily},
	}
	for _, tc := range cases {
		sink, err := d.OpenMailBody(context.Background(), &session.SessionInfo{}, mailTx(t, tc.from))
		if tc.want == nil {
			if err != nil || sink == nil {
				t.Errorf("OpenMailBody(%s) = %v, %v; want a sink", tc.from, sink, err)
			}
			continue
		}
		if !errors.Is(err, tc.want) {
			t.Errorf("OpenMailBody(%s) error = %v; want %v", tc.from, err, tc.want)
		}
	}
}

type abortSink struct {
	written int
	aborted bool
}

func (s *abortSink) Write(p []byte) (int, error) {
	s.written += len(p)
	return len(p), nil
}

func (s *abortSink) Close() error { return nil }

func (s *abortSink) Abort() error {
	s.aborted = true
	return nil
}

type fixedDispatch struct{ sink session.MailSink }

func (d fixedDispatch) OpenMailBody(context.Context, *session.SessionInfo, *session.Transaction) (session.MailSink, error) {
	return d.sink, nil
}

func TestLimitDispatch(t *testing.T) {
	inner := &abortSink{}
	sink, err := limitDispatch{next: fixedDispatch{sink: inner}, max: 10}.OpenMailBody(context.Background(), nil, &session.Transaction{})
	if err != nil {
		t.Fatalf("OpenMailBody failed: %v", err)
	}
	if _, err := io.WriteString(sink, "0123456789"); err != nil {
		t.Fatalf("write within the limit failed: %v", err)
	}
	if _, err := io.WriteString(sink, "x"); !errors.Is(err, session.ErrFailedPermanently) {
		t.Fatalf("write past the limit: err = %v; want ErrFailedPermanently", err)
	}
	if inner.written != 10 {
		t.Errorf("inner sink got %d bytes; want 10", inner.written)
	}
	if err := sink.(session.Aborter).Abort(); err != nil || !inner.aborted {
		t.Errorf("Abort did not reach the inner sink (err %v)", err)
	}
}

func TestRateLimiterWindows(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r := NewRateLimiter(2, 1)
	r.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if ok, _ := r.AllowConnection("192.0.2.1"); !ok {
			t.Fatalf("connection %d refused within the limit", i+1)
		}
	}
	if ok, reason := r.AllowConnection("192.0.2.1"); ok || reason == "" {
		t.Fatalf("third connection allowed (reason %q)", reason)
	}
	if ok, _ := r.AllowConnection("192.0.2.2"); !ok {
		t.Fatal("limit leaked to another address")
	}

	if ok, _ := r.AllowMessage("192.0.2.1"); !ok {
		t.Fatal("first message refused")
	}
	if ok, _ := r.AllowMessage("192.0.2.1"); ok {
		t.Fatal("second message allowed")
	}

	now = now.Add(time.Minute + time.Second)
	if ok, _ := r.AllowConnection("192.0.2.1"); !ok {
		t.Error("connection refused after the window reset")
	}
	if ok, _ := r.AllowMessage("192.0.2.1"); !ok {
		t.Error("message refused after the window reset")
	}
}

func TestRateLimiterForgetsIdleClients(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r := NewRateLimiter(5, 0)
	r.now = func() time.Time { return now }

	for _, ip := range []string{"192.0.2.1", "192.0.2.2", "192.0.2.3"} {
		r.AllowConnection(ip)
	}
	if len(r.clients) != 3 {
		t.Fatalf("tracked %d clients; want 3", len(r.clients))
	}

	now = now.Add(30 * time.Second)
	r.AllowConnection("192.0.2.4")
	if len(r.clients) != 4 {
		t.Fatalf("tracked %d clients within the window; want 4", len(r.clients))
	}

	now = now.Add(2 * time.Minute)
	r.AllowConnection("192.0.2.5")
	if len(r.clients) != 1 {
		t.Errorf("tracked %d clients after they went idle; want 1", len(r.clients))
	}
}

func TestRateLimiterUnlimited(t *testing.T) {
	r := NewRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if ok, _ := r.AllowConnection("192.0.2.1"); !ok {
			t.Fatalf("connection %d refused without a limit", i)
		}
	}
}

func TestRateLimiterGuard(t *testing.T) {
	r := NewRateLimiter(0, 1)
	info := &session.SessionInfo{Connection: session.Connection{
		Peer: &net.TCPAddr{IP: net.ParseIP("192.0.2.7"), Port: 4000},
	}}
	tx := mailTx(t, "a@example.com")
	if res := r.StartMail(context.Background(), info, tx); res.Kind != session.MailAccepted {
		t.Fatalf("first StartMail = %+v; want accepted", res)
	}
	res := r.StartMail(context.Background(), info, tx)
	if res.Kind != session.MailFailed || res.Failure != session.FailureFailedTemporarily {
		t.Fatalf("second StartMail = %+v; want a temporary failure", res)
	}
	if got := r.AddRecipient(context.Background(), info, tx, tx.Mail.Path); got.Kind != session.RcptInconclusive {
		t.Errorf("AddRecipient = %+v; want inconclusive", got)
	}
}
