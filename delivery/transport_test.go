package delivery

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"samotop/smtp"
)

func testConfig(maxReuse int) Config {
	return Config{
		Address:   "relay.test:25",
		HelloName: "client.test",
		Security:  "none",
		Timeout:   5 * time.Second,
		MaxReuse:  maxReuse,
	}
}

func mustPath(t *testing.T, s string) smtp.Path {
	t.Helper()
	p, err := smtp.ParsePath(s, true)
	if err != nil {
		t.Fatalf("ParsePath(%q): %v", s, err)
	}
	return p
}

func testEnvelope(t *testing.T) Envelope {
	return Envelope{
		ID:   "tx1",
		From: mustPath(t, "<sender@client.test>"),
		To:   []smtp.Path{mustPath(t, "<rcpt@relay.test>")},
	}
}

func sendOne(t *testing.T, tr *Transport, env Envelope, body string) error {
	t.Helper()
	ds, err := tr.Send(context.Background(), env)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(ds, body); err != nil {
		return err
	}
	return ds.Close()
}

func TestSendRelaysMessage(t *testing.T) {
	relay := &fakeRelay{}
	tr := NewTransport(testConfig(10), relay.connector())

	ds, err := tr.Send(context.Background(), testEnvelope(t))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := io.WriteString(ds, "Subject: hi\r\n\r\n.dot line\r\nend\r\n"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := ds.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if ds.Response() != "Queued as M1" {
		t.Errorf("Response() = %q", ds.Response())
	}

	_, _, messages, commands := relay.snapshot()
	if len(messages) != 1 || !strings.Contains(messages[0], "\r\n.dot line\r\n") {
		t.Errorf("unexpected relayed messages %q", messages)
	}
	want := []string{"EHLO client.test", "MAIL FROM:<sender@client.test>", "RCPT TO:<rcpt@relay.test>", "DATA"}
	if strings.Join(commands, "|") != strings.Join(want, "|") {
		t.Errorf("commands = %q; want %q", commands, want)
	}
}

func TestReuseCountdown(t *testing.T) {
	tests := []struct {
		name     string
		maxReuse int
		sends    int
		connects int
		quits    int
	}{
		{"one reuse reconnects on third send", 1, 3, 2, 1},
		{"no reuse reconnects every send", 0, 3, 3, 2},
		{"plenty of reuse keeps one connection", 10, 4, 1, 0},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			relay := &fakeRelay{}
			tr := NewTransport(testConfig(test.maxReuse), relay.connector())
			for i := 0; i < test.sends; i++ {
				if err := sendOne(t, tr, testEnvelope(t), "body\r\n"); err != nil {
					t.Fatalf("send %d failed: %v", i+1, err)
				}
			}
			connects, quits, messages, _ := relay.snapshot()
			if connects != test.connects {
				t.Errorf("connects = %d; want %d", connects, test.connects)
			}
			if quits != test.quits {
				t.Errorf("quits = %d; want %d", quits, test.quits)
			}
			if len(messages) != test.sends {
				t.Errorf("messages = %d; want %d", len(messages), test.sends)
			}
		})
	}
}

func TestDeadReusedConnectionReconnects(t *testing.T) {
	relay := &fakeRelay{dropAfter: 1}
	tr := NewTransport(testConfig(10), relay.connector())

	for i := 0; i < 2; i++ {
		if err := sendOne(t, tr, testEnvelope(t), "body\r\n"); err != nil {
			t.Fatalf("send %d failed: %v", i+1, err)
		}
	}
	connects, _, messages, _ := relay.snapshot()
	if connects != 2 {
		t.Errorf("connects = %d; want 2", connects)
	}
	if len(messages) != 2 {
		t.Errorf("messages = %d; want 2", len(messages))
	}
}

func TestReconnectFailureSurfaces(t *testing.T) {
	relay := &fakeRelay{dropAfter: 1, failConnectAfter: 1}
	tr := NewTransport(testConfig(10), relay.connector())

	if err := sendOne(t, tr, testEnvelope(t), "body\r\n"); err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	err := sendOne(t, tr, testEnvelope(t), "body\r\n")
	var de *Error
	if !errors.As(err, &de) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if de.Kind != KindNoStream {
		t.Errorf("Kind = %v; want %v", de.Kind, KindNoStream)
	}

	// The slot is free again.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := tr.acquire(ctx); err != nil {
		t.Errorf("lease not released: %v", err)
	}
}

func TestRecipientRejectedKeepsConnection(t *testing.T) {
	relay := &fakeRelay{rejectRcpt: "nobody@"}
	tr := NewTransport(testConfig(10), relay.connector())

	env := testEnvelope(t)
	env.To = []smtp.Path{mustPath(t, "<nobody@relay.test>")}
	_, err := tr.Send(context.Background(), env)
	var de *Error
	if !errors.As(err, &de) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if de.Code != 550 || de.Enhanced != "5.1.1" || !de.IsPermanent() {
		t.Errorf("unexpected error %+v", de)
	}

	if err := sendOne(t, tr, testEnvelope(t), "body\r\n"); err != nil {
		t.Fatalf("send after rejection failed: %v", err)
	}
	connects, _, _, commands := relay.snapshot()
	if connects != 1 {
		t.Errorf("connects = %d; want 1", connects)
	}
	found := false
	for _, c := range commands {
		if c == "RSET" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected RSET after the refusal, got %q", commands)
	}
}

func TestSendWaitsForLease(t *testing.T) {
	relay := &fakeRelay{}
	tr := NewTransport(testConfig(10), relay.connector())

	first, err := tr.Send(context.Background(), testEnvelope(t))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = tr.Send(ctx, testEnvelope(t))
	var de *Error
	if !errors.As(err, &de) || de.Kind != KindTimeout {
		t.Fatalf("expected a timeout while the lease is held, got %v", err)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := sendOne(t, tr, testEnvelope(t), "body\r\n"); err != nil {
		t.Fatalf("send after release failed: %v", err)
	}
}

func TestAbortDropsConnection(t *testing.T) {
	relay := &fakeRelay{}
	tr := NewTransport(testConfig(10), relay.connector())

	ds, err := tr.Send(context.Background(), testEnvelope(t))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	_ = ds.Abort()
	if err := sendOne(t, tr, testEnvelope(t), "body\r\n"); err != nil {
		t.Fatalf("send after abort failed: %v", err)
	}
	connects, _, messages, _ := relay.snapshot()
	if connects != 2 || len(messages) != 1 {
		t.Errorf("connects = %d, messages = %d; want 2 and 1", connects, len(messages))
	}
}

func TestMailParameters(t *testing.T) {
	relay := &fakeRelay{exts: []string{"8BITMIME", "SMTPUTF8"}}
	tr := NewTransport(testConfig(10), relay.connector())

	env := testEnvelope(t)
	env.From = mustPath(t, "<usér@client.test>")
	if err := sendOne(t, tr, env, "body\r\n"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	_, _, _, commands := relay.snapshot()
	if commands[1] != "MAIL FROM:<usér@client.test> BODY=8BITMIME SMTPUTF8" {
		t.Errorf("MAIL line = %q", commands[1])
	}
}

func TestAuthentication(t *testing.T) {
	t.Run("insecure allowed", func(t *testing.T) {
		relay := &fakeRelay{exts: []string{"AUTH LOGIN PLAIN"}}
		cfg := testConfig(10)
		cfg.Username, cfg.Password, cfg.AllowInsecureAuth = "user", "secret", true
		tr := NewTransport(cfg, relay.connector())
		if err := sendOne(t, tr, testEnvelope(t), "body\r\n"); err != nil {
			t.Fatalf("send failed: %v", err)
		}
		_, _, _, commands := relay.snapshot()
		if !strings.HasPrefix(commands[1], "AUTH PLAIN ") {
			t.Errorf("expected AUTH PLAIN after EHLO, got %q", commands)
		}
	})

	t.Run("insecure refused", func(t *testing.T) {
		relay := &fakeRelay{exts: []string{"AUTH PLAIN"}}
		cfg := testConfig(10)
		cfg.Username, cfg.Password = "user", "secret"
		tr := NewTransport(cfg, relay.connector())
		err := sendOne(t, tr, testEnvelope(t), "body\r\n")
		var de *Error
		if !errors.As(err, &de) || de.Kind != KindClient {
			t.Fatalf("expected a client error, got %v", err)
		}
	})
}

func TestRequiredSecurityWithoutUpgrader(t *testing.T) {
	relay := &fakeRelay{exts: []string{"STARTTLS"}}
	cfg := testConfig(10)
	cfg.Security = "required"
	tr := NewTransport(cfg, relay.connector())

	err := sendOne(t, tr, testEnvelope(t), "body\r\n")
	var de *Error
	if !errors.As(err, &de) || de.Kind != KindClient {
		t.Fatalf("expected a client error, got %v", err)
	}
}

func TestTransportClose(t *testing.T) {
	relay := &fakeRelay{}
	tr := NewTransport(testConfig(10), relay.connector())
	if err := sendOne(t, tr, testEnvelope(t), "body\r\n"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if _, ok := tr.ServerInfo(); !ok {
		t.Error("expected server info while a connection is idle")
	}
	if err := tr.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	_, quits, _, _ := relay.snapshot()
	if quits != 1 {
		t.Errorf("quits = %d; want 1", quits)
	}
	if _, ok := tr.ServerInfo(); ok {
		t.Error("expected no server info after Close")
	}
}
