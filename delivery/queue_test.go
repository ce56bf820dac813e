package delivery

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"samotop/session"
	"samotop/smtp"
)

func TestTransportQueue(t *testing.T) {
	tests := []struct {
		name     string
		reject   string
		rcpt     string
		expected QueueResult
	}{
		{"accepted", "", "<rcpt@relay.test>", QueueOk},
		{"refused", "nobody@", "<nobody@relay.test>", QueueRefused},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			relay := &fakeRelay{rejectRcpt: test.reject}
			tr := NewTransport(testConfig(10), relay.connector())
			env := testEnvelope(t)
			env.To = []smtp.Path{mustPath(t, test.rcpt)}
			got := tr.Queue(context.Background(), env, strings.NewReader("body\r\n"))
			if got != test.expected {
				t.Errorf("Queue() = %v; want %v", got, test.expected)
			}
		})
	}
}

func TestResultOf(t *testing.T) {
	tests := []struct {
		err      error
		expected QueueResult
	}{
		{nil, QueueOk},
		{&Error{Kind: KindPermanent, Code: 554}, QueueRefused},
		{&Error{Kind: KindTransient, Code: 451}, QueueFailed},
		{&Error{Kind: KindIO, Err: io.EOF}, QueueFailed},
		{session.ErrFailedPermanently, QueueRefused},
		{errors.New("boom"), QueueFailed},
	}
	for _, test := range tests {
		if got := resultOf(test.err); got != test.expected {
			t.Errorf("resultOf(%v) = %v; want %v", test.err, got, test.expected)
		}
	}
}

func testTransaction(t *testing.T, rcpt string) *session.Transaction {
	from := mustPath(t, "<sender@client.test>")
	return &session.Transaction{
		ID:           "tx42",
		Mail:         &smtp.Mail{Path: from},
		Rcpts:        []smtp.Path{mustPath(t, rcpt)},
		ExtraHeaders: "Received: from client.test\r\n",
	}
}

func TestDispatchRelaysBody(t *testing.T) {
	relay := &fakeRelay{}
	d := Dispatch{Transport: NewTransport(testConfig(10), relay.connector())}

	sink, err := d.OpenMailBody(context.Background(), nil, testTransaction(t, "<rcpt@relay.test>"))
	if err != nil {
		t.Fatalf("OpenMailBody failed: %v", err)
	}
	if _, err := io.WriteString(sink, "Subject: relayed\r\n\r\nhello\r\n"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	_, _, messages, _ := relay.snapshot()
	if len(messages) != 1 {
		t.Fatalf("expected one relayed message, got %d", len(messages))
	}
	if !strings.HasPrefix(messages[0], "Received: from client.test\r\nSubject: relayed") {
		t.Errorf("unexpected relayed body %q", messages[0])
	}
}

func TestDispatchRefusal(t *testing.T) {
	relay := &fakeRelay{rejectRcpt: "nobody@"}
	d := Dispatch{Transport: NewTransport(testConfig(10), relay.connector())}

	_, err := d.OpenMailBody(context.Background(), nil, testTransaction(t, "<nobody@relay.test>"))
	if !errors.Is(err, session.ErrFailedPermanently) {
		t.Errorf("error = %v; want ErrFailedPermanently", err)
	}
}

func TestEnvelopeOfNullSender(t *testing.T) {
	env := EnvelopeOf(&session.Transaction{ID: "x", Rcpts: []smtp.Path{smtp.PostmasterPath()}})
	if env.From.Kind != smtp.PathNull {
		t.Errorf("From = %v; want the null path", env.From)
	}
	if len(env.To) != 1 || env.To[0].Kind != smtp.PathPostmaster {
		t.Errorf("To = %v", env.To)
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("sendmail scripts need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "sendmail")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("writing script: %v", err)
	}
	return path
}

func TestSendmailQueue(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	t.Setenv("SENDMAIL_OUT", out)
	s := Sendmail{Path: writeScript(t, `echo "$@" > "$SENDMAIL_OUT.args"; cat > "$SENDMAIL_OUT"`)}

	env := testEnvelope(t)
	if got := s.Queue(context.Background(), env, strings.NewReader("hello\r\n")); got != QueueOk {
		t.Fatalf("Queue() = %v; want ok", got)
	}

	body, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if string(body) != "hello\r\n" {
		t.Errorf("body = %q", body)
	}
	args, err := os.ReadFile(out + ".args")
	if err != nil {
		t.Fatalf("reading args: %v", err)
	}
	if strings.TrimSpace(string(args)) != "-i -f sender@client.test -- rcpt@relay.test" {
		t.Errorf("args = %q", args)
	}
}

func TestSendmailRecipientsAreNotOptions(t *testing.T) {
	sender, err := smtp.ParsePath("<-oQ/tmp@client.test>", true)
	if err != nil {
		t.Fatalf("ParsePath failed: %v", err)
	}
	rcpt, err := smtp.ParsePath("<-X/tmp/log@a.test>", true)
	if err != nil {
		t.Fatalf("ParsePath failed: %v", err)
	}
	env := Envelope{ID: "x", From: sender, To: []smtp.Path{rcpt}}

	cmd := Sendmail{Path: "/bin/true"}.command(context.Background(), env)
	want := []string{"/bin/true", "-i", "-f", "-oQ/tmp@client.test", "--", "-X/tmp/log@a.test"}
	if strings.Join(cmd.Args, " ") != strings.Join(want, " ") {
		t.Errorf("Args = %q; want %q", cmd.Args, want)
	}
}

func TestSendmailFailureReportsStderr(t *testing.T) {
	s := Sendmail{Path: writeScript(t, `cat > /dev/null; echo "no such user" >&2; exit 67`)}

	sink, err := s.OpenMailBody(context.Background(), nil, testTransaction(t, "<rcpt@relay.test>"))
	if err != nil {
		t.Fatalf("OpenMailBody failed: %v", err)
	}
	_, _ = io.WriteString(sink, "hello\r\n")
	err = sink.Close()
	if !errors.Is(err, session.ErrFailedTemporarily) {
		t.Fatalf("error = %v; want ErrFailedTemporarily", err)
	}
	if !strings.Contains(err.Error(), "no such user") {
		t.Errorf("error %q does not carry stderr", err)
	}
}
