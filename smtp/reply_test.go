package smtp

import (
	"strings"
	"testing"
)

func TestReplyString(t *testing.T) {
	tests := []struct {
		name  string
		reply Reply
		want  string
	}{
		{"single line", NewReply(250, "2.0.0", "Ok"), "250 2.0.0 Ok"},
		{"no enhanced", NewReply(354, "", "go ahead"), "354 go ahead"},
		{"default text", NewReply(503, "5.5.1"), "503 5.5.1 Bad sequence of commands"},
		{"multi line", Reply{Code: 250, Lines: []string{"mx greets you", "PIPELINING", "8BITMIME"}},
			"250-mx greets you\r\n250-PIPELINING\r\n250 8BITMIME"},
		{"empty", Reply{Code: 250}, "250 "},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := test.reply.String(); got != test.want {
				t.Errorf("String() = %q; want %q", got, test.want)
			}
		})
	}
}

func TestReplyClasses(t *testing.T) {
	if !ReplyOk().IsPositive() || ReplyOk().IsTransient() {
		t.Error("250 should be positive only")
	}
	if !ReplyStartData().IsPositive() {
		t.Error("354 should be positive")
	}
	if !ReplyProcessingError().IsTransient() {
		t.Error("451 should be transient")
	}
	if !ReplyRecipientRejected().IsPermanent() {
		t.Error("550 should be permanent")
	}
}

func TestCannedReplies(t *testing.T) {
	tests := []struct {
		reply    Reply
		code     int
		enhanced string
	}{
		{ReplyServiceReady("mx"), 220, ""},
		{ReplySenderOk(), 250, "2.1.0"},
		{ReplyRecipientOk(), 250, "2.1.5"},
		{ReplyRecipientRejected(), 550, "5.1.1"},
		{ReplyStartTLS(), 220, "2.0.0"},
		{ReplyClosing("mx"), 221, "2.0.0"},
		{ReplyShutdown("mx", ""), 421, "4.3.0"},
		{ReplyCommandSequenceFailure(), 503, "5.5.1"},
		{ReplyCommandNotImplemented(), 502, "5.5.1"},
		{ReplyCommandSyntaxFailure(), 500, "5.5.2"},
		{ReplyNoValidRecipients(), 554, "5.5.1"},
		{ReplyMailFailedTemporarily(), 451, "4.3.0"},
		{ReplyMailFailedPermanently(), 554, "5.6.0"},
		{ReplyMailRefused(), 554, "5.3.0"},
	}
	for _, test := range tests {
		if test.reply.Code != test.code || test.reply.Enhanced != test.enhanced {
			t.Errorf("%q: got %d %s; want %d %s", test.reply, test.reply.Code, test.reply.Enhanced, test.code, test.enhanced)
		}
	}
}

func TestReplyEhloListsExtensions(t *testing.T) {
	exts := NewExtensionSet(Extension{Code: ExtPipelining}, Extension{Code: ExtSize, Params: "1024"})
	r := ReplyEhlo("mx.test", ParseHost("client.test"), exts)
	want := "250-mx.test greets client.test\r\n250-PIPELINING\r\n250 SIZE 1024"
	if r.String() != want {
		t.Errorf("ReplyEhlo = %q; want %q", r.String(), want)
	}
	if h := ReplyHelo("mx.test", ParseHost("client.test")); len(h.Lines) != 1 {
		t.Errorf("ReplyHelo has %d lines", len(h.Lines))
	}
}

func TestReplyShutdownReason(t *testing.T) {
	r := ReplyShutdown("mx", "sender blocked")
	if !strings.Contains(r.Text(), "(sender blocked)") {
		t.Errorf("reason missing from %q", r.Text())
	}
}

func TestSimulationReply(t *testing.T) {
	sim, ok := ParseSimulation("mail550_5.7.1@example.com")
	if !ok {
		t.Fatal("expected a simulation")
	}
	r := sim.Reply()
	if r.Code != 550 || r.Enhanced != "5.7.1" || r.Text() != GetErrorMessage(550) {
		t.Errorf("Reply() = %q", r)
	}
}
