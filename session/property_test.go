package session

import (
	"context"
	"strings"
	"testing"

	"pgregory.net/rapid"

	"samotop/smtp"
)

var dirtyCommands = []string{
	"MAIL FROM:<a@a.test>",
	"RCPT TO:<b@b.test>",
	"RCPT TO:<c@c.test>",
	"NOOP",
	"VRFY x",
	"DATA",
}

// dirty drives st through a random run of transaction commands.
func dirty(t *rapid.T, st *Context) {
	n := rapid.IntRange(0, 8).Draw(t, "n")
	for i := 0; i < n; i++ {
		line := rapid.SampledFrom(dirtyCommands).Draw(t, "cmd")
		c, err := smtp.Parse(line)
		if err != nil {
			t.Fatalf("Parse(%q): %v", line, err)
		}
		Apply(context.Background(), st, CommandRead(c))
	}
	if rapid.Bool().Draw(t, "headers") {
		st.Transaction().ExtraHeaders = "X-Dirty: yes\r\n"
	}
	for st.Pending() > 0 {
		st.Pop()
	}
}

func applyLine(t *rapid.T, st *Context, line string) []WriteControl {
	c, err := smtp.Parse(line)
	if err != nil {
		t.Fatalf("Parse(%q): %v", line, err)
	}
	Apply(context.Background(), st, CommandRead(c))
	var out []WriteControl
	for {
		wc, ok := st.Pop()
		if !ok {
			return out
		}
		out = append(out, wc)
	}
}

// MAIL before any greeting always fails with 503 and never starts a transaction.
func TestPropertyMailBeforeHelo(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		st := NewContext(&Service{Name: "mx.test", Dispatch: NullDispatch{}})
		Apply(context.Background(), st, PeerConnected(testConnection()))
		st.Pop()
		local := rapid.StringMatching(`[a-z]{1,10}`).Draw(t, "local")
		for _, line := range []string{"NOOP", "RSET", "RCPT TO:<x@y.test>"}[:rapid.IntRange(0, 3).Draw(t, "pre")] {
			applyLine(t, st, line)
		}

		out := applyLine(t, st, "MAIL FROM:<"+local+"@a.test>")
		if len(out) != 1 || out[0].Reply.Code != 503 {
			t.Fatalf("MAIL before HELO = %v", out)
		}
		if st.Transaction().Mail != nil {
			t.Fatal("mail set")
		}
	})
}

// RSET leaves an empty transaction whatever came before.
func TestPropertyRsetEmptiesTransaction(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		st := NewContext(&Service{Name: "mx.test", Dispatch: NullDispatch{}})
		Apply(context.Background(), st, PeerConnected(testConnection()))
		applyLine(t, st, "EHLO client.test")
		dirty(t, st)

		out := applyLine(t, st, "RSET")
		if len(out) != 1 || out[0].Reply.Code != 250 {
			t.Fatalf("RSET = %v", out)
		}
		tx := st.Transaction()
		if !tx.IsEmpty() {
			t.Fatalf("transaction after RSET: id=%q rcpts=%d headers=%q", tx.ID, len(tx.Rcpts), tx.ExtraHeaders)
		}
	})
}

// A greeting always resets an in-flight transaction.
func TestPropertyHeloResetsTransaction(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		st := NewContext(&Service{Name: "mx.test", Dispatch: NullDispatch{}})
		Apply(context.Background(), st, PeerConnected(testConnection()))
		applyLine(t, st, "EHLO client.test")
		dirty(t, st)

		verb := rapid.SampledFrom([]string{"HELO", "EHLO", "LHLO"}).Draw(t, "verb")
		applyLine(t, st, verb+" again.test")
		if !st.Transaction().IsEmpty() {
			t.Fatalf("transaction survived %s", verb)
		}
	})
}

// EHLO lists exactly the enabled extensions in enable order; HELO lists none.
func TestPropertyEhloEnumeratesExtensions(t *testing.T) {
	all := []Setup{EnablePipelining, EnableEightBit, EnableSMTPUTF8, EnableEnhancedStatusCodes, EnableStartTLS, EnableSize(1024)}
	names := []string{"PIPELINING", "8BITMIME", "SMTPUTF8", "ENHANCEDSTATUSCODES", "STARTTLS", "SIZE 1024"}
	rapid.Check(t, func(t *rapid.T) {
		var setups []Setup
		var want []string
		for i := range all {
			if rapid.Bool().Draw(t, names[i]) {
				setups = append(setups, all[i])
				want = append(want, names[i])
			}
		}
		st := NewContext(&Service{Name: "mx.test", Setups: setups})
		Apply(context.Background(), st, PeerConnected(testConnection()))
		st.Pop()

		out := applyLine(t, st, "EHLO client.test")
		lines := out[0].Reply.Lines[1:]
		if strings.Join(lines, ",") != strings.Join(want, ",") {
			t.Fatalf("EHLO listed %v; want %v", lines, want)
		}

		out = applyLine(t, st, "HELO client.test")
		if len(out[0].Reply.Lines) != 1 {
			t.Fatalf("HELO listed capabilities: %v", out[0].Reply.Lines)
		}
	})
}
