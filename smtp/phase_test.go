package smtp

import (
	"testing"
)

func TestPhaseString(t *testing.T) {
	phases := map[Phase]string{
		PhaseGreeting: "GREETING",
		PhaseHelo:     "HELO",
		PhaseMail:     "MAIL",
		PhaseRcpt:     "RCPT",
		PhaseData:     "DATA",
		PhaseQuit:     "QUIT",
		Phase(99):     "UNKNOWN",
	}
	for p, want := range phases {
		if got := p.String(); got != want {
			t.Errorf("Phase(%d).String() = %q; want %q", p, got, want)
		}
	}
}
