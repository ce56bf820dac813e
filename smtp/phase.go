package smtp

// Phase summarises where a session is in the command sequence. The session
// derives it from its state and records it for observers; the state machine
// never branches on it.
type Phase int

// SMTP session phases.
const (
	// PhaseGreeting is the phase before a successful HELO/EHLO/LHLO.
	PhaseGreeting Phase = iota

	// PhaseHelo is the phase after a greeting with no mail transaction.
	PhaseHelo

	// PhaseMail is the phase after MAIL FROM was accepted.
	PhaseMail

	// PhaseRcpt is the phase after at least one RCPT TO was accepted.
	PhaseRcpt

	// PhaseData is the phase while mail data is streamed into a sink.
	PhaseData

	// PhaseQuit is the terminal phase after QUIT or a shutdown.
	PhaseQuit
)

// String returns a string representation of the Phase.
func (p Phase) String() string {
	switch p {
	case PhaseGreeting:
		return "GREETING"
	case PhaseHelo:
		return "HELO"
	case PhaseMail:
		return "MAIL"
	case PhaseRcpt:
		return "RCPT"
	case PhaseData:
		return "DATA"
	case PhaseQuit:
		return "QUIT"
	default:
		return "UNKNOWN"
	}
}
