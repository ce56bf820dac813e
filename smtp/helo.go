package smtp

// HeloKind identifies which greeting verb the peer used.
type HeloKind int

// Greeting verbs.
const (
	HeloHelo HeloKind = iota
	HeloEhlo
	HeloLhlo
)

// Helo is a HELO, EHLO or LHLO greeting carrying the peer's claimed identity.
type Helo struct {
	Kind HeloKind
	Host Host
}

// Verb returns HELO, EHLO or LHLO.
func (h Helo) Verb() string {
	switch h.Kind {
	case HeloEhlo:
		return CmdEHLO
	case HeloLhlo:
		return CmdLHLO
	default:
		return CmdHELO
	}
}

// IsExtended reports whether the greeting asks for the capability list.
// Legacy HELO does not.
func (h Helo) IsExtended() bool {
	return h.Kind == HeloEhlo || h.Kind == HeloLhlo
}
