// Package smtp is the command model: parsed commands, paths and hosts,
// replies and the extension set.
package smtp

import "strings"

// Command verb constants
const (
	CmdHELO     = "HELO"
	CmdEHLO     = "EHLO"
	CmdLHLO     = "LHLO"
	CmdMAIL     = "MAIL"
	CmdSEND     = "SEND"
	CmdSAML     = "SAML"
	CmdSOML     = "SOML"
	CmdRCPT     = "RCPT"
	CmdDATA     = "DATA"
	CmdRSET     = "RSET"
	CmdNOOP     = "NOOP"
	CmdQUIT     = "QUIT"
	CmdSTARTTLS = "STARTTLS"
	CmdVRFY     = "VRFY"
	CmdEXPN     = "EXPN"
	CmdHELP     = "HELP"
	CmdTURN     = "TURN"
)

// Command is a parsed SMTP command. The set of implementations is closed;
// callers switch on the concrete type.
type Command interface {
	// Verb returns the protocol verb, used for logging and diagnostics.
	Verb() string
	command()
}

// StartTLS is the STARTTLS command (RFC 3207).
type StartTLS struct{}

// Rcpt is the RCPT TO command.
type Rcpt struct {
	Path   Path
	Params []string
}

// Data is the DATA command.
type Data struct{}

// Rset is the RSET command.
type Rset struct{}

// Quit is the QUIT command.
type Quit struct{}

// Noop is the NOOP command. Arguments are accepted and ignored.
type Noop struct {
	Args []string
}

// Expn is the legacy EXPN command.
type Expn struct {
	Arg string
}

// Vrfy is the legacy VRFY command.
type Vrfy struct {
	Arg string
}

// Help is the HELP command.
type Help struct {
	Args []string
}

// Turn is the obsolete TURN command.
type Turn struct{}

// Other is any verb this package has no dedicated type for.
type Other struct {
	Name string
	Args []string
}

func (StartTLS) Verb() string { return CmdSTARTTLS }
func (Rcpt) Verb() string     { return CmdRCPT }
func (Data) Verb() string     { return CmdDATA }
func (Rset) Verb() string     { return CmdRSET }
func (Quit) Verb() string     { return CmdQUIT }
func (Noop) Verb() string     { return CmdNOOP }
func (Expn) Verb() string     { return CmdEXPN }
func (Vrfy) Verb() string     { return CmdVRFY }
func (Help) Verb() string     { return CmdHELP }
func (Turn) Verb() string     { return CmdTURN }

// Verb returns the upper-cased verb the peer sent.
func (o Other) Verb() string { return strings.ToUpper(o.Name) }

func (StartTLS) command() {}
func (Helo) command()     {}
func (Mail) command()     {}
func (Rcpt) command()     {}
func (Data) command()     {}
func (Rset) command()     {}
func (Quit) command()     {}
func (Noop) command()     {}
func (Expn) command()     {}
func (Vrfy) command()     {}
func (Help) command()     {}
func (Turn) command()     {}
func (Other) command()    {}

// MailKind distinguishes MAIL from the RFC 821 SEND, SAML and SOML variants.
type MailKind int

// Mail transaction start verbs.
const (
	MailMail MailKind = iota
	MailSend
	MailSaml
	MailSoml
)

// Mail starts a new mail transaction. All kinds are applied identically.
type Mail struct {
	Kind   MailKind
	Path   Path
	Params []string
}

// Verb returns MAIL, SEND, SAML or SOML.
func (m Mail) Verb() string {
	switch m.Kind {
	case MailSend:
		return CmdSEND
	case MailSaml:
		return CmdSAML
	case MailSoml:
		return CmdSOML
	default:
		return CmdMAIL
	}
}

// HasParam reports whether the MAIL parameters include name (case-insensitive),
// either bare or as name=value.
func (m Mail) HasParam(name string) bool {
	for _, p := range m.Params {
		key, _, _ := strings.Cut(p, "=")
		if strings.EqualFold(key, name) {
			return true
		}
	}
	return false
}
