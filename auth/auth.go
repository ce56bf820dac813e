// Package auth provides the client side of SMTP AUTH (RFC 4954) for the
// delivery transport.
package auth

import (
	"crypto/hmac"
	"crypto/md5" //nolint:gosec // CRAM-MD5 is defined on MD5
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"
)

const (
	// AuthMechanismPlain represents the PLAIN authentication mechanism.
	AuthMechanismPlain = "PLAIN"

	// AuthMechanismLogin represents the LOGIN authentication mechanism.
	AuthMechanismLogin = "LOGIN"

	// AuthMechanismCramMD5 represents the CRAM-MD5 authentication mechanism.
	AuthMechanismCramMD5 = "CRAM-MD5"

	// AuthMechanismCramSHA256 represents the CRAM-SHA256 authentication mechanism.
	AuthMechanismCramSHA256 = "CRAM-SHA256"

	// AuthMechanismXOAuth2 represents the XOAUTH2 authentication mechanism.
	AuthMechanismXOAuth2 = "XOAUTH2"
)

// ErrUnexpectedChallenge is returned when the server sends a challenge a
// mechanism has no answer for.
var ErrUnexpectedChallenge = errors.New("auth: unexpected server challenge")

// Credentials are what the client authenticates with. Token is an OAuth2
// bearer token and only used by XOAUTH2.
type Credentials struct {
	Username string
	Password string
	Token    string
}

// Mechanism is one client SASL mechanism.
type Mechanism interface {
	Name() string
	// Start returns the initial response sent with the AUTH command, or nil
	// when the mechanism waits for a challenge first.
	Start() ([]byte, error)
	// Next answers a decoded server challenge.
	Next(challenge []byte) ([]byte, error)
}

// Plain implements PLAIN: authzid, authcid and password in one response.
type Plain struct {
	Username string
	Password string
}

// Name implements Mechanism.
func (Plain) Name() string { return AuthMechanismPlain }

// Start implements Mechanism.
func (m Plain) Start() ([]byte, error) {
	return []byte("\x00" + m.Username + "\x00" + m.Password), nil
}

// Next implements Mechanism.
func (Plain) Next([]byte) ([]byte, error) { return nil, ErrUnexpectedChallenge }

// Login implements the LOGIN mechanism: username and password in answer to
// two prompts.
type Login struct {
	Username string
	Password string
	step     int
}

// Name implements Mechanism.
func (*Login) Name() string { return AuthMechanismLogin }

// Start implements Mechanism.
func (m *Login) Start() ([]byte, error) {
	m.step = 0
	return nil, nil
}

// Next implements Mechanism. The prompts are matched loosely since servers
// word them differently.
func (m *Login) Next(challenge []byte) ([]byte, error) {
	prompt := strings.ToLower(string(challenge))
	switch {
	case strings.HasPrefix(prompt, "user"):
		m.step = 1
		return []byte(m.Username), nil
	case strings.HasPrefix(prompt, "pass"):
		m.step = 2
		return []byte(m.Password), nil
	}
	// Unknown wording: answer in order.
	m.step++
	switch m.step {
	case 1:
		return []byte(m.Username), nil
	case 2:
		return []byte(m.Password), nil
	default:
		return nil, ErrUnexpectedChallenge
	}
}

// Cram implements CRAM-MD5 and CRAM-SHA256: an HMAC of the server challenge
// keyed with the password.
type Cram struct {
	Username string
	Password string
	HashFunc func() hash.Hash
	Mech     string
}

// Name implements Mechanism.
func (m Cram) Name() string { return m.Mech }

// Start implements Mechanism.
func (Cram) Start() ([]byte, error) { return nil, nil }

// Next implements Mechanism.
func (m Cram) Next(challenge []byte) ([]byte, error) {
	return []byte(GenerateCramResponse(m.HashFunc, m.Username, m.Password, string(challenge))), nil
}

// XOAuth2 implements Google's XOAUTH2 bearer token mechanism.
type XOAuth2 struct {
	Username string
	Token    string
}

// Name implements Mechanism.
func (XOAuth2) Name() string { return AuthMechanismXOAuth2 }

// Start implements Mechanism.
func (m XOAuth2) Start() ([]byte, error) {
	return []byte("user=" + m.Username + "\x01auth=Bearer " + m.Token + "\x01\x01"), nil
}

// Next implements Mechanism. A challenge carries an error report; the empty
// answer lets the server finish with a failure reply.
func (XOAuth2) Next([]byte) ([]byte, error) { return []byte{}, nil }

// NewMechanism creates a client mechanism by name, or nil when unknown.
func NewMechanism(name string, creds Credentials) Mechanism {
	switch strings.ToUpper(name) {
	case AuthMechanismPlain:
		return Plain{Username: creds.Username, Password: creds.Password}
	case AuthMechanismLogin:
		return &Login{Username: creds.Username, Password: creds.Password}
	case AuthMechanismCramMD5:
		return Cram{Username: creds.Username, Password: creds.Password, HashFunc: md5.New, Mech: AuthMechanismCramMD5}
	case AuthMechanismCramSHA256:
		return Cram{Username: creds.Username, Password: creds.Password, HashFunc: sha256.New, Mech: AuthMechanismCramSHA256}
	case AuthMechanismXOAuth2:
		return XOAuth2{Username: creds.Username, Token: creds.Token}
	default:
		return nil
	}
}

// preference lists mechanisms from most to least preferred.
var preference = []string{
	AuthMechanismXOAuth2,
	AuthMechanismCramSHA256,
	AuthMechanismCramMD5,
	AuthMechanismPlain,
	AuthMechanismLogin,
}

// Choose picks the best mechanism the server advertised (the parameters of
// its AUTH extension) that the credentials can serve. XOAUTH2 is only used
// with a token, the others only with a password.
func Choose(advertised string, creds Credentials) Mechanism {
	offered := make(map[string]bool)
	for _, name := range strings.Fields(advertised) {
		offered[strings.ToUpper(name)] = true
	}
	for _, name := range preference {
		if !offered[name] {
			continue
		}
		if name == AuthMechanismXOAuth2 {
			if creds.Token == "" {
				continue
			}
		} else if creds.Password == "" {
			continue
		}
		return NewMechanism(name, creds)
	}
	return nil
}

// Conversation is the wire side of an AUTH exchange: it sends one line and
// returns the server's reply code and text.
type Conversation interface {
	Cmd(line string) (code int, text string, err error)
}

// Failure is a negative reply ending an AUTH exchange.
type Failure struct {
	Code    int
	Message string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("auth: %d %s", f.Code, f.Message)
}

// Run performs AUTH with m over conv. It returns nil on 235.
func Run(conv Conversation, m Mechanism) error {
	initial, err := m.Start()
	if err != nil {
		return err
	}
	line := "AUTH " + m.Name()
	if initial != nil {
		if len(initial) == 0 {
			line += " ="
		} else {
			line += " " + base64.StdEncoding.EncodeToString(initial)
		}
	}

	code, text, err := conv.Cmd(line)
	for {
		if err != nil {
			return err
		}
		switch code {
		case 235:
			return nil
		case 334:
			challenge, derr := base64.StdEncoding.DecodeString(strings.TrimSpace(text))
			if derr != nil {
				_, _, _ = conv.Cmd("*")
				return fmt.Errorf("auth: invalid challenge encoding: %w", derr)
			}
			resp, nerr := m.Next(challenge)
			if nerr != nil {
				_, _, _ = conv.Cmd("*")
				return nerr
			}
			code, text, err = conv.Cmd(base64.StdEncoding.EncodeToString(resp))
		default:
			return &Failure{Code: code, Message: text}
		}
	}
}

// GenerateCramResponse builds a CRAM response: the username, a space, and the
// hex HMAC of the challenge keyed with the password.
func GenerateCramResponse(hashFunc func() hash.Hash, username, password, challenge string) string {
	h := hmac.New(hashFunc, []byte(password))
	h.Write([]byte(challenge))
	return username + " " + hex.EncodeToString(h.Sum(nil))
}

// RedactAuthArgs returns a copy of args safe for logging by redacting any
// credential/token payloads typically present in AUTH commands.
// Examples:
//   - AUTH PLAIN <base64> -> AUTH PLAIN [redacted]
//   - AUTH XOAUTH2 <base64> -> AUTH XOAUTH2 [redacted]
func RedactAuthArgs(args []string) []string {
	if len(args) == 0 {
		return args
	}
	out := make([]string, len(args))
	copy(out, args)
	// AUTH mechanisms normally have the credential data in args[1]
	if len(out) > 1 {
		out[1] = "[redacted]"
	}
	return out
}
