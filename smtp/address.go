package smtp

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/net/idna"
)

const (
	// MaxDomainLength is the RFC 1035 maximum length of a domain name
	MaxDomainLength = 255
	// MaxLocalPartLength is the RFC 5321 maximum length of local part in email address
	MaxLocalPartLength = 64

	maxASCII = 127
)

var (
	// ErrInvalidPath is returned when a forward or reverse path cannot be parsed.
	ErrInvalidPath = errors.New("invalid path")
	// ErrInvalidMailbox is returned when a mailbox has no usable local part or domain.
	ErrInvalidMailbox = errors.New("invalid mailbox")
)

var asciiLocalRe = regexp.MustCompile(`^[a-zA-Z0-9.!#$%&'*+/=?^_` + "`" + `{|}~-]+$`)

var (
	// Compiled domain validation regex with UTF-8 support
	domainRegex     *regexp.Regexp
	domainRegexOnce sync.Once
)

// getDomainRegex returns the compiled domain validation regex, initialising it once
func getDomainRegex() *regexp.Regexp {
	domainRegexOnce.Do(func() {
		// Each label can be 1-63 characters, with hyphens allowed in the middle
		pattern := `^[\p{L}\p{N}\p{M}]` +
			`(?:[\p{L}\p{N}\p{M}-]{0,61}[\p{L}\p{N}\p{M}])?` +
			`(?:\.[\p{L}\p{N}\p{M}](?:[-\p{L}\p{N}\p{M}]{0,61}[\p{L}\p{N}\p{M}])?)*$`
		domainRegex = regexp.MustCompile(pattern)
	})
	return domainRegex
}

// ValidateDomain validates a domain name with UTF-8/internationalised domain support.
// This supports both ASCII domains (example.com) and internationalised domains (例え.jp).
func ValidateDomain(domain string) bool {
	if domain == "" || len(domain) > MaxDomainLength {
		return false
	}
	return getDomainRegex().MatchString(domain)
}

// HostKind classifies how a host was written on the wire.
type HostKind int

// Host kinds.
const (
	HostDomain HostKind = iota
	HostIPv4
	HostIPv6
	HostOther
	HostInvalid
)

// Host is a domain name or address literal as it appears in HELO/EHLO and paths.
type Host struct {
	Kind HostKind
	// Name is the ASCII (A-label) form of a domain, or the raw text of an invalid host.
	Name string
	// Unicode is the U-label form of an internationalised domain, empty otherwise.
	Unicode string
	IP      net.IP
	// Label and Literal hold a general address literal such as [x400:...].
	Label   string
	Literal string
}

// ParseHost parses a domain or an address literal. Anything unparsable comes back
// as a HostInvalid host carrying the raw text, so a greeting is never refused
// purely on the form of the peer's name.
func ParseHost(s string) Host {
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		return parseLiteral(s[1 : len(s)-1])
	}
	if !ValidateDomain(s) {
		return Host{Kind: HostInvalid, Name: s}
	}
	ascii, err := idna.Lookup.ToASCII(s)
	if err != nil {
		return Host{Kind: HostInvalid, Name: s}
	}
	h := Host{Kind: HostDomain, Name: strings.ToLower(ascii)}
	if uni, err := idna.Lookup.ToUnicode(ascii); err == nil && uni != h.Name {
		h.Unicode = uni
	}
	return h
}

func parseLiteral(lit string) Host {
	if ip := net.ParseIP(lit); ip != nil && ip.To4() != nil && !strings.Contains(lit, ":") {
		return Host{Kind: HostIPv4, IP: ip}
	}
	label, rest, ok := strings.Cut(lit, ":")
	if !ok || label == "" {
		return Host{Kind: HostInvalid, Name: "[" + lit + "]"}
	}
	if strings.EqualFold(label, "IPv6") {
		if ip := net.ParseIP(rest); ip != nil {
			return Host{Kind: HostIPv6, IP: ip}
		}
		return Host{Kind: HostInvalid, Name: "[" + lit + "]"}
	}
	return Host{Kind: HostOther, Label: label, Literal: rest}
}

// String formats the host the way it is written in SMTP.
func (h Host) String() string {
	switch h.Kind {
	case HostIPv4:
		return "[" + h.IP.String() + "]"
	case HostIPv6:
		return "[IPv6:" + h.IP.String() + "]"
	case HostOther:
		return "[" + h.Label + ":" + h.Literal + "]"
	default:
		return h.Name
	}
}

// Domain returns the domain for HostDomain, empty otherwise.
func (h Host) Domain() string {
	if h.Kind == HostDomain {
		return h.Name
	}
	return ""
}

// IsUTF8 reports whether the host needs SMTPUTF8 to be written in U-label form.
func (h Host) IsUTF8() bool {
	return h.Unicode != ""
}

// Address is a mailbox: a local part at a host.
type Address struct {
	Mailbox string
	Host    Host
}

// ParseAddress parses local@host. The local part keeps its case; quoted local
// parts are accepted as-is. allowUTF8 permits non-ASCII local parts (SMTPUTF8).
func ParseAddress(s string, allowUTF8 bool) (Address, error) {
	s = strings.TrimSpace(s)
	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidMailbox, s)
	}
	local, domain := s[:at], s[at+1:]
	if len(local) > MaxLocalPartLength || !validLocal(local, allowUTF8) {
		return Address{}, fmt.Errorf("%w: local part %q", ErrInvalidMailbox, local)
	}
	host := ParseHost(domain)
	if host.Kind == HostInvalid {
		return Address{}, fmt.Errorf("%w: domain %q", ErrInvalidMailbox, domain)
	}
	return Address{Mailbox: local, Host: host}, nil
}

// String formats the address as local@host.
func (a Address) String() string {
	return a.Mailbox + "@" + a.Host.String()
}

// validLocal validates an unquoted or quoted local part.
func validLocal(local string, allowUTF8 bool) bool {
	if strings.HasPrefix(local, "\"") && strings.HasSuffix(local, "\"") {
		return len(local) >= 2
	}
	if !allowUTF8 {
		return asciiLocalRe.MatchString(local)
	}
	for _, r := range local {
		if !isAllowedLocalRune(r, true) {
			return false
		}
	}
	return true
}

// isAllowedLocalRune reports whether r is an allowed character in an unquoted local part.
func isAllowedLocalRune(r rune, allowUTF8Local bool) bool {
	switch r {
	case '.', '!', '#', '$', '%', '&', '\'', '*', '+', '/', '=', '?', '^', '_', '`', '{', '|', '}', '~', '-':
		return true
	}
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		if !allowUTF8Local && r > maxASCII {
			return false
		}
		return true
	}
	return false
}

// PathKind distinguishes the shapes of an SMTP path.
type PathKind int

// Path kinds.
const (
	// PathNull is the empty reverse path <> used for bounces.
	PathNull PathKind = iota
	// PathPostmaster is <postmaster> without a domain.
	PathPostmaster
	// PathDirect is a plain <local@host>.
	PathDirect
	// PathRelay is a source-routed <@a,@b:local@host>.
	PathRelay
)

// Path is an SMTP forward or reverse path. Direct and Relay paths always carry
// exactly one mailbox in Address; Relay paths list the source route in Relays.
type Path struct {
	Kind    PathKind
	Address Address
	Relays  []Host
}

// NullPath returns <>.
func NullPath() Path { return Path{Kind: PathNull} }

// PostmasterPath returns <POSTMASTER>.
func PostmasterPath() Path { return Path{Kind: PathPostmaster} }

// DirectPath returns a path for a single mailbox.
func DirectPath(a Address) Path { return Path{Kind: PathDirect, Address: a} }

// ParsePath parses a path with or without angle brackets.
func ParsePath(s string, allowUTF8 bool) (Path, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">") {
		s = s[1 : len(s)-1]
	} else if strings.ContainsAny(s, "<>") {
		return Path{}, fmt.Errorf("%w: unbalanced brackets in %q", ErrInvalidPath, s)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return NullPath(), nil
	}
	if strings.EqualFold(s, "postmaster") {
		return PostmasterPath(), nil
	}

	var relays []Host
	if strings.HasPrefix(s, "@") {
		route, mailbox, ok := strings.Cut(s, ":")
		if !ok {
			return Path{}, fmt.Errorf("%w: source route without mailbox in %q", ErrInvalidPath, s)
		}
		for _, hop := range strings.Split(route, ",") {
			hop = strings.TrimPrefix(strings.TrimSpace(hop), "@")
			h := ParseHost(hop)
			if h.Kind == HostInvalid {
				return Path{}, fmt.Errorf("%w: relay %q", ErrInvalidPath, hop)
			}
			relays = append(relays, h)
		}
		s = mailbox
	}

	addr, err := ParseAddress(s, allowUTF8)
	if err != nil {
		return Path{}, fmt.Errorf("%w: %w", ErrInvalidPath, err)
	}
	if len(relays) > 0 {
		return Path{Kind: PathRelay, Address: addr, Relays: relays}, nil
	}
	return DirectPath(addr), nil
}

// Mailbox returns the bare address: "" for the null path, POSTMASTER for postmaster.
func (p Path) Mailbox() string {
	switch p.Kind {
	case PathNull:
		return ""
	case PathPostmaster:
		return "POSTMASTER"
	default:
		return p.Address.String()
	}
}

// String formats the path in angle brackets, including any source route.
func (p Path) String() string {
	if p.Kind != PathRelay {
		return "<" + p.Mailbox() + ">"
	}
	hops := make([]string, 0, len(p.Relays))
	for _, h := range p.Relays {
		hops = append(hops, "@"+h.String())
	}
	return "<" + strings.Join(hops, ",") + ":" + p.Mailbox() + ">"
}

// IsUTF8 reports whether the path contains non-ASCII characters.
func (p Path) IsUTF8() bool {
	if p.Kind != PathDirect && p.Kind != PathRelay {
		return false
	}
	if p.Address.Host.IsUTF8() {
		return true
	}
	for _, r := range p.Address.Mailbox {
		if r > maxASCII {
			return true
		}
	}
	return false
}
