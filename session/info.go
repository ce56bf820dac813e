package session

import (
	"net"
	"time"

	"samotop/smtp"
)

// Connection describes the transport underneath a session.
type Connection struct {
	// ID identifies the connection in logs and metrics.
	ID          string
	Local       net.Addr
	Peer        net.Addr
	Established time.Time
	// Encrypted is set once TLS is in place or being negotiated.
	Encrypted bool
	// CanEncrypt is set when the transport can be upgraded with STARTTLS.
	CanEncrypt bool
}

// PeerIP returns the peer's IP address as a string, or the full address when
// it has no host part.
func (c Connection) PeerIP() string {
	if c.Peer == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(c.Peer.String())
	if err != nil {
		return c.Peer.String()
	}
	return host
}

// SessionInfo is the per-connection record. It is owned by the session and
// only changed by Apply.
type SessionInfo struct {
	Connection  Connection
	Extensions  *smtp.ExtensionSet
	ServiceName string
	// PeerName is the name the peer announced in its last greeting.
	PeerName string
	// Helo is the last accepted greeting, nil before HELO/EHLO/LHLO.
	Helo           *smtp.Helo
	LastCommandAt  time.Time
	CommandTimeout time.Duration
	// Phase is where the session stood when its latest reply was queued.
	Phase smtp.Phase
}

// Greeted reports whether the peer has sent HELO, EHLO or LHLO.
func (s *SessionInfo) Greeted() bool {
	return s.Helo != nil
}

// resetGreeting forgets the greeting and every negotiated extension.
func (s *SessionInfo) resetGreeting() {
	s.Helo = nil
	s.PeerName = ""
	s.Extensions = smtp.NewExtensionSet()
}
