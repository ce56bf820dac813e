// Package stream provides a network connection that can be upgraded to TLS
// in place, the way STARTTLS does on both ends of an SMTP connection.
package stream

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"
)

var (
	// ErrInvalidState is returned by Encrypt when the connection is not plain.
	ErrInvalidState = errors.New("stream: invalid state for encryption")
	// ErrNoUpgrader is returned by Encrypt when no upgrader is configured.
	ErrNoUpgrader = errors.New("stream: no TLS upgrader configured")
	// ErrBroken means an upgrade was interrupted and the connection is unusable.
	ErrBroken = errors.New("stream: connection broken during upgrade")
)

// TLSConn is the secured side of an upgrade. *tls.Conn implements it.
type TLSConn interface {
	net.Conn
	HandshakeContext(ctx context.Context) error
	ConnectionState() tls.ConnectionState
}

// Upgrader wraps a plain connection in TLS. The handshake is not started.
type Upgrader interface {
	Upgrade(conn net.Conn) TLSConn
}

// TLSServer upgrades as the server side.
type TLSServer struct {
	Config *tls.Config
}

// Upgrade implements Upgrader.
func (u TLSServer) Upgrade(conn net.Conn) TLSConn {
	return tls.Server(conn, u.Config)
}

// TLSClient upgrades as the client side. ServerName overrides the config's
// server name when set.
type TLSClient struct {
	Config     *tls.Config
	ServerName string
}

// Upgrade implements Upgrader.
func (u TLSClient) Upgrade(conn net.Conn) TLSConn {
	cfg := u.Config
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if u.ServerName != "" && cfg.ServerName == "" {
		cfg = cfg.Clone()
		cfg.ServerName = u.ServerName
	}
	return tls.Client(conn, cfg)
}

type state int

const (
	statePlain state = iota
	stateHandshake
	stateEncrypted
	// stateMoved is held only while Encrypt swaps the plain connection for
	// the TLS one. Seeing it anywhere else means the swap did not finish.
	stateMoved
)

// Conn is a net.Conn that starts plain and may be switched to TLS once with
// Encrypt. After Encrypt every Read, Write and Close first completes the TLS
// handshake, so callers never deal with a half-upgraded connection.
type Conn struct {
	mu       sync.Mutex
	state    state
	raw      net.Conn
	upgrader Upgrader
	secure   TLSConn

	// HandshakeTimeout bounds the handshake run implicitly by Read, Write
	// and Close. Zero means the connection deadlines alone apply.
	HandshakeTimeout time.Duration
}

var _ net.Conn = (*Conn)(nil)

// New wraps raw. With a nil upgrader the connection can never be encrypted.
func New(raw net.Conn, upgrader Upgrader) *Conn {
	return &Conn{raw: raw, upgrader: upgrader}
}

// CanEncrypt reports whether Encrypt would succeed.
func (c *Conn) CanEncrypt() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == statePlain && c.upgrader != nil
}

// IsEncrypted reports whether an upgrade has been started. It is true while
// the handshake is still in progress.
func (c *Conn) IsEncrypted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateHandshake || c.state == stateEncrypted
}

// Encrypt starts the TLS upgrade. It only succeeds from the plain state; a
// second call fails with ErrInvalidState and changes nothing.
func (c *Conn) Encrypt() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case statePlain:
	case stateMoved:
		return ErrBroken
	default:
		return ErrInvalidState
	}
	if c.upgrader == nil {
		return ErrNoUpgrader
	}
	c.state = stateMoved
	c.secure = c.upgrader.Upgrade(c.raw)
	c.state = stateHandshake
	return nil
}

// Handshake completes a pending TLS handshake. It returns nil for a plain or
// already encrypted connection.
func (c *Conn) Handshake(ctx context.Context) error {
	_, err := c.ready(ctx)
	return err
}

// ConnectionState returns the TLS state once the handshake is complete.
func (c *Conn) ConnectionState() (tls.ConnectionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateEncrypted {
		return tls.ConnectionState{}, false
	}
	return c.secure.ConnectionState(), true
}

// ready returns the connection to do I/O on, finishing a pending handshake first.
func (c *Conn) ready(ctx context.Context) (net.Conn, error) {
	c.mu.Lock()
	st, raw, secure := c.state, c.raw, c.secure
	c.mu.Unlock()

	switch st {
	case statePlain:
		return raw, nil
	case stateEncrypted:
		return secure, nil
	case stateHandshake:
		if ctx == nil {
			ctx = context.Background()
		}
		if c.HandshakeTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.HandshakeTimeout)
			defer cancel()
		}
		if err := secure.HandshakeContext(ctx); err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.state == stateHandshake {
			c.state = stateEncrypted
		}
		c.mu.Unlock()
		return secure, nil
	default:
		return nil, ErrBroken
	}
}

// Read implements net.Conn.
func (c *Conn) Read(p []byte) (int, error) {
	conn, err := c.ready(context.Background())
	if err != nil {
		return 0, err
	}
	return conn.Read(p)
}

// Write implements net.Conn.
func (c *Conn) Write(p []byte) (int, error) {
	conn, err := c.ready(context.Background())
	if err != nil {
		return 0, err
	}
	return conn.Write(p)
}

// Close implements net.Conn. A failed handshake still closes the socket.
func (c *Conn) Close() error {
	conn, err := c.ready(context.Background())
	if err != nil {
		_ = c.raw.Close()
		return err
	}
	return conn.Close()
}

// LocalAddr implements net.Conn.
func (c *Conn) LocalAddr() net.Addr { return c.raw.LocalAddr() }

// RemoteAddr implements net.Conn.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// SetDeadline implements net.Conn.
func (c *Conn) SetDeadline(t time.Time) error { return c.raw.SetDeadline(t) }

// SetReadDeadline implements net.Conn.
func (c *Conn) SetReadDeadline(t time.Time) error { return c.raw.SetReadDeadline(t) }

// SetWriteDeadline implements net.Conn.
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.raw.SetWriteDeadline(t) }
