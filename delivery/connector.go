package delivery

import (
	"context"
	"crypto/tls"
	"net"

	"samotop/stream"
)

// Connector opens the raw stream to the relay. Wrapper mode returns a stream
// that is already encrypted.
type Connector interface {
	Connect(ctx context.Context, cfg *Config) (*stream.Conn, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, cfg *Config) (*stream.Conn, error)

// Connect calls f.
func (f ConnectorFunc) Connect(ctx context.Context, cfg *Config) (*stream.Conn, error) {
	return f(ctx, cfg)
}

// TCPConnector dials the relay over TCP.
type TCPConnector struct {
	Dialer *net.Dialer
}

// Connect implements Connector.
func (t TCPConnector) Connect(ctx context.Context, cfg *Config) (*stream.Conn, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: cfg.Timeout}
	}
	raw, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, &Error{Kind: KindNoStream, Message: "dial " + cfg.Address, Err: err}
	}
	return Wrap(ctx, raw, cfg)
}

// Wrap turns a dialled connection into an upgradable stream for cfg,
// encrypting immediately in wrapper mode.
func Wrap(ctx context.Context, raw net.Conn, cfg *Config) (*stream.Conn, error) {
	var up stream.Upgrader
	if cfg.SecurityMode() != SecurityNone {
		up = stream.TLSClient{Config: clientTLS(cfg), ServerName: cfg.ServerName()}
	}
	conn := stream.New(raw, up)
	conn.HandshakeTimeout = cfg.Timeout
	if cfg.SecurityMode() == SecurityWrapper {
		if err := conn.Encrypt(); err != nil {
			_ = raw.Close()
			return nil, &Error{Kind: KindClient, Message: "cannot encrypt", Err: err}
		}
		if err := conn.Handshake(ctx); err != nil {
			_ = conn.Close()
			return nil, &Error{Kind: KindNoStream, Message: "TLS handshake", Err: err}
		}
	}
	return conn, nil
}

func clientTLS(cfg *Config) *tls.Config {
	if cfg.TLS != nil {
		return cfg.TLS
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}
}
