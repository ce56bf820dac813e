package delivery

import (
	"context"
	"errors"
	"io"
	"sync"

	"samotop/smtp"
)

// Envelope is the sender and recipients of one message.
type Envelope struct {
	ID   string
	From smtp.Path
	To   []smtp.Path
}

func (e Envelope) needsUTF8() bool {
	if e.From.IsUTF8() {
		return true
	}
	for _, to := range e.To {
		if to.IsUTF8() {
			return true
		}
	}
	return false
}

// Transport relays mail to one server and keeps a single connection alive
// between sends. Only one send holds the connection at a time; a second
// Send waits until the first DataStream is closed.
type Transport struct {
	cfg       Config
	connector Connector
	// slot holds the idle connection, or nil when none is open. Taking the
	// value is holding the lease.
	slot chan *connection
}

// NewTransport returns a transport for cfg. A nil connector dials TCP.
func NewTransport(cfg Config, connector Connector) *Transport {
	cfg.EnsureDefaults()
	if connector == nil {
		connector = TCPConnector{}
	}
	t := &Transport{cfg: cfg, connector: connector, slot: make(chan *connection, 1)}
	t.slot <- nil
	return t
}

func (t *Transport) acquire(ctx context.Context) (*connection, error) {
	select {
	case c := <-t.slot:
		return c, nil
	case <-ctx.Done():
		return nil, &Error{Kind: KindTimeout, Message: "waiting for connection", Err: ctx.Err()}
	}
}

func (t *Transport) release(c *connection) {
	t.slot <- c
}

// connect opens, greets, secures and authenticates a new connection.
func (t *Transport) connect(ctx context.Context) (*connection, error) {
	conn, err := t.connector.Connect(ctx, &t.cfg)
	if err != nil {
		var de *Error
		if errors.As(err, &de) {
			return nil, de
		}
		return nil, &Error{Kind: KindNoStream, Err: err}
	}
	c := newConnection(conn, t.cfg.Timeout)
	if err := t.handshake(ctx, c); err != nil {
		_ = c.close()
		return nil, err
	}
	// Saturating: the countdown never wraps for huge MaxReuse values.
	c.reuse = t.cfg.MaxReuse + 1
	if c.reuse < t.cfg.MaxReuse {
		c.reuse = t.cfg.MaxReuse
	}
	return c, nil
}

func (t *Transport) handshake(ctx context.Context, c *connection) error {
	if err := c.banner(ctx); err != nil {
		return err
	}
	if err := c.ehlo(ctx, t.cfg.HelloName); err != nil {
		return err
	}
	if !c.conn.IsEncrypted() {
		switch t.cfg.SecurityMode() {
		case SecurityRequired:
			if err := c.startTLS(ctx, t.cfg.HelloName); err != nil {
				return err
			}
		case SecurityOpportunistic:
			if c.info.Supports(smtp.ExtStartTLS) && c.conn.CanEncrypt() {
				if err := c.startTLS(ctx, t.cfg.HelloName); err != nil {
					return err
				}
			}
		}
	}
	return c.login(ctx, &t.cfg)
}

// Send starts a message: it leases the connection (opening or recycling it
// as needed), runs MAIL, RCPT and DATA and returns the stream the body is
// written to. The lease is held until the stream is closed. A reused
// connection that turns out dead is replaced once without surfacing an
// error.
func (t *Transport) Send(ctx context.Context, env Envelope) (*DataStream, error) {
	c, err := t.acquire(ctx)
	if err != nil {
		return nil, err
	}

	if c != nil && c.reuse == 0 {
		c.quit(ctx)
		c = nil
	}
	reused := c != nil
	if c == nil {
		if c, err = t.connect(ctx); err != nil {
			t.release(nil)
			return nil, err
		}
	}
	if c.reuse > 0 {
		c.reuse--
	}

	err = c.prepare(ctx, env)
	if err != nil && reused && isConnectionError(err) {
		_ = c.close()
		if c, err = t.connect(ctx); err != nil {
			t.release(nil)
			return nil, err
		}
		c.reuse--
		err = c.prepare(ctx, env)
	}
	if err != nil {
		t.recover(ctx, c, err)
		return nil, err
	}
	return &DataStream{t: t, c: c, w: c.body(), ctx: context.WithoutCancel(ctx)}, nil
}

// recover returns the lease after a failed transaction, keeping the
// connection when the server only refused the mail.
func (t *Transport) recover(ctx context.Context, c *connection, err error) {
	if !isConnectionError(err) && c.reset(ctx) == nil {
		t.release(c)
		return
	}
	_ = c.close()
	t.release(nil)
}

// ServerInfo returns what the idle connection knows about the server, if a
// connection is open and not in use.
func (t *Transport) ServerInfo() (ServerInfo, bool) {
	select {
	case c := <-t.slot:
		defer t.release(c)
		if c == nil {
			return ServerInfo{}, false
		}
		return c.info, true
	default:
		return ServerInfo{}, false
	}
}

// Close quits the idle connection. It waits for an active send to finish.
func (t *Transport) Close(ctx context.Context) error {
	c, err := t.acquire(ctx)
	if err != nil {
		return err
	}
	if c != nil {
		c.quit(ctx)
	}
	t.release(nil)
	return nil
}

// DataStream is the body of one message in flight. Close sends the final
// dot and waits for the server's verdict.
type DataStream struct {
	t   *Transport
	c   *connection
	w   io.WriteCloser
	ctx context.Context

	once   sync.Once
	err    error
	queued string
}

// Write implements io.Writer. Line endings are normalised to CRLF and
// leading dots are stuffed.
func (d *DataStream) Write(p []byte) (int, error) {
	if d.c == nil {
		return 0, &Error{Kind: KindClient, Message: "stream closed"}
	}
	d.c.deadline(d.ctx)
	n, err := d.w.Write(p)
	if err != nil {
		return n, ioError(err)
	}
	return n, nil
}

// Close finishes the message and releases the connection.
func (d *DataStream) Close() error {
	d.once.Do(func() {
		c := d.c
		d.c = nil
		if err := d.w.Close(); err != nil {
			d.err = ioError(err)
			_ = c.close()
			d.t.release(nil)
			return
		}
		r, err := c.finish(d.ctx)
		if err != nil {
			d.err = err
			if isConnectionError(err) {
				_ = c.close()
				d.t.release(nil)
				return
			}
		}
		d.queued = r.Message
		d.t.release(c)
	})
	return d.err
}

// Abort drops the connection without completing the message. The server
// sees the connection close mid-data and discards the transaction.
func (d *DataStream) Abort() error {
	d.once.Do(func() {
		c := d.c
		d.c = nil
		d.err = c.close()
		d.t.release(nil)
	})
	return d.err
}

// Response returns the server's text for the accepted message, usually its
// queue id.
func (d *DataStream) Response() string { return d.queued }
