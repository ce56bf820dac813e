package server

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"samotop/session"
	"samotop/smtp"
	"samotop/stream"
)

// maxWriteDeadline caps how long a shutdown notice may take to write.
const maxWriteDeadline = 5 * time.Second

// conn feeds one client connection into a session as read events and writes
// the session's replies back. Reads and writes happen on the session's
// goroutine; only shutdown may come from elsewhere.
type conn struct {
	sc      *stream.Conn
	r       *bufio.Reader
	w       *bufio.Writer
	timeout time.Duration

	pending []session.ReadControl
	// data is set between a 354 reply and the terminating dot.
	data bool
	// midLine is set while a data line longer than the read buffer is
	// being passed on in pieces.
	midLine bool

	mu     sync.Mutex
	closed bool
}

var _ session.Input = (*conn)(nil)

func newConn(sc *stream.Conn, timeout time.Duration, first session.ReadControl) *conn {
	return &conn{
		sc:      sc,
		r:       bufio.NewReaderSize(sc, MaxCommandLength),
		w:       bufio.NewWriter(sc),
		timeout: timeout,
		pending: []session.ReadControl{first},
	}
}

// Read implements session.Input.
func (c *conn) Read(ctx context.Context) (session.ReadControl, error) {
	if len(c.pending) > 0 {
		rc := c.pending[0]
		c.pending = c.pending[1:]
		return rc, nil
	}
	if c.timeout > 0 {
		_ = c.sc.SetReadDeadline(time.Now().Add(c.timeout))
	}
	line, err := c.r.ReadSlice('\n')
	full := err == nil
	if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
		if ctx.Err() != nil {
			return session.ReadControl{}, ctx.Err()
		}
		return session.ReadControl{}, err
	}
	if c.data {
		return c.readData(line, full), nil
	}
	return c.readCommand(line, full), nil
}

func (c *conn) readCommand(line []byte, full bool) session.ReadControl {
	if !full {
		// Command too long: the rest of the line is dropped.
		c.discardLine()
		return session.Raw(bytes.Clone(line))
	}
	text := strings.TrimRight(string(line), "\r\n")
	if strings.TrimSpace(text) == "" {
		return session.Empty()
	}
	cmd, err := smtp.Parse(text)
	if err != nil {
		return session.Raw([]byte(text))
	}
	return session.CommandRead(cmd)
}

func (c *conn) discardLine() {
	for {
		if _, err := c.r.ReadSlice('\n'); !errors.Is(err, bufio.ErrBufferFull) {
			return
		}
	}
}

// readData turns one body line into events. A line holding only a dot ends
// the body; any other line starting with a dot has it removed.
func (c *conn) readData(line []byte, full bool) session.ReadControl {
	atStart := !c.midLine
	c.midLine = !full
	if atStart && line[0] == '.' {
		rest := line[1:]
		if full && (string(rest) == "\r\n" || string(rest) == "\n") {
			c.data = false
			return session.EndOfMailData()
		}
		c.pending = append(c.pending, session.MailDataChunk(bytes.Clone(rest)))
		return session.EscapeDot()
	}
	return session.MailDataChunk(bytes.Clone(line))
}

// write sends the reply of wc, if any. Plain replies stay buffered while
// more pipelined input is waiting so a batch of commands gets one batch of
// replies; everything else is flushed at once.
func (c *conn) write(wc session.WriteControl) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	if c.timeout > 0 {
		_ = c.sc.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	if wc.HasReply() {
		if _, err := c.w.WriteString(wc.Reply.String() + "\r\n"); err != nil {
			return err
		}
	}
	if wc.Kind == session.WriteReply && c.r.Buffered() > 0 {
		return nil
	}
	return c.w.Flush()
}

// startTLS upgrades the connection after the 220 reply to STARTTLS went out.
func (c *conn) startTLS(ctx context.Context) (tls.ConnectionState, error) {
	// Input that arrived before the handshake was sent in the clear.
	if n := c.r.Buffered(); n > 0 {
		_, _ = c.r.Discard(n)
	}
	if err := c.sc.Encrypt(); err != nil {
		return tls.ConnectionState{}, err
	}
	if err := c.sc.Handshake(ctx); err != nil {
		return tls.ConnectionState{}, err
	}
	c.r.Reset(c.sc)
	state, _ := c.sc.ConnectionState()
	return state, nil
}

// shutdown writes r and closes the connection. It is safe to call while the
// session is running.
func (c *conn) shutdown(r smtp.Reply, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.sc.SetWriteDeadline(deadline)
	_, err := c.w.WriteString(r.String() + "\r\n")
	if err == nil {
		err = c.w.Flush()
	}
	if cerr := c.sc.Close(); err == nil {
		err = cerr
	}
	return err
}

func (c *conn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.sc.Close()
}
