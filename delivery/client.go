package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"regexp"
	"strings"
	"time"

	"samotop/auth"
	"samotop/smtp"
	"samotop/stream"
)

var enhancedPrefix = regexp.MustCompile(`^([245]\.\d{1,3}\.\d{1,3})(?:\s+|$)`)

// reply is one parsed server reply.
type reply struct {
	Code     int
	Enhanced string
	Message  string
}

// ServerInfo is what the server told us at greeting and EHLO time.
type ServerInfo struct {
	Name       string
	Extensions *smtp.ExtensionSet
}

// Supports reports an advertised extension.
func (s ServerInfo) Supports(ext string) bool { return s.Extensions.Contains(ext) }

// connection is one live client session to the relay.
type connection struct {
	conn  *stream.Conn
	text  *textproto.Conn
	info  ServerInfo
	reuse int
	// timeout bounds each command when the context carries no deadline.
	timeout time.Duration
}

func newConnection(conn *stream.Conn, timeout time.Duration) *connection {
	return &connection{conn: conn, text: textproto.NewConn(conn), timeout: timeout}
}

func (c *connection) deadline(ctx context.Context) {
	if d, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(d)
		return
	}
	if c.timeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(c.timeout))
		return
	}
	_ = c.conn.SetDeadline(time.Time{})
}

// read reads one reply.
func (c *connection) read() (reply, error) {
	code, msg, err := c.text.ReadResponse(0)
	if err != nil {
		var perr textproto.ProtocolError
		if errors.As(err, &perr) {
			return reply{}, &Error{Kind: KindResponseParsing, Err: err}
		}
		return reply{}, ioError(err)
	}
	r := reply{Code: code, Message: strings.ReplaceAll(msg, "\n", " ")}
	if m := enhancedPrefix.FindStringSubmatch(r.Message); m != nil {
		r.Enhanced = m[1]
		r.Message = strings.TrimSpace(r.Message[len(m[0]):])
	}
	return r, nil
}

// lines reads one reply keeping each text line.
func (c *connection) lines() (int, []string, error) {
	code, msg, err := c.text.ReadResponse(0)
	if err != nil {
		var perr textproto.ProtocolError
		if errors.As(err, &perr) {
			return 0, nil, &Error{Kind: KindResponseParsing, Err: err}
		}
		return 0, nil, ioError(err)
	}
	return code, strings.Split(msg, "\n"), nil
}

// send writes a command line and reads the reply without judging it.
func (c *connection) send(format string, args ...any) (reply, error) {
	if err := c.text.PrintfLine(format, args...); err != nil {
		return reply{}, ioError(err)
	}
	return c.read()
}

// expect checks the reply code: exact for three digit values, by class for
// a single digit.
func expect(r reply, want int) error {
	if want < 10 && r.Code/100 == want || r.Code == want {
		return nil
	}
	return replyError(r)
}

// command sends a command and requires the given reply.
func (c *connection) command(ctx context.Context, want int, format string, args ...any) (reply, error) {
	c.deadline(ctx)
	r, err := c.send(format, args...)
	if err != nil {
		return r, err
	}
	return r, expect(r, want)
}

// Cmd implements auth.Conversation.
func (c *connection) Cmd(line string) (int, string, error) {
	r, err := c.send("%s", line)
	if err != nil {
		return 0, "", err
	}
	text := r.Message
	if r.Enhanced != "" && r.Code != smtp.Code334 {
		text = r.Enhanced + " " + text
	}
	return r.Code, text, nil
}

// banner reads the 220 greeting.
func (c *connection) banner(ctx context.Context) error {
	c.deadline(ctx)
	r, err := c.read()
	if err != nil {
		return err
	}
	if r.Code != smtp.Code220 {
		e := replyError(r)
		e.Kind = KindNoServerInfo
		return e
	}
	c.info.Name, _, _ = strings.Cut(r.Message, " ")
	return nil
}

// ehlo greets and records the advertised extensions.
func (c *connection) ehlo(ctx context.Context, name string) error {
	c.deadline(ctx)
	if err := c.text.PrintfLine("EHLO %s", name); err != nil {
		return ioError(err)
	}
	code, lines, err := c.lines()
	if err != nil {
		return err
	}
	if code != smtp.Code250 {
		return &Error{Kind: KindNoServerInfo, Code: code, Message: strings.Join(lines, " ")}
	}
	c.info.Extensions = smtp.ParseEhloLines(lines)
	return nil
}

// startTLS issues STARTTLS, upgrades the stream and greets again.
func (c *connection) startTLS(ctx context.Context, name string) error {
	if _, err := c.command(ctx, smtp.Code220, "STARTTLS"); err != nil {
		return err
	}
	if err := c.conn.Encrypt(); err != nil {
		return &Error{Kind: KindClient, Message: "cannot encrypt", Err: err}
	}
	if err := c.conn.Handshake(ctx); err != nil {
		return &Error{Kind: KindIO, Message: "TLS handshake", Err: err}
	}
	c.text = textproto.NewConn(c.conn)
	return c.ehlo(ctx, name)
}

// login authenticates with the best mechanism both sides support.
func (c *connection) login(ctx context.Context, cfg *Config) error {
	if cfg.Username == "" {
		return nil
	}
	if !c.conn.IsEncrypted() && !cfg.AllowInsecureAuth {
		return &Error{Kind: KindClient, Message: "refusing to authenticate over an unencrypted connection"}
	}
	ext, ok := c.info.Extensions.Get(smtp.ExtAuth)
	if !ok {
		return &Error{Kind: KindClient, Message: "server does not support AUTH"}
	}
	mech := auth.Choose(ext.Params, auth.Credentials{Username: cfg.Username, Password: cfg.Password, Token: cfg.Token})
	if mech == nil {
		return &Error{Kind: KindClient, Message: "no compatible AUTH mechanism in " + ext.Params}
	}
	c.deadline(ctx)
	if err := auth.Run(c, mech); err != nil {
		var f *auth.Failure
		if errors.As(err, &f) {
			return replyError(reply{Code: f.Code, Message: f.Message})
		}
		return ioError(err)
	}
	return nil
}

// prepare runs MAIL, RCPT and DATA for env, leaving the connection ready
// for the message body.
func (c *connection) prepare(ctx context.Context, env Envelope) error {
	line := "MAIL FROM:" + env.From.String()
	if c.info.Supports(smtp.Ext8BitMIME) {
		line += " BODY=8BITMIME"
	}
	if c.info.Supports(smtp.ExtSMTPUTF8) && env.needsUTF8() {
		line += " SMTPUTF8"
	}
	if _, err := c.command(ctx, smtp.Code250, "%s", line); err != nil {
		return err
	}
	for _, to := range env.To {
		if _, err := c.command(ctx, 2, "RCPT TO:%s", to.String()); err != nil {
			return err
		}
	}
	_, err := c.command(ctx, smtp.Code354, "DATA")
	return err
}

// reset recovers the connection after a refused transaction.
func (c *connection) reset(ctx context.Context) error {
	_, err := c.command(ctx, smtp.Code250, "RSET")
	return err
}

// quit politely ends the session and closes the stream.
func (c *connection) quit(ctx context.Context) {
	_, _ = c.command(ctx, smtp.Code221, "QUIT")
	_ = c.close()
}

func (c *connection) close() error {
	return c.text.Close()
}

// body returns a writer that dot-stuffs the message; closing it sends the
// terminating dot.
func (c *connection) body() io.WriteCloser {
	return c.text.DotWriter()
}

// finish reads the reply to the end of data.
func (c *connection) finish(ctx context.Context) (reply, error) {
	c.deadline(ctx)
	r, err := c.read()
	if err != nil {
		return r, err
	}
	return r, expect(r, smtp.Code250)
}

func (r reply) String() string {
	return fmt.Sprintf("%d %s %s", r.Code, r.Enhanced, r.Message)
}
