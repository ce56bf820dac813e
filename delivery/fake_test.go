package delivery

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"

	"samotop/stream"
)

// fakeRelay is a scripted SMTP server reached over net.Pipe.
type fakeRelay struct {
	exts       []string
	rejectRcpt string
	// dropAfter closes a connection after it has accepted that many messages
	// without answering anything further.
	dropAfter int
	// failConnectAfter makes every connect beyond this count fail.
	failConnectAfter int

	mu       sync.Mutex
	connects int
	quits    int
	commands []string
	messages []string
}

func (f *fakeRelay) connector() Connector {
	return ConnectorFunc(func(_ context.Context, _ *Config) (*stream.Conn, error) {
		f.mu.Lock()
		if f.failConnectAfter > 0 && f.connects >= f.failConnectAfter {
			f.mu.Unlock()
			return nil, errors.New("connection refused")
		}
		f.connects++
		f.mu.Unlock()
		client, server := net.Pipe()
		go f.serve(server)
		return stream.New(client, nil), nil
	})
}

func (f *fakeRelay) record(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, line)
}

func (f *fakeRelay) snapshot() (connects, quits int, messages, commands []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.quits, append([]string(nil), f.messages...), append([]string(nil), f.commands...)
}

func (f *fakeRelay) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	say := func(s string) bool {
		_, err := io.WriteString(conn, s+"\r\n")
		return err == nil
	}
	if !say("220 relay.test ESMTP ready") {
		return
	}
	served := 0
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		f.record(line)
		verb, _, _ := strings.Cut(line, " ")
		switch strings.ToUpper(verb) {
		case "EHLO":
			lines := append([]string{"relay.test greets you"}, f.exts...)
			for i, l := range lines {
				sep := "-"
				if i == len(lines)-1 {
					sep = " "
				}
				say("250" + sep + l)
			}
		case "MAIL":
			say("250 2.1.0 Sender ok")
		case "RCPT":
			if f.rejectRcpt != "" && strings.Contains(line, f.rejectRcpt) {
				say("550 5.1.1 No such user")
			} else {
				say("250 2.1.5 Recipient ok")
			}
		case "DATA":
			say("354 Start mail input")
			var body strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				body.WriteString(strings.TrimPrefix(l, "."))
			}
			f.mu.Lock()
			f.messages = append(f.messages, body.String())
			n := len(f.messages)
			f.mu.Unlock()
			say("250 2.0.0 Queued as M" + string(rune('0'+n)))
			served++
			if f.dropAfter > 0 && served >= f.dropAfter {
				return
			}
		case "RSET", "NOOP":
			say("250 2.0.0 Ok")
		case "AUTH":
			say("235 2.7.0 Authentication successful")
		case "STARTTLS":
			say("220 2.0.0 Ready to start TLS")
		case "QUIT":
			f.mu.Lock()
			f.quits++
			f.mu.Unlock()
			say("221 2.0.0 Bye")
			return
		default:
			say("502 5.5.1 Command not implemented")
		}
	}
}
