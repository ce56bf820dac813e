package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"samotop/session"
)

// DefaultSendmailPath is where sendmail usually lives.
const DefaultSendmailPath = "/usr/sbin/sendmail"

// Sendmail hands messages to a local sendmail binary, one process per
// message.
type Sendmail struct {
	// Path defaults to DefaultSendmailPath.
	Path string
}

func (s Sendmail) command(ctx context.Context, env Envelope) *exec.Cmd {
	path := s.Path
	if path == "" {
		path = DefaultSendmailPath
	}
	// The null sender is passed as an empty argument. Mailboxes may start
	// with '-', so recipients follow "--" and are never read as options.
	args := []string{"-i", "-f", env.From.Mailbox(), "--"}
	for _, to := range env.To {
		args = append(args, to.Mailbox())
	}
	return exec.CommandContext(ctx, path, args...)
}

// Open starts sendmail for env and returns its standard input. Closing the
// sink waits for the process and reports a non-zero exit with its stderr.
func (s Sendmail) Open(ctx context.Context, env Envelope) (session.MailSink, error) {
	cmd := s.command(ctx, env)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sendmail stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting sendmail: %w", session.ErrFailedTemporarily, err)
	}
	return &sendmailSink{cmd: cmd, stdin: stdin, stderr: stderr}, nil
}

// Queue implements Queue.
func (s Sendmail) Queue(ctx context.Context, env Envelope, body io.Reader) QueueResult {
	sink, err := s.Open(ctx, env)
	if err != nil {
		return QueueFailed
	}
	if _, err := io.Copy(sink, body); err != nil {
		if a, ok := sink.(session.Aborter); ok {
			_ = a.Abort()
		}
		return QueueFailed
	}
	return resultOf(sink.Close())
}

// OpenMailBody implements session.Dispatch.
func (s Sendmail) OpenMailBody(ctx context.Context, _ *session.SessionInfo, tx *session.Transaction) (session.MailSink, error) {
	return s.Open(context.WithoutCancel(ctx), EnvelopeOf(tx))
}

type sendmailSink struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *bytes.Buffer
}

func (s *sendmailSink) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *sendmailSink) Close() error {
	_ = s.stdin.Close()
	if err := s.cmd.Wait(); err != nil {
		msg := strings.TrimSpace(s.stderr.String())
		return fmt.Errorf("%w: sendmail: %w: %s", session.ErrFailedTemporarily, err, msg)
	}
	return nil
}

// Abort kills the process so nothing is sent.
func (s *sendmailSink) Abort() error {
	_ = s.stdin.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	return nil
}
