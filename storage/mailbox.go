// Package storage holds the dispatches that commit accepted mail: a local
// Maildir and an S3 bucket.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"samotop/logging"
	"samotop/session"
)

const (
	// MailboxDirPermissions holds the permissions used for the mailbox directory
	MailboxDirPermissions = 0750
	// MaildirFilePermissions holds the permissions used for maildir message files
	MaildirFilePermissions = 0600
)

var messageCounter atomic.Int64

// Maildir delivers every message into one Maildir. A message is visible in
// new/ only once its sink is closed; until then it lives in tmp/.
type Maildir struct {
	Directory string
	Logger    logging.Logger
	hostname  string
}

// remapUnixTmpOnWindows maps incoming unix-style /tmp or /var/tmp paths to the real OS temp dir on Windows.
func remapUnixTmpOnWindows(dir string) string {
	if runtime.GOOS != "windows" {
		return dir
	}
	slashed := filepath.ToSlash(dir)
	if strings.HasPrefix(slashed, "/tmp") || strings.HasPrefix(slashed, "/var/tmp") {
		tail := strings.TrimPrefix(strings.TrimPrefix(slashed, "/var/tmp"), "/tmp")
		tail = strings.TrimPrefix(tail, "/")
		if tail == "" {
			return os.TempDir()
		}
		return filepath.Join(os.TempDir(), filepath.FromSlash(tail))
	}
	return dir
}

// NewMaildir creates the new/, cur/ and tmp/ directories under directory.
func NewMaildir(directory string, logger logging.Logger) (*Maildir, error) {
	directory = remapUnixTmpOnWindows(directory)
	if directory == "" {
		return nil, fmt.Errorf("maildir directory not set")
	}

	for _, subdir := range []string{"new", "cur", "tmp"} {
		path := filepath.Join(directory, subdir)
		if err := os.MkdirAll(path, MailboxDirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create maildir subdirectory %s: %w", subdir, err)
		}
	}

	// Get hostname for Maildir filenames
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "samotop.local"
	}
	if logger == nil {
		cfg := logging.DefaultConfig()
		logger = logging.NewStdoutLogger(&cfg)
	}

	return &Maildir{Directory: directory, Logger: logger, hostname: hostname}, nil
}

// OpenMailBody implements session.Dispatch. The file is named after the
// transaction id and starts with the X-Samotop-* trace headers.
func (m *Maildir) OpenMailBody(_ context.Context, info *session.SessionInfo, tx *session.Transaction) (session.MailSink, error) {
	name := tx.ID
	if name == "" {
		name = generateMailFilename(time.Now(), &messageCounter, m.hostname)
	}
	tmpPath := filepath.Join(m.Directory, "tmp", name)
	newPath := filepath.Join(m.Directory, "new", name)
	for _, p := range []string{tmpPath, newPath} {
		if err := validatePathWithinDir(m.Directory, p); err != nil {
			return nil, fmt.Errorf("%w: %w", session.ErrFailedPermanently, err)
		}
	}

	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, MaildirFilePermissions)
	if err != nil {
		m.Logger.Error("Could not create mail file", err, logging.F("path", tmpPath))
		return nil, fmt.Errorf("%w: %w", session.ErrFailedTemporarily, err)
	}

	sink := &maildirSink{file: file, tmpPath: tmpPath, newPath: newPath, logger: m.Logger}
	if _, err := file.WriteString(TraceHeaders(info, tx)); err != nil {
		_ = sink.Abort()
		return nil, fmt.Errorf("%w: %w", session.ErrFailedTemporarily, err)
	}
	return sink, nil
}

// TraceHeaders renders the X-Samotop-* headers and any extra headers the
// transaction carries.
func TraceHeaders(info *session.SessionInfo, tx *session.Transaction) string {
	var b strings.Builder
	helo, peer := "", ""
	if info != nil {
		if info.Helo != nil {
			helo = info.Helo.Host.String()
		}
		if info.Connection.Peer != nil {
			peer = info.Connection.Peer.String()
		}
	}
	from := "<>"
	if tx.Mail != nil {
		from = tx.Mail.Path.String()
	}
	rcpts := make([]string, 0, len(tx.Rcpts))
	for _, r := range tx.Rcpts {
		rcpts = append(rcpts, r.String())
	}
	fmt.Fprintf(&b, "X-Samotop-Helo: %s\r\n", helo)
	fmt.Fprintf(&b, "X-Samotop-Peer: %s\r\n", peer)
	fmt.Fprintf(&b, "X-Samotop-From: %s\r\n", from)
	fmt.Fprintf(&b, "X-Samotop-To: %s\r\n", strings.Join(rcpts, ", "))
	b.WriteString(tx.ExtraHeaders)
	return b.String()
}

type maildirSink struct {
	file    *os.File
	tmpPath string
	newPath string
	logger  logging.Logger
	done    bool
}

func (s *maildirSink) Write(p []byte) (int, error) {
	return s.file.Write(p)
}

// Close commits the message by moving it from tmp/ to new/.
func (s *maildirSink) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	if err := s.file.Close(); err != nil {
		s.remove()
		return fmt.Errorf("%w: %w", session.ErrFailedTemporarily, err)
	}
	if err := os.Rename(s.tmpPath, s.newPath); err != nil {
		s.remove()
		return fmt.Errorf("failed to deliver message to new/: %w: %w", session.ErrFailedTemporarily, err)
	}
	s.logger.Info("Message saved", logging.F("path", s.newPath))
	return nil
}

// Abort discards the partial message.
func (s *maildirSink) Abort() error {
	if s.done {
		return nil
	}
	s.done = true
	_ = s.file.Close()
	s.remove()
	return nil
}

func (s *maildirSink) remove() {
	if err := os.Remove(s.tmpPath); err != nil && !os.IsNotExist(err) {
		s.logger.Error("Failed to remove temp file", err, logging.F("path", s.tmpPath))
	}
}

// generateMailFilename generates a maildir-compliant filename
func generateMailFilename(now time.Time, counter *atomic.Int64, hostname string) string {
	c := counter.Add(1)
	unique := fmt.Sprintf("%d_%d_%d", now.UnixMicro(), os.Getpid(), c)
	return fmt.Sprintf("%d.%s.%s", now.Unix(), unique, hostname)
}

// validatePathWithinDir ensures the targetPath is inside baseDir
func validatePathWithinDir(baseDir, targetPath string) error {
	cleanTarget := filepath.Clean(targetPath)
	cleanBase := filepath.Clean(baseDir)
	relPath, err := filepath.Rel(cleanBase, cleanTarget)
	if err != nil || strings.HasPrefix(relPath, "..") || filepath.IsAbs(relPath) {
		return fmt.Errorf("invalid file path: path traversal detected")
	}
	return nil
}

// ListMessages lists the delivered messages (new/ and cur/).
func (m *Maildir) ListMessages() ([]string, error) {
	var allFiles []string
	for _, subdir := range []string{"new", "cur"} {
		files, err := filepath.Glob(filepath.Join(m.Directory, subdir, "*"))
		if err != nil {
			return nil, fmt.Errorf("failed to list messages in %s: %w", subdir, err)
		}
		allFiles = append(allFiles, files...)
	}
	return allFiles, nil
}
