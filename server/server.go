package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"samotop/logging"
	"samotop/metrics"
	"samotop/session"
	"samotop/smtp"
	"samotop/stream"
)

// Server accepts SMTP connections and runs a session for each.
type Server struct {
	config   *Config
	logger   logging.Logger
	service  *session.Service
	observer session.Observer
	limiter  *RateLimiter
	tls      *tls.Config
	registry *prometheus.Registry
	release  func(context.Context) error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	metricsSrv *http.Server

	// listeners we opened so they can be closed on shutdown
	listeners   []net.Listener
	listenersMu sync.Mutex

	// active sessions tracking
	sessions   map[*Session]struct{}
	sessionsMu sync.Mutex
	sessionsWG sync.WaitGroup

	shuttingDown atomic.Bool
}

// Session is one client connection being served.
type Session struct {
	ID     string
	conn   *conn
	cancel context.CancelFunc
}

// CloseWith421 tells the client the service is going away and closes the
// connection. The write is bounded by ctx and never takes longer than a few
// seconds.
func (s *Session) CloseWith421(ctx context.Context, name, reason string) error {
	defer s.cancel()
	deadline := time.Now().Add(maxWriteDeadline)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return s.conn.shutdown(smtp.ReplyShutdown(name, reason), deadline)
}

// NewServer creates a server logging as config.LogConfig says.
func NewServer(config *Config) (*Server, error) {
	logger, err := logging.NewLogger(&config.LogConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise logger: %w", err)
	}
	return NewServerWithLogger(config, logger)
}

// NewServerWithLogger creates a server that logs to logger.
func NewServerWithLogger(config *Config, logger logging.Logger) (*Server, error) {
	dispatch, release, err := newDispatch(config, logger)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	observer := session.Observers{
		logging.NewSessionLogger(logger),
		metrics.New(registry),
	}
	limiter := NewRateLimiter(config.MaxConnsPerMinute, config.MaxMessagesPerMinute)

	s := &Server{
		config:   config,
		logger:   logger,
		service:  newService(config, dispatch, limiter, observer),
		observer: observer,
		limiter:  limiter,
		registry: registry,
		release:  release,
		done:     make(chan struct{}),
		sessions: make(map[*Session]struct{}),
	}
	if !config.DisableTLS {
		s.tls = config.TLSConfig()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Registry returns the registry holding the session metrics.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Start listens on the configured ports and blocks until a shutdown,
// triggered by SIGINT/SIGTERM or Shutdown, completes.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
		case <-s.done:
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		s.logger.Info("Shutdown signal received, initiating graceful shutdown")
		if err := s.Shutdown(ctx); err != nil {
			s.logger.Error("Graceful shutdown failed", err)
		}
	}()

	<-s.done
	return nil
}

// Listen binds the plain/STARTTLS port, the implicit TLS port and the
// metrics endpoint, and starts accepting on each in the background.
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.config.ListenAddress, strconv.Itoa(s.config.Port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	go s.serve(l, false)

	if s.tls != nil {
		tlsAddr := net.JoinHostPort(s.config.ListenAddress, strconv.Itoa(s.config.TLSPort))
		tl, err := net.Listen("tcp", tlsAddr)
		switch {
		case isAddrInUse(err):
			s.logger.Warn("TLS port already in use; skipping TLS listener", logging.F("addr", tlsAddr))
		case err != nil:
			_ = l.Close()
			return fmt.Errorf("failed to listen on %s: %w", tlsAddr, err)
		default:
			go s.serve(tl, true)
		}
	}

	if s.config.MetricsAddress != "" {
		if err := s.listenMetrics(); err != nil {
			s.closeAllListeners()
			return err
		}
	}

	s.logger.Info("samotop server started",
		logging.F("addr", addr),
		logging.F("tls_port", s.config.TLSPort),
		logging.F("tls_enabled", s.tls != nil),
		logging.F("dispatch", s.config.Dispatch),
		logging.F("metrics_addr", s.config.MetricsAddress),
		logging.F("log_level", s.config.LogConfig.Level.String()),
		logging.F("log_output", s.config.LogConfig.Output))
	return nil
}

func isAddrInUse(err error) bool {
	return err != nil && (errors.Is(err, syscall.EADDRINUSE) || strings.Contains(err.Error(), "address already in use"))
}

func (s *Server) listenMetrics() error {
	l, err := net.Listen("tcp", s.config.MetricsAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on metrics address %s: %w", s.config.MetricsAddress, err)
	}
	s.metricsSrv = &http.Server{
		Handler:           metrics.NewRouter(s.registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.metricsSrv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server failed", err)
		}
	}()
	s.logger.Info("Serving metrics", logging.F("addr", l.Addr().String()))
	return nil
}

// Serve accepts connections on l until it is closed. With implicitTLS the
// TLS handshake runs before the banner.
func (s *Server) Serve(l net.Listener, implicitTLS bool) error {
	if implicitTLS && s.tls == nil {
		return errors.New("implicit TLS requested but TLS is disabled")
	}
	s.serve(l, implicitTLS)
	return nil
}

func (s *Server) serve(l net.Listener, implicitTLS bool) {
	s.addListener(l)
	defer s.removeListener(l)
	if s.shuttingDown.Load() {
		_ = l.Close()
		return
	}

	desc := "SMTP"
	if implicitTLS {
		desc = "Implicit TLS"
	}
	s.logger.Info("Listening", logging.F("addr", l.Addr().String()), logging.F("desc", desc))

	for {
		conn, err := l.Accept()
		if err != nil {
			// Some implementations return an error whose message contains
			// "use of closed network connection" instead of net.ErrClosed.
			if errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection") {
				s.logger.Info("Listener closed, exiting accept loop", logging.F("addr", l.Addr().String()))
				return
			}
			s.logger.Warn("Failed to accept connection", logging.F("addr", l.Addr().String()), logging.F("err", err))
			continue
		}
		go s.handleConnection(conn, implicitTLS)
	}
}

// handleConnection runs one session to completion and closes raw.
func (s *Server) handleConnection(raw net.Conn, implicitTLS bool) {
	info := session.Connection{
		ID:          uuid.NewString(),
		Local:       raw.LocalAddr(),
		Peer:        raw.RemoteAddr(),
		Established: time.Now(),
	}

	if ok, reason := s.limiter.AllowConnection(info.PeerIP()); !ok {
		s.logger.Warn("Connection refused", logging.F("client_ip", info.PeerIP()), logging.F("reason", reason))
		if !implicitTLS {
			_ = raw.SetWriteDeadline(time.Now().Add(maxWriteDeadline))
			_, _ = io.WriteString(raw, smtp.ReplyShutdown(s.service.Name, reason).String()+"\r\n")
		}
		_ = raw.Close()
		return
	}

	var upgrader stream.Upgrader
	if s.tls != nil {
		upgrader = stream.TLSServer{Config: s.tls}
	}
	sc := stream.New(raw, upgrader)
	sc.HandshakeTimeout = s.config.CommandTimeout

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	if implicitTLS {
		err := s.handshake(ctx, sc)
		state, _ := sc.ConnectionState()
		s.observer.OnTLSHandshake(&session.SessionInfo{Connection: info}, tlsVersion(state), tlsCipher(state), err)
		if err != nil {
			_ = sc.Close()
			return
		}
	}
	info.Encrypted = sc.IsEncrypted()
	info.CanEncrypt = sc.CanEncrypt()

	c := newConn(sc, s.config.CommandTimeout, session.PeerConnected(info))
	sess := &Session{ID: info.ID, conn: c, cancel: cancel}
	if !s.registerSession(sess) {
		_ = c.shutdown(smtp.ReplyShutdown(s.service.Name, "shutting down"), time.Now().Add(maxWriteDeadline))
		return
	}
	defer s.unregisterSession(sess)

	st := session.NewContext(s.service)
	d := session.NewDriver(c, st)
	err := s.run(ctx, c, d)
	_ = c.close()

	final := &session.SessionInfo{Connection: info}
	if cur := d.State(); cur != nil {
		final = cur.Session()
	}
	s.observer.OnDisconnect(final, err)
}

func (s *Server) handshake(ctx context.Context, sc *stream.Conn) error {
	if err := sc.Encrypt(); err != nil {
		return err
	}
	return sc.Handshake(ctx)
}

// run pumps the driver's outbound events onto the connection until the
// session ends. It returns the error that ended it, nil after QUIT.
func (s *Server) run(ctx context.Context, c *conn, d *session.Driver) error {
	for {
		wc, err := d.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return d.Err()
			}
			return err
		}
		if err := c.write(wc); err != nil {
			return err
		}
		switch wc.Kind {
		case session.WriteStartData:
			c.data = true
		case session.WriteStartTLS:
			state, err := c.startTLS(ctx)
			if st := d.State(); st != nil {
				s.observer.OnTLSHandshake(st.Session(), tlsVersion(state), tlsCipher(state), err)
			}
			if err != nil {
				return fmt.Errorf("STARTTLS failed: %w", err)
			}
		case session.WriteShutdown:
			return d.Err()
		}
	}
}

func tlsVersion(state tls.ConnectionState) string {
	if state.Version == 0 {
		return ""
	}
	return tls.VersionName(state.Version)
}

func tlsCipher(state tls.ConnectionState) string {
	if state.CipherSuite == 0 {
		return ""
	}
	return tls.CipherSuiteName(state.CipherSuite)
}

// addListener registers a listener so it can be closed on shutdown
func (s *Server) addListener(l net.Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// removeListener removes a registered listener
func (s *Server) removeListener(l net.Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	for i := range s.listeners {
		if s.listeners[i] == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// registerSession records an active session. It refuses once shutdown has begun.
func (s *Server) registerSession(sess *Session) bool {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	if s.shuttingDown.Load() {
		return false
	}
	s.sessions[sess] = struct{}{}
	s.sessionsWG.Add(1)
	return true
}

// unregisterSession removes a session and decrements the waitgroup
func (s *Server) unregisterSession(sess *Session) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	delete(s.sessions, sess)
	s.sessionsWG.Done()
}

// activeSessionSnapshot returns a slice copy of active sessions
func (s *Server) activeSessionSnapshot() []*Session {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for k := range s.sessions {
		out = append(out, k)
	}
	return out
}

// ActiveSessions returns the number of sessions being served.
func (s *Server) ActiveSessions() int {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return len(s.sessions)
}

// closeAllListeners closes all registered listeners to stop accepting new connections
func (s *Server) closeAllListeners() {
	s.listenersMu.Lock()
	listeners := append([]net.Listener(nil), s.listeners...)
	s.listenersMu.Unlock()
	for _, l := range listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Debug("Error closing listener", logging.F("err", err))
		}
	}
}

// Shutdown stops accepting new connections, sends 421 to every active
// session and waits for them to finish or ctx to expire. Resources held by
// the dispatch are released last.
func (s *Server) Shutdown(ctx context.Context) error {
	s.sessionsMu.Lock()
	first := s.shuttingDown.CompareAndSwap(false, true)
	s.sessionsMu.Unlock()
	if !first {
		return nil
	}
	defer close(s.done)
	defer s.cancel()

	s.closeAllListeners()
	if s.metricsSrv != nil {
		if err := s.metricsSrv.Shutdown(ctx); err != nil {
			s.logger.Debug("Metrics server shutdown failed", logging.F("err", err))
		}
	}

	sessions := s.activeSessionSnapshot()
	if len(sessions) > 0 {
		s.logger.Info("Shutting down: notifying active sessions", logging.F("sessions", len(sessions)))
	}
	for _, sess := range sessions {
		go func(ss *Session) {
			if err := ss.CloseWith421(ctx, s.service.Name, "shutting down"); err != nil {
				s.logger.Debug("CloseWith421 returned error", logging.F("session_id", ss.ID), logging.F("err", err))
			}
		}(sess)
	}

	done := make(chan struct{})
	go func() {
		s.sessionsWG.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}

	if err := s.release(ctx); err != nil {
		s.logger.Warn("Failed to release dispatch resources", logging.F("err", err))
	}
	s.logger.Info("All sessions closed; shutdown complete")
	return nil
}
