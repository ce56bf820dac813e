// Package server accepts SMTP connections and drives a session for each one.
package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"samotop/delivery"
	"samotop/logging"
	"samotop/storage"
	"samotop/stream"
)

const (
	// DefaultPort is the plain/STARTTLS port. It is above 1000 so it can be
	// run as an unprivileged user.
	DefaultPort = 2525
	// DefaultTLSPort is the port number to listen for implicit TLS connections (SMTPS).
	DefaultTLSPort = 25465
	// DefaultName is announced in the banner.
	DefaultName = "samotop"
	// DefaultTLSHostname is the default hostname used for generated self-signed certificates.
	DefaultTLSHostname = "samotop.test"
	// DefaultMailboxDir is where the maildir dispatch writes.
	DefaultMailboxDir = "./mailbox"

	// CertValidity is how long a generated certificate is valid for.
	CertValidity = 24 * time.Hour
	// MinTLSVersion is the minimum TLS version supported by the server
	MinTLSVersion = tls.VersionTLS12

	// DefaultMaxMessageSize is the maximum allowed message size in bytes (10MB)
	DefaultMaxMessageSize = 10 * 1024 * 1024
	// MaxCommandLength is the maximum allowed SMTP command length in bytes
	MaxCommandLength = 4096
	// DefaultCommandTimeout bounds the wait for the next line from a client.
	DefaultCommandTimeout = 5 * time.Minute
	// DefaultShutdownTimeout is the graceful shutdown timeout used by the server
	DefaultShutdownTimeout = 10 * time.Second
)

// Dispatch names accepted by Config.Dispatch.
const (
	DispatchMaildir  = "maildir"
	DispatchS3       = "s3"
	DispatchRelay    = "relay"
	DispatchSendmail = "sendmail"
	DispatchNull     = "null"
)

// Config represents the server configuration.
type Config struct {
	Name          string `mapstructure:"name"`
	Port          int    `mapstructure:"port" validate:"gte=0,lte=65535"`
	ListenAddress string `mapstructure:"listen_address" validate:"omitempty,ip|hostname"`

	// TLS configuration
	DisableTLS  bool   `mapstructure:"disable_tls"`
	TLSCertFile string `mapstructure:"tls_cert_file" validate:"required_with=TLSKeyFile"`
	TLSKeyFile  string `mapstructure:"tls_key_file" validate:"required_with=TLSCertFile"`
	TLSPort     int    `mapstructure:"tls_port" validate:"gte=0,lte=65535"` // Port for implicit TLS (default 25465)
	TLSHostname string `mapstructure:"tls_hostname"`                        // Hostname for TLS certificate (default: "samotop.test")

	// Dispatch selects where accepted mail goes.
	Dispatch     string           `mapstructure:"dispatch" validate:"omitempty,oneof=maildir s3 relay sendmail null"`
	MailboxDir   string           `mapstructure:"mailbox_dir"`
	S3           storage.S3Config `mapstructure:"s3"`
	Relay        delivery.Config  `mapstructure:"relay" validate:"-"`
	SendmailPath string           `mapstructure:"sendmail_path"`

	// Simulation turns sender and recipient addresses such as mail550@ or
	// rcpt452_4.2.2@ into the matching refusals.
	Simulation bool `mapstructure:"simulation"`

	// Limits. Zero rate limits mean unlimited.
	MaxMessageSize       int64         `mapstructure:"max_message_size" validate:"gte=0"`
	CommandTimeout       time.Duration `mapstructure:"command_timeout" validate:"gte=0"`
	MaxConnsPerMinute    int           `mapstructure:"max_conns_per_minute" validate:"gte=0"`
	MaxMessagesPerMinute int           `mapstructure:"max_messages_per_minute" validate:"gte=0"`

	// MetricsAddress serves /metrics and /healthz when set.
	MetricsAddress string `mapstructure:"metrics_address" validate:"omitempty,hostname_port"`

	// Logging configuration
	LogLevel  string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error DEBUG INFO WARN WARNING ERROR"`
	LogFormat string `mapstructure:"log_format" validate:"omitempty,oneof=json text"`
	LogOutput string `mapstructure:"log_output" validate:"omitempty,oneof=stdout syslog tcp udp"`
	LogRemote string `mapstructure:"log_remote_addr"`

	LogConfig logging.LogConfig `mapstructure:"-" validate:"-"`
}

var validate = validator.New()

// EnsureDefaults fills in every unset field.
func (c *Config) EnsureDefaults() {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ListenAddress == "" {
		c.ListenAddress = "127.0.0.1"
	}
	if c.TLSPort == 0 {
		c.TLSPort = DefaultTLSPort
	}
	if c.TLSHostname == "" {
		c.TLSHostname = DefaultTLSHostname
	}
	if c.Dispatch == "" {
		c.Dispatch = DispatchMaildir
	}
	if c.MailboxDir == "" {
		c.MailboxDir = DefaultMailboxDir
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.Dispatch == DispatchRelay {
		c.Relay.EnsureDefaults()
		// Zero would mean a new relay connection for every message.
		if c.Relay.MaxReuse == 0 {
			c.Relay.MaxReuse = delivery.DefaultMaxReuse
		}
	}

	c.LogConfig = logging.DefaultConfig()
	if c.LogLevel != "" {
		c.LogConfig.Level = logging.ParseLogLevel(c.LogLevel)
	}
	if c.LogFormat != "" {
		c.LogConfig.Format = c.LogFormat
	}
	if c.LogOutput != "" {
		c.LogConfig.Output = c.LogOutput
	}
	c.LogConfig.RemoteAddr = c.LogRemote
}

// Validate checks the struct tags and the settings of the chosen dispatch.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}
	if c.Port != 0 && c.Port == c.TLSPort && !c.DisableTLS {
		return fmt.Errorf("invalid server config: port %d is used for both plain and implicit TLS", c.Port)
	}
	switch c.Dispatch {
	case DispatchRelay:
		return c.Relay.Validate()
	case DispatchS3:
		if c.S3.Bucket == "" {
			return errors.New("invalid server config: s3 dispatch needs a bucket")
		}
	}
	return nil
}

// TLSConfig returns the server TLS configuration. Certificate files are
// loaded on first use; without them a self-signed certificate is generated
// per requested host name and kept for the life of the configuration.
func (c *Config) TLSConfig() *tls.Config {
	store := &certStore{
		certFile: c.TLSCertFile,
		keyFile:  c.TLSKeyFile,
		hostname: c.TLSHostname,
		self:     make(map[string]*tls.Certificate),
	}
	return &tls.Config{
		GetCertificate: store.get,
		MinVersion:     MinTLSVersion,
	}
}

type certStore struct {
	certFile, keyFile, hostname string

	once    sync.Once
	loaded  *tls.Certificate
	loadErr error

	mu   sync.Mutex
	self map[string]*tls.Certificate
}

func (s *certStore) get(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if s.certFile != "" && s.keyFile != "" {
		s.once.Do(func() {
			cert, err := tls.LoadX509KeyPair(s.certFile, s.keyFile)
			if err != nil {
				s.loadErr = fmt.Errorf("failed to load TLS certificate: %w", err)
				return
			}
			s.loaded = &cert
		})
		return s.loaded, s.loadErr
	}

	hostname := strings.ToLower(hello.ServerName)
	if hostname == "" {
		hostname = s.hostname
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cert, ok := s.self[hostname]; ok {
		return cert, nil
	}
	cert, err := stream.SelfSignedCertificate(hostname, CertValidity)
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	s.self[hostname] = &cert
	return &cert, nil
}
