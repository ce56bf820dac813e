// Package delivery is the client side: it relays accepted mail to another
// SMTP server over a pooled connection, or hands it to a local sendmail.
package delivery

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Security selects how the transport protects the connection.
type Security int

const (
	// SecurityOpportunistic upgrades with STARTTLS when the server offers it.
	SecurityOpportunistic Security = iota
	// SecurityRequired always issues STARTTLS and fails if it cannot encrypt.
	SecurityRequired
	// SecurityWrapper encrypts before the banner (implicit TLS, port 465).
	SecurityWrapper
	// SecurityNone never encrypts.
	SecurityNone
)

// String returns the configuration name of the mode.
func (s Security) String() string {
	switch s {
	case SecurityOpportunistic:
		return "opportunistic"
	case SecurityRequired:
		return "required"
	case SecurityWrapper:
		return "wrapper"
	case SecurityNone:
		return "none"
	default:
		return "unknown"
	}
}

// ParseSecurity parses a mode name as accepted in configuration.
func ParseSecurity(s string) (Security, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "opportunistic", "starttls":
		return SecurityOpportunistic, nil
	case "required", "require":
		return SecurityRequired, nil
	case "wrapper", "tls", "implicit":
		return SecurityWrapper, nil
	case "none", "plain":
		return SecurityNone, nil
	default:
		return 0, fmt.Errorf("unknown security mode %q", s)
	}
}

// Default values applied by EnsureDefaults.
const (
	DefaultHelloName = "localhost"
	DefaultTimeout   = 60 * time.Second
	DefaultMaxReuse  = 100
)

// Config describes the relay a Transport talks to.
type Config struct {
	// Address is host:port of the relay.
	Address   string `mapstructure:"address" validate:"required,hostname_port"`
	HelloName string `mapstructure:"hello_name" validate:"required"`
	// Security is one of opportunistic, required, wrapper or none.
	Security string        `mapstructure:"security" validate:"omitempty,oneof=opportunistic starttls required require wrapper tls implicit none plain"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"gte=0"`
	// MaxReuse is how many more sends a connection serves after its first.
	MaxReuse int `mapstructure:"max_reuse" validate:"gte=0"`

	Username          string `mapstructure:"username"`
	Password          string `mapstructure:"password"`
	Token             string `mapstructure:"token"`
	AllowInsecureAuth bool   `mapstructure:"allow_insecure_auth"`

	// TLS overrides the client TLS configuration. The server name defaults
	// to the host part of Address.
	TLS *tls.Config `mapstructure:"-" validate:"-"`
}

var validate = validator.New()

// EnsureDefaults fills unset fields.
func (c *Config) EnsureDefaults() {
	if c.HelloName == "" {
		c.HelloName = DefaultHelloName
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Security == "" {
		c.Security = SecurityOpportunistic.String()
	}
}

// Validate checks the struct tags.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid delivery config: %w", err)
	}
	return nil
}

// SecurityMode returns the parsed Security field.
func (c *Config) SecurityMode() Security {
	s, err := ParseSecurity(c.Security)
	if err != nil {
		return SecurityOpportunistic
	}
	return s
}

// ServerName returns the name the TLS certificate is checked against.
func (c *Config) ServerName() string {
	host := c.Address
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return strings.Trim(host, "[]")
}
