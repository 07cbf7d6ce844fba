// Package server runs the SCEP responder over HTTP.
package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/remiblancher/go-scep/pkg/scep"
)

// Config holds the server configuration.
type Config struct {
	// Port is the HTTP port.
	Port int

	// Host is the address to bind to (default: "").
	Host string

	// Path is where the SCEP endpoint is mounted.
	Path string

	// CADir is the path to the CA directory.
	CADir string

	// CAPassphrase decrypts the CA key.
	CAPassphrase []byte

	// Capabilities advertised by GetCACaps; empty uses the defaults.
	Capabilities []string

	// AutoApprove issues certificates without operator approval.
	AutoApprove bool

	// CertValidity is the lifetime of issued certificates.
	CertValidity time.Duration

	// NonceCapacity bounds the replay registry.
	NonceCapacity int

	// TLS configuration (optional)
	TLSCert string
	TLSKey  string

	// Timeouts
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:            8080,
		Host:            "",
		Path:            "/scep",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Address returns the full listen address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TLSEnabled reports whether both a certificate and a key are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// ParseCapabilities turns the configured names into a capability set.
// It returns nil when none are configured.
func (c *Config) ParseCapabilities() (*scep.Capabilities, error) {
	if len(c.Capabilities) == 0 {
		return nil, nil
	}
	caps := make([]scep.Capability, 0, len(c.Capabilities))
	for _, name := range c.Capabilities {
		cp, ok := scep.ParseCapability(name)
		if !ok {
			return nil, fmt.Errorf("unknown capability %q", name)
		}
		caps = append(caps, cp)
	}
	return scep.NewCapabilities(caps...), nil
}

// Validate checks the configuration before the server starts.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	if c.CADir == "" {
		errs = append(errs, errors.New("CA directory is required"))
	}
	if c.Path != "" && !strings.HasPrefix(c.Path, "/") {
		errs = append(errs, fmt.Errorf("path %q must start with /", c.Path))
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, errors.New("TLS needs both a certificate and a key"))
	}
	if _, err := c.ParseCapabilities(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
