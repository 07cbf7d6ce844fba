// Package config loads the YAML configuration shared by the SCEP client
// and responder commands. Environment variables override file values.
package config

import (
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/remiblancher/go-scep/internal/api/server"
	"github.com/remiblancher/go-scep/internal/pemutil"
	"github.com/remiblancher/go-scep/pkg/client"
	"github.com/remiblancher/go-scep/pkg/scep"
	"github.com/remiblancher/go-scep/pkg/transport"
)

// Environment variables consulted by Load.
const (
	EnvURL           = "SCEP_URL"
	EnvProfile       = "SCEP_PROFILE"
	EnvProxy         = "SCEP_PROXY"
	EnvFingerprint   = "SCEP_CA_FINGERPRINT"
	EnvPort          = "SCEP_PORT"
	EnvCADir         = "SCEP_CA_DIR"
	EnvAutoApprove   = "SCEP_AUTO_APPROVE"
	EnvCAPassphrase  = "SCEP_CA_PASSPHRASE"
	EnvKeyPassphrase = "SCEP_KEY_PASSPHRASE"
)

// Config is the root of the YAML document.
type Config struct {
	Client ClientConfig `yaml:"client"`
	Server ServerConfig `yaml:"server"`
}

// ClientConfig configures the requester side.
type ClientConfig struct {
	// URL of the SCEP responder.
	URL string `yaml:"url"`

	// Profile is the CA identifier some responders host several CAs under.
	Profile string `yaml:"profile"`

	// CAFingerprint is the hex SHA-256 of the expected CA certificate.
	CAFingerprint string `yaml:"ca_fingerprint"`

	// CACert is a PEM bundle of roots the CA certificate must chain to.
	CACert string `yaml:"ca_cert"`

	// Insecure trusts any CA certificate.
	Insecure bool `yaml:"insecure"`

	// Proxy overrides the HTTP(S)_PROXY environment.
	Proxy string `yaml:"proxy"`

	// Identity is an existing certificate and key used to sign requests.
	Identity IdentityConfig `yaml:"identity"`

	Timeout       time.Duration `yaml:"timeout"`
	NonceCapacity int           `yaml:"nonce_capacity"`
	CacheSize     int           `yaml:"cache_size"`
}

// IdentityConfig points at the requester's signing material.
type IdentityConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`

	// PassphraseEnv names the variable holding the key passphrase.
	PassphraseEnv string `yaml:"passphrase_env"`
}

// ServerConfig configures the responder.
type ServerConfig struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	Path         string   `yaml:"path"`
	CADir        string   `yaml:"ca_dir"`
	Capabilities []string `yaml:"capabilities"`
	AutoApprove  bool     `yaml:"auto_approve"`

	// CAPassphraseEnv names the variable holding the CA key passphrase.
	CAPassphraseEnv string `yaml:"ca_passphrase_env"`

	CertValidity  time.Duration `yaml:"cert_validity"`
	NonceCapacity int           `yaml:"nonce_capacity"`

	TLS struct {
		Cert string `yaml:"cert"`
		Key  string `yaml:"key"`
	} `yaml:"tls"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	d := server.DefaultConfig()
	return &Config{
		Client: ClientConfig{
			Timeout: 30 * time.Second,
			Identity: IdentityConfig{
				PassphraseEnv: EnvKeyPassphrase,
			},
		},
		Server: ServerConfig{
			Port:            d.Port,
			Path:            d.Path,
			CAPassphraseEnv: EnvCAPassphrase,
			ReadTimeout:     d.ReadTimeout,
			WriteTimeout:    d.WriteTimeout,
			IdleTimeout:     d.IdleTimeout,
			ShutdownTimeout: d.ShutdownTimeout,
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path yields the defaults with overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setString(&c.Client.URL, EnvURL)
	setString(&c.Client.Profile, EnvProfile)
	setString(&c.Client.Proxy, EnvProxy)
	setString(&c.Client.CAFingerprint, EnvFingerprint)
	setString(&c.Server.CADir, EnvCADir)

	if v, ok := os.LookupEnv(EnvPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		c.Server.Port = port
	}
	if v, ok := os.LookupEnv(EnvAutoApprove); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvAutoApprove, err)
		}
		c.Server.AutoApprove = b
	}
	return nil
}

// Validate checks what every client command needs.
func (c *ClientConfig) Validate() error {
	var errs []error
	if c.URL == "" {
		errs = append(errs, errors.New("client.url is required"))
	} else if _, err := transport.ValidateURL(c.URL); err != nil {
		errs = append(errs, err)
	}
	if c.CAFingerprint == "" && c.CACert == "" && !c.Insecure {
		errs = append(errs, errors.New("one of client.ca_fingerprint, client.ca_cert or client.insecure is required"))
	}
	if fp := normalizeFingerprint(c.CAFingerprint); fp != "" && !isHex(fp, 64) {
		errs = append(errs, fmt.Errorf("client.ca_fingerprint %q is not a hex SHA-256", c.CAFingerprint))
	}
	if (c.Identity.Cert == "") != (c.Identity.Key == "") {
		errs = append(errs, errors.New("client.identity needs both cert and key"))
	}
	if c.Timeout < 0 {
		errs = append(errs, errors.New("client.timeout must not be negative"))
	}
	return errors.Join(errs...)
}

func normalizeFingerprint(fp string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(fp), ":", ""))
}

func isHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}

// Verifier returns the CA certificate check the configuration asks for.
// A fingerprint wins over a root bundle.
func (c *ClientConfig) Verifier() (client.CertificateVerifier, error) {
	switch {
	case c.CAFingerprint != "":
		return client.NewFingerprintVerifier(c.CAFingerprint), nil
	case c.CACert != "":
		certs, err := pemutil.ReadCertificates(c.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to load client.ca_cert: %w", err)
		}
		pool := x509.NewCertPool()
		for _, cert := range certs {
			pool.AddCert(cert)
		}
		return &client.PoolVerifier{Roots: pool}, nil
	case c.Insecure:
		return client.InsecureVerifier{}, nil
	}
	return nil, errors.New("no CA verification configured")
}

// Build returns the pkg/client configuration.
func (c *ClientConfig) Build(logger scep.Logger) (client.Config, error) {
	verifier, err := c.Verifier()
	if err != nil {
		return client.Config{}, err
	}
	return client.Config{
		URL:      c.URL,
		Profile:  c.Profile,
		Verifier: verifier,
		TransportOptions: transport.Options{
			Timeout: c.Timeout,
			Proxy:   c.Proxy,
			Logger:  logger,
		},
		NonceCapacity: c.NonceCapacity,
		CacheSize:     c.CacheSize,
		Logger:        logger,
	}, nil
}

// KeyPassphrase returns the identity key passphrase, if any.
func (c *ClientConfig) KeyPassphrase() []byte {
	return passphraseFrom(c.Identity.PassphraseEnv)
}

// CAPassphrase returns the CA key passphrase, if any.
func (c *ServerConfig) CAPassphrase() []byte {
	return passphraseFrom(c.CAPassphraseEnv)
}

func passphraseFrom(env string) []byte {
	if env == "" {
		return nil
	}
	if v := os.Getenv(env); v != "" {
		return []byte(v)
	}
	return nil
}

// Build returns the validated responder configuration.
func (c *ServerConfig) Build() (*server.Config, error) {
	cfg := &server.Config{
		Host:            c.Host,
		Port:            c.Port,
		Path:            c.Path,
		CADir:           c.CADir,
		CAPassphrase:    c.CAPassphrase(),
		Capabilities:    c.Capabilities,
		AutoApprove:     c.AutoApprove,
		CertValidity:    c.CertValidity,
		NonceCapacity:   c.NonceCapacity,
		TLSCert:         c.TLS.Cert,
		TLSKey:          c.TLS.Key,
		ReadTimeout:     c.ReadTimeout,
		WriteTimeout:    c.WriteTimeout,
		IdleTimeout:     c.IdleTimeout,
		ShutdownTimeout: c.ShutdownTimeout,
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	return cfg, nil
}
