package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/remiblancher/go-scep/pkg/client"
)

const sampleYAML = `
client:
  url: https://ca.example.com/scep
  profile: devices
  ca_fingerprint: "AB:CD:00:11:22:33:44:55:66:77:88:99:aa:bb:cc:dd:ee:ff:00:11:22:33:44:55:66:77:88:99:aa:bb:cc:dd"
  timeout: 10s
  identity:
    cert: device.crt
    key: device.key
server:
  port: 9443
  path: /cgi-bin/pkiclient.exe
  ca_dir: /var/lib/scep
  auto_approve: true
  cert_validity: 720h
  capabilities: [POSTPKIOperation, SHA-256, AES]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scep.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

// =============================================================================
// Load
// =============================================================================

func TestU_Load_File(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Client.URL != "https://ca.example.com/scep" || cfg.Client.Profile != "devices" {
		t.Errorf("client = %+v", cfg.Client)
	}
	if cfg.Client.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v, want 10s", cfg.Client.Timeout)
	}
	if cfg.Client.Identity.PassphraseEnv != EnvKeyPassphrase {
		t.Errorf("PassphraseEnv default lost: %q", cfg.Client.Identity.PassphraseEnv)
	}
	if cfg.Server.Port != 9443 || !cfg.Server.AutoApprove || cfg.Server.CertValidity != 720*time.Hour {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("ReadTimeout default lost: %v", cfg.Server.ReadTimeout)
	}
	if err := cfg.Client.Validate(); err != nil {
		t.Errorf("Client.Validate() error = %v", err)
	}
}

func TestU_Load_EnvOverrides(t *testing.T) {
	t.Setenv(EnvURL, "http://override.example.com/scep")
	t.Setenv(EnvProfile, "override")
	t.Setenv(EnvProxy, "http://proxy:3128")
	t.Setenv(EnvPort, "8081")
	t.Setenv(EnvCADir, "/tmp/ca")
	t.Setenv(EnvAutoApprove, "false")

	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Client.URL != "http://override.example.com/scep" || cfg.Client.Profile != "override" || cfg.Client.Proxy != "http://proxy:3128" {
		t.Errorf("client overrides not applied: %+v", cfg.Client)
	}
	if cfg.Server.Port != 8081 || cfg.Server.CADir != "/tmp/ca" || cfg.Server.AutoApprove {
		t.Errorf("server overrides not applied: %+v", cfg.Server)
	}
}

func TestU_Load_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
			t.Error("Load() should fail")
		}
	})
	t.Run("bad yaml", func(t *testing.T) {
		if _, err := Load(writeConfig(t, "client: [unterminated")); err == nil {
			t.Error("Load() should fail")
		}
	})
	t.Run("bad port env", func(t *testing.T) {
		t.Setenv(EnvPort, "eighty")
		if _, err := Load(""); err == nil || !strings.Contains(err.Error(), EnvPort) {
			t.Errorf("Load() error = %v", err)
		}
	})
}

func TestU_Load_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Path != "/scep" || cfg.Server.Port != 8080 {
		t.Errorf("server defaults = %+v", cfg.Server)
	}
}

// =============================================================================
// Client
// =============================================================================

func TestU_ClientConfig_Validate(t *testing.T) {
	base := func() ClientConfig {
		return ClientConfig{URL: "https://ca.example.com/scep", Insecure: true}
	}
	tests := []struct {
		name    string
		mutate  func(*ClientConfig)
		wantErr string
	}{
		{"valid", func(*ClientConfig) {}, ""},
		{"no url", func(c *ClientConfig) { c.URL = "" }, "client.url"},
		{"query in url", func(c *ClientConfig) { c.URL = "https://ca.example.com/scep?x=1" }, "query"},
		{"no trust", func(c *ClientConfig) { c.Insecure = false }, "ca_fingerprint"},
		{"short fingerprint", func(c *ClientConfig) { c.CAFingerprint = "abcd" }, "not a hex SHA-256"},
		{"half identity", func(c *ClientConfig) { c.Identity.Cert = "id.crt" }, "identity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestU_ClientConfig_Verifier(t *testing.T) {
	fp := strings.Repeat("ab", 32)

	v, err := (&ClientConfig{CAFingerprint: fp, Insecure: true}).Verifier()
	if err != nil {
		t.Fatalf("Verifier() error = %v", err)
	}
	if _, ok := v.(*client.FingerprintVerifier); !ok {
		t.Errorf("Verifier() = %T, want fingerprint verifier", v)
	}

	v, err = (&ClientConfig{Insecure: true}).Verifier()
	if err != nil {
		t.Fatalf("Verifier() error = %v", err)
	}
	if _, ok := v.(client.InsecureVerifier); !ok {
		t.Errorf("Verifier() = %T, want insecure verifier", v)
	}

	if _, err := (&ClientConfig{CACert: filepath.Join(t.TempDir(), "missing.pem")}).Verifier(); err == nil {
		t.Error("Verifier() with a missing bundle should fail")
	}
	if _, err := (&ClientConfig{}).Verifier(); err == nil {
		t.Error("Verifier() without trust should fail")
	}
}

func TestU_ClientConfig_Build(t *testing.T) {
	c := ClientConfig{URL: "https://ca.example.com/scep", Profile: "p", Insecure: true, Proxy: "http://proxy:3128", Timeout: time.Second}
	cc, err := c.Build(nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if cc.URL != c.URL || cc.Profile != "p" || cc.TransportOptions.Proxy != c.Proxy || cc.TransportOptions.Timeout != time.Second {
		t.Errorf("Build() = %+v", cc)
	}
}

// =============================================================================
// Server
// =============================================================================

func TestU_ServerConfig_Build(t *testing.T) {
	t.Setenv(EnvCAPassphrase, "s3cret")
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	sc, err := cfg.Server.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if sc.Address() != ":9443" || sc.Path != "/cgi-bin/pkiclient.exe" || string(sc.CAPassphrase) != "s3cret" {
		t.Errorf("Build() = %+v", sc)
	}

	cfg.Server.CADir = ""
	if _, err := cfg.Server.Build(); err == nil {
		t.Error("Build() without ca_dir should fail")
	}
}
