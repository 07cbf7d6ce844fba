package main

import (
	"bytes"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/remiblancher/go-scep/internal/api/server"
	"github.com/remiblancher/go-scep/internal/ca"
	"github.com/remiblancher/go-scep/internal/config"
	"github.com/remiblancher/go-scep/pkg/client"
)

// executeCommand executes a Cobra command with the given args and returns output.
func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)

	err = root.Execute()
	return buf.String(), err
}

// testContext holds test resources.
type testContext struct {
	t       *testing.T
	tempDir string
}

func newTestContext(t *testing.T) *testContext {
	t.Helper()
	resetFlags()
	// Keep the developer's environment out of the config layer.
	for _, env := range []string{
		config.EnvURL, config.EnvProfile, config.EnvProxy, config.EnvFingerprint,
		config.EnvPort, config.EnvCADir, config.EnvAutoApprove, config.EnvCAPassphrase,
		config.EnvKeyPassphrase, "SCEP_AUDIT_LOG",
	} {
		t.Setenv(env, "")
		_ = os.Unsetenv(env)
	}
	return &testContext{t: t, tempDir: t.TempDir()}
}

// path returns a path within the temp directory.
func (tc *testContext) path(name string) string {
	return filepath.Join(tc.tempDir, name)
}

func (tc *testContext) writeFile(name, content string) string {
	tc.t.Helper()
	path := tc.path(name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		tc.t.Fatalf("Failed to write file %s: %v", name, err)
	}
	return path
}

// initCA creates a CA through the command line and returns its directory.
func (tc *testContext) initCA(cn string) string {
	tc.t.Helper()
	dir := tc.path("ca")
	_, err := executeCommand(rootCmd, "ca", "init", "--dir", dir, "--cn", cn, "--key-bits", "2048")
	assertNoError(tc.t, err)
	resetFlags()
	return dir
}

// responder serves the CA in dir and returns its URL and CA fingerprint.
func (tc *testContext) responder(dir string, autoApprove bool) (url, fingerprint string) {
	tc.t.Helper()
	sc := server.DefaultConfig()
	sc.CADir = dir
	sc.AutoApprove = autoApprove
	srv, err := server.New(sc, "test", nil)
	if err != nil {
		tc.t.Fatalf("server.New() error = %v", err)
	}
	hs := httptest.NewServer(srv.Handler())
	tc.t.Cleanup(hs.Close)
	return hs.URL + sc.Path, client.Fingerprint(srv.CA().Certificate())
}

// loadTestCA opens the CA in dir outside of the command line.
func loadTestCA(t *testing.T, dir string) *ca.CA {
	t.Helper()
	authority, err := ca.Load(ca.NewStore(dir), nil)
	if err != nil {
		t.Fatalf("ca.Load() error = %v", err)
	}
	return authority
}

// resetFlags restores every package level flag to its default.
func resetFlags() {
	configPath = ""
	auditLogPath = ""
	verbose = false

	clientURL = ""
	clientProfile = ""
	clientFingerprint = ""
	clientCACert = ""
	clientInsecure = false
	clientProxy = ""
	clientTimeout = 0

	identityKey = ""
	identityCert = ""
	identityPassphrase = ""

	caCertOut = ""

	enrollCSR = ""
	enrollCN = ""
	enrollOrg = ""
	enrollDNS = nil
	enrollKeyBits = 2048
	enrollOut = ""
	enrollPollInterval = 30 * time.Second
	enrollMaxPolls = 0

	querySerial = ""
	queryOut = ""

	caDir = ""
	caPassphrase = ""
	caInitCN = ""
	caInitOrg = ""
	caInitCountry = ""
	caInitKeyBits = ca.DefaultKeyBits
	caInitValidityYears = ca.DefaultValidityYears
	caRejectReason = ""
	caRevokeReason = ""
	caPendingAll = false
	caListValidOnly = false

	auditLogFile = ""
	auditTailNum = 10
	auditShowJSON = false
}

func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func assertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func assertFileExists(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected file %s: %v", path, err)
	}
}

func assertContains(t *testing.T, output, want string) {
	t.Helper()
	if !strings.Contains(output, want) {
		t.Errorf("output does not contain %q:\n%s", want, output)
	}
}
