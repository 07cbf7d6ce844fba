package router

import (
	"crypto/x509"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/remiblancher/go-scep/internal/api/dto"
	"github.com/remiblancher/go-scep/internal/api/handler"
	"github.com/remiblancher/go-scep/internal/ca"
	"github.com/remiblancher/go-scep/pkg/scep"
)

func newTestRouter(t *testing.T, ready bool) *httptest.Server {
	t.Helper()
	authority, err := ca.Initialize(ca.NewStore(t.TempDir()), ca.Config{CommonName: "Router CA", KeyBits: 2048})
	if err != nil {
		t.Fatalf("ca.Initialize() error = %v", err)
	}
	h, err := handler.NewSCEPHandler(handler.SCEPConfig{
		Backend:      authority,
		Certificates: []*x509.Certificate{authority.Certificate()},
		Signer:       authority.Certificate(),
		Key:          authority.Signer(),
	})
	if err != nil {
		t.Fatalf("NewSCEPHandler() error = %v", err)
	}
	srv := httptest.NewServer(New(&Config{
		Version:     "test",
		SCEP:        h,
		ReadyChecks: map[string]handler.ReadyCheck{"ca": func() bool { return ready }},
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestU_Router_Routes(t *testing.T) {
	srv := newTestRouter(t, true)

	tests := []struct {
		path string
		want int
	}{
		{"/health", http.StatusOK},
		{"/ready", http.StatusOK},
		{"/scep?operation=GetCACaps", http.StatusOK},
		{"/scep/pkiclient.exe?operation=GetCACert", http.StatusOK},
		{"/scep", http.StatusBadRequest},
		{"/api/v1/ca", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			if err != nil {
				t.Fatalf("GET error = %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if resp.Header.Get("X-Request-ID") == "" {
				t.Error("missing X-Request-ID")
			}
		})
	}
}

func TestU_Router_SCEPMethods(t *testing.T) {
	srv := newTestRouter(t, true)

	resp, err := http.Post(srv.URL+"/scep?operation=GetCACert", "text/plain", nil)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); allow != "GET" {
		t.Errorf("Allow = %q, want GET", allow)
	}
}

func TestU_Router_Health(t *testing.T) {
	srv := newTestRouter(t, true)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()

	var body dto.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if body.Status != "ok" || body.Version != "test" || body.Path != DefaultPath {
		t.Errorf("health = %+v", body)
	}
	if body.CA != "CN=Router CA" {
		t.Errorf("CA = %q", body.CA)
	}
	found := false
	for _, c := range body.Capabilities {
		if c == string(scep.CapPOSTPKIOperation) {
			found = true
		}
	}
	if !found {
		t.Errorf("capabilities = %v", body.Capabilities)
	}
}

func TestU_Router_NotReady(t *testing.T) {
	srv := newTestRouter(t, false)

	resp, err := http.Get(srv.URL + "/ready")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	var body dto.ReadyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if body.Ready || body.Checks["ca"] || !body.Checks["server"] {
		t.Errorf("ready = %+v", body)
	}
}

