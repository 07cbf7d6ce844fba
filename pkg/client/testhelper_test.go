package client

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/remiblancher/go-scep/internal/api/handler"
	"github.com/remiblancher/go-scep/internal/ca"
	"github.com/remiblancher/go-scep/pkg/scep"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
	keyErr  error
)

func requesterKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		testKey, keyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	if keyErr != nil {
		t.Fatalf("GenerateKey() error = %v", keyErr)
	}
	return testKey
}

// testResponder is a SCEP responder over a temporary CA, counting the
// requests it receives per operation.
type testResponder struct {
	ca    *ca.CA
	url   string
	calls map[string]*atomic.Int32
}

func newTestCA(t *testing.T, cn string) *ca.CA {
	t.Helper()
	authority, err := ca.Initialize(ca.NewStore(t.TempDir()), ca.Config{
		CommonName: cn,
		KeyBits:    2048,
	})
	if err != nil {
		t.Fatalf("ca.Initialize() error = %v", err)
	}
	return authority
}

func newTestResponder(t *testing.T, autoApprove bool, next []*x509.Certificate) *testResponder {
	t.Helper()
	authority := newTestCA(t, "Client Test CA")
	authority.SetAutoApprove(autoApprove)

	h, err := handler.NewSCEPHandler(handler.SCEPConfig{
		Backend:          authority,
		Certificates:     []*x509.Certificate{authority.Certificate()},
		Signer:           authority.Certificate(),
		Key:              authority.Signer(),
		NextCertificates: next,
	})
	if err != nil {
		t.Fatalf("NewSCEPHandler() error = %v", err)
	}

	r := &testResponder{ca: authority, calls: map[string]*atomic.Int32{}}
	for _, op := range []string{
		string(scep.OpGetCACaps), string(scep.OpGetCACert),
		string(scep.OpGetNextCACert), string(scep.OpPKIOperation),
	} {
		r.calls[op] = new(atomic.Int32)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if c, ok := r.calls[req.URL.Query().Get("operation")]; ok {
			c.Add(1)
		}
		h.ServeHTTP(w, req)
	}))
	t.Cleanup(srv.Close)
	r.url = srv.URL + "/scep"
	return r
}

func (r *testResponder) count(op scep.Operation) int32 {
	return r.calls[string(op)].Load()
}

func (r *testResponder) client(t *testing.T, v CertificateVerifier) *Client {
	t.Helper()
	c, err := New(Config{URL: r.url, Verifier: v})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

// trusted returns a client that pins the responder's CA fingerprint.
func (r *testResponder) trusted(t *testing.T) *Client {
	t.Helper()
	return r.client(t, NewFingerprintVerifier(Fingerprint(r.ca.Certificate())))
}

// identity returns a self-signed identity and a CSR for the same key.
func identity(t *testing.T, cn string) (*rsa.PrivateKey, *x509.Certificate, *x509.CertificateRequest) {
	t.Helper()
	key := requesterKey(t)
	cert, err := scep.SelfSignedIdentity(key, pkix.Name{CommonName: cn})
	if err != nil {
		t.Fatalf("SelfSignedIdentity() error = %v", err)
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: cn},
	}, key)
	if err != nil {
		t.Fatalf("CreateCertificateRequest() error = %v", err)
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		t.Fatalf("ParseCertificateRequest() error = %v", err)
	}
	return key, cert, csr
}
