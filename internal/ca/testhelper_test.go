package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"sync"
	"testing"

	"github.com/remiblancher/go-scep/pkg/scep"
)

var (
	requesterKeyOnce sync.Once
	requesterKey     *rsa.PrivateKey
	requesterKeyErr  error
)

// testRequesterKey returns a key shared by all tests of the package.
func testRequesterKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	requesterKeyOnce.Do(func() {
		requesterKey, requesterKeyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	if requesterKeyErr != nil {
		t.Fatalf("GenerateKey() error = %v", requesterKeyErr)
	}
	return requesterKey
}

// newTestCA initializes a CA in a temporary directory.
func newTestCA(t *testing.T) *CA {
	t.Helper()
	ca, err := Initialize(NewStore(t.TempDir()), Config{
		CommonName:   "Test SCEP CA",
		Organization: "Test Org",
		KeyBits:      2048,
	})
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return ca
}

// generateCSR creates a signed request for cn.
func generateCSR(t *testing.T, cn string) *x509.CertificateRequest {
	t.Helper()
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: cn},
		DNSNames: []string{cn + ".example.com"},
	}, testRequesterKey(t))
	if err != nil {
		t.Fatalf("CreateCertificateRequest() error = %v", err)
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		t.Fatalf("ParseCertificateRequest() error = %v", err)
	}
	return csr
}

// subjectOf names the pending request for csr at ca.
func subjectOf(ca *CA, csr *x509.CertificateRequest) scep.IssuerAndSubject {
	return scep.IssuerAndSubject{RawIssuer: ca.Certificate().RawSubject, RawSubject: csr.RawSubject}
}

// assertFailInfo checks that err is a FAILURE with want.
func assertFailInfo(t *testing.T, err error, want scep.FailInfo) {
	t.Helper()
	fe, ok := err.(*scep.OperationFailureError)
	if !ok {
		t.Fatalf("error = %v, want *scep.OperationFailureError", err)
	}
	if fe.FailInfo != want {
		t.Errorf("FailInfo = %s, want %s", fe.FailInfo, want)
	}
}
