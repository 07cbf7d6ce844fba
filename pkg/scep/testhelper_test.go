package scep

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"testing"
	"time"
)

var (
	rsaKeyOnce sync.Once
	rsaKeys    []*rsa.PrivateKey
)

// testRSAKey returns one of a small pool of 2048-bit RSA keys shared by the
// package tests.
func testRSAKey(t *testing.T, idx int) *rsa.PrivateKey {
	t.Helper()
	rsaKeyOnce.Do(func() {
		for i := 0; i < 4; i++ {
			k, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				panic(err)
			}
			rsaKeys = append(rsaKeys, k)
		}
	})
	return rsaKeys[idx%len(rsaKeys)]
}

func randomSerial(t *testing.T) *big.Int {
	t.Helper()
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		t.Fatalf("Failed to generate serial number: %v", err)
	}
	return serial
}

// createCertificate signs tmpl with parentKey. A nil parent self-signs.
func createCertificate(t *testing.T, tmpl, parent *x509.Certificate, pub any, parentKey *rsa.PrivateKey) *x509.Certificate {
	t.Helper()
	if tmpl.SerialNumber == nil {
		tmpl.SerialNumber = randomSerial(t)
	}
	if tmpl.NotBefore.IsZero() {
		tmpl.NotBefore = time.Now().Add(-1 * time.Hour)
		tmpl.NotAfter = time.Now().Add(24 * time.Hour)
	}
	if parent == nil {
		parent = tmpl
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, parentKey)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}
	return cert
}

// generateCACertificate creates a self-signed CA. A zero usage leaves the
// key usage extension out.
func generateCACertificate(t *testing.T, key *rsa.PrivateKey, cn string, usage x509.KeyUsage) *x509.Certificate {
	t.Helper()
	return createCertificate(t, &x509.Certificate{
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"Test Org"}},
		KeyUsage:              usage,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
		SubjectKeyId:          []byte(cn),
	}, nil, &key.PublicKey, key)
}

// generateLeafCertificate creates an end-entity certificate with usage.
func generateLeafCertificate(t *testing.T, key *rsa.PrivateKey, cn string, usage x509.KeyUsage) *x509.Certificate {
	t.Helper()
	return createCertificate(t, &x509.Certificate{
		Subject:  pkix.Name{CommonName: cn},
		KeyUsage: usage,
	}, nil, &key.PublicKey, key)
}

func generateTestCSR(t *testing.T, key *rsa.PrivateKey, cn string) *x509.CertificateRequest {
	t.Helper()
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: cn},
	}, key)
	if err != nil {
		t.Fatalf("Failed to create CSR: %v", err)
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		t.Fatalf("Failed to parse CSR: %v", err)
	}
	return csr
}

func generateTestCRL(t *testing.T, ca *testCA) *x509.RevocationList {
	t.Helper()
	der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:     big.NewInt(1),
		ThisUpdate: time.Now().Add(-time.Minute),
		NextUpdate: time.Now().Add(time.Hour),
	}, ca.cert, ca.key)
	if err != nil {
		t.Fatalf("Failed to create CRL: %v", err)
	}
	crl, err := x509.ParseRevocationList(der)
	if err != nil {
		t.Fatalf("Failed to parse CRL: %v", err)
	}
	return crl
}

func mustNonce(t *testing.T) Nonce {
	t.Helper()
	n, err := NewNonce()
	if err != nil {
		t.Fatalf("NewNonce() error = %v", err)
	}
	return n
}

// =============================================================================
// Test CA and requester
// =============================================================================

type testCA struct {
	key  *rsa.PrivateKey
	cert *x509.Certificate
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()
	key := testRSAKey(t, 0)
	cert := generateCACertificate(t, key, "Test SCEP CA",
		x509.KeyUsageCertSign|x509.KeyUsageCRLSign|x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment)
	return &testCA{key: key, cert: cert}
}

func (ca *testCA) issue(t *testing.T, csr *x509.CertificateRequest) *x509.Certificate {
	t.Helper()
	return createCertificate(t, &x509.Certificate{
		Subject:  csr.Subject,
		KeyUsage: x509.KeyUsageDigitalSignature,
	}, ca.cert, csr.PublicKey, ca.key)
}

func (ca *testCA) encoder(recipient *x509.Certificate) *PKIMessageEncoder {
	return &PKIMessageEncoder{
		Key:         ca.key,
		Certificate: ca.cert,
		Envelope:    &PKCSEnvelopeEncoder{Recipient: recipient, Cipher: CipherDESede},
	}
}

func (ca *testCA) decoder() *PKIMessageDecoder {
	return &PKIMessageDecoder{Envelope: &PKCSEnvelopeDecoder{Recipient: ca.cert, Key: ca.key}}
}

type testRequester struct {
	key  *rsa.PrivateKey
	cert *x509.Certificate
	csr  *x509.CertificateRequest
}

func newTestRequester(t *testing.T, cn string) *testRequester {
	t.Helper()
	key := testRSAKey(t, 1)
	cert, err := SelfSignedIdentity(key, pkix.Name{CommonName: cn})
	if err != nil {
		t.Fatalf("SelfSignedIdentity() error = %v", err)
	}
	return &testRequester{key: key, cert: cert, csr: generateTestCSR(t, key, cn)}
}

func (r *testRequester) encoder(ca *testCA) *PKIMessageEncoder {
	return &PKIMessageEncoder{
		Key:         r.key,
		Certificate: r.cert,
		Envelope:    &PKCSEnvelopeEncoder{Recipient: ca.cert, Cipher: CipherDESede},
	}
}

func (r *testRequester) decoder() *PKIMessageDecoder {
	return &PKIMessageDecoder{Envelope: &PKCSEnvelopeDecoder{Recipient: r.cert, Key: r.key}}
}

func (r *testRequester) config(ca *testCA, tr Transport, registry *NonceRegistry) TransactionConfig {
	return TransactionConfig{
		Transport: tr,
		Encoder:   r.encoder(ca),
		Decoder:   r.decoder(),
		Registry:  registry,
	}
}

// =============================================================================
// Fake responder
// =============================================================================

// fakeResponder answers PKIOperations in process. handle builds the reply
// for each decoded request; tamper may alter it before encoding.
type fakeResponder struct {
	t        *testing.T
	ca       *testCA
	handle   func(req *Message) *Message
	tamper   func(res *Message)
	requests []*Message
}

func (f *fakeResponder) Send(_ context.Context, req *Request) (*Response, error) {
	f.t.Helper()
	if req.Operation != OpPKIOperation {
		f.t.Fatalf("Operation = %s, want %s", req.Operation, OpPKIOperation)
	}
	msg, err := f.ca.decoder().Decode(req.Message)
	if err != nil {
		f.t.Fatalf("responder Decode() error = %v", err)
	}
	f.requests = append(f.requests, msg)

	res := f.handle(msg)
	if f.tamper != nil {
		f.tamper(res)
	}
	wire, err := f.ca.encoder(msg.SignerCertificate).Encode(res)
	if err != nil {
		f.t.Fatalf("responder Encode() error = %v", err)
	}
	return &Response{Body: wire, ContentType: ContentTypePKIMessage}, nil
}

func pendingHandler(t *testing.T) func(*Message) *Message {
	return func(req *Message) *Message { return NewCertRepPending(req, mustNonce(t)) }
}

func failureHandler(t *testing.T, info FailInfo) func(*Message) *Message {
	return func(req *Message) *Message { return NewCertRepFailure(req, mustNonce(t), info) }
}

func successHandler(t *testing.T, certs []*x509.Certificate, crls []*x509.RevocationList) func(*Message) *Message {
	return func(req *Message) *Message {
		payload, err := NewCertRepPayload(certs, crls)
		if err != nil {
			t.Fatalf("NewCertRepPayload() error = %v", err)
		}
		return NewCertRepSuccess(req, mustNonce(t), payload)
	}
}
