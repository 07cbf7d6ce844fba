package handler

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/remiblancher/go-scep/internal/ca"
	"github.com/remiblancher/go-scep/pkg/scep"
)

var (
	requesterKeyOnce sync.Once
	requesterKey     *rsa.PrivateKey
	requesterKeyErr  error
)

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

// responder is a SCEP endpoint backed by a CA in a temporary directory.
type responder struct {
	ca      *ca.CA
	handler *SCEPHandler
	srv     *httptest.Server
}

func newTestResponder(t *testing.T, autoApprove bool, mutate func(*SCEPConfig)) *responder {
	t.Helper()
	authority, err := ca.Initialize(ca.NewStore(t.TempDir()), ca.Config{
		CommonName:   "Test SCEP CA",
		Organization: "Test Org",
		KeyBits:      2048,
	})
	if err != nil {
		t.Fatalf("ca.Initialize() error = %v", err)
	}
	authority.SetAutoApprove(autoApprove)

	cfg := SCEPConfig{
		Backend:      authority,
		Certificates: []*x509.Certificate{authority.Certificate()},
		Signer:       authority.Certificate(),
		Key:          authority.Signer(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h, err := NewSCEPHandler(cfg)
	if err != nil {
		t.Fatalf("NewSCEPHandler() error = %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &responder{ca: authority, handler: h, srv: srv}
}

// requester holds an ephemeral identity and a CSR for the same key.
type requester struct {
	key  *rsa.PrivateKey
	cert *x509.Certificate
	csr  *x509.CertificateRequest
	id   scep.TransactionID
}

func newTestRequester(t *testing.T, cn string) *requester {
	t.Helper()
	key := testRequesterKey(t)
	cert, err := scep.SelfSignedIdentity(key, pkix.Name{CommonName: cn})
	if err != nil {
		t.Fatalf("SelfSignedIdentity() error = %v", err)
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: cn},
		DNSNames: []string{cn + ".example.com"},
	}, key)
	if err != nil {
		t.Fatalf("CreateCertificateRequest() error = %v", err)
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		t.Fatalf("ParseCertificateRequest() error = %v", err)
	}
	id, err := scep.NewTransactionID(key.Public(), crypto.SHA1)
	if err != nil {
		t.Fatalf("NewTransactionID() error = %v", err)
	}
	return &requester{key: key, cert: cert, csr: csr, id: id}
}

func (rq *requester) encode(t *testing.T, caCert *x509.Certificate, msg *scep.Message) []byte {
	t.Helper()
	enc := &scep.PKIMessageEncoder{
		Key:         rq.key,
		Certificate: rq.cert,
		Envelope:    &scep.PKCSEnvelopeEncoder{Recipient: caCert, Cipher: scep.CipherDESede},
		Digest:      crypto.SHA256,
	}
	wire, err := enc.Encode(msg)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return wire
}

func (rq *requester) decode(t *testing.T, caCert *x509.Certificate, wire []byte) *scep.Message {
	t.Helper()
	dec := &scep.PKIMessageDecoder{
		Envelope: &scep.PKCSEnvelopeDecoder{Recipient: rq.cert, Key: rq.key},
		Signer:   caCert,
	}
	msg, err := dec.Decode(wire)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	return msg
}

func mustNonce(t *testing.T) scep.Nonce {
	t.Helper()
	n, err := scep.NewNonce()
	if err != nil {
		t.Fatalf("NewNonce() error = %v", err)
	}
	return n
}

// post sends wire as a PKIOperation body.
func post(t *testing.T, url string, wire []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(url+"?operation=PKIOperation", scep.ContentTypePKIMessage, bytes.NewReader(wire))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// getMessage sends wire base64 encoded without escaping, as some clients do.
func getMessage(t *testing.T, url string, wire []byte) *http.Response {
	t.Helper()
	resp, err := http.Get(url + "?operation=PKIOperation&message=" + base64.StdEncoding.EncodeToString(wire))
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	return body
}

// exchange posts msg and decodes the CertRep.
func (r *responder) exchange(t *testing.T, rq *requester, msg *scep.Message) *scep.Message {
	t.Helper()
	resp := post(t, r.srv.URL, rq.encode(t, r.ca.Certificate(), msg))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, readBody(t, resp))
	}
	return rq.decode(t, r.ca.Certificate(), readBody(t, resp))
}
