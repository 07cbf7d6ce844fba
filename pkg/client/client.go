// Package client is a SCEP requester: it negotiates capabilities with a CA,
// checks the CA certificates with a caller supplied verifier and runs
// enrollment and query transactions.
package client

import (
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"

	"github.com/remiblancher/go-scep/internal/cache"
	"github.com/remiblancher/go-scep/pkg/scep"
	"github.com/remiblancher/go-scep/pkg/transport"
)

// ErrUntrustedCA is returned when the verifier rejects the CA certificate.
var ErrUntrustedCA = errors.New("scep client: CA certificate not trusted")

// Config configures a Client.
type Config struct {
	// URL of the responder; ignored when Transport is set.
	URL string
	// Profile is the CA identifier sent with GetCACaps and GetCACert.
	Profile  string
	Verifier CertificateVerifier
	// Transport overrides the HTTP transport built from URL.
	Transport        scep.Transport
	TransportOptions transport.Options
	// NonceCapacity bounds the response nonce registry.
	NonceCapacity int
	// CacheSize bounds the capability, tuple and verification caches.
	CacheSize int
	Logger    scep.Logger
}

// Client talks to one SCEP responder. It is safe for concurrent use; the
// transactions it returns are not.
type Client struct {
	transport scep.Transport
	profile   string
	verifier  CertificateVerifier
	registry  *scep.NonceRegistry
	selector  *scep.Selector
	caps      *cache.LRU[string, *scep.Capabilities]
	verified  *cache.LRU[[sha256.Size]byte, struct{}]
	logger    scep.Logger
}

// New returns a client for cfg.
func New(cfg Config) (*Client, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("scep client: a CA certificate verifier is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = scep.NopLogger
	}

	tr := cfg.Transport
	if tr == nil {
		opts := cfg.TransportOptions
		if opts.Logger == nil {
			opts.Logger = logger
		}
		ht, err := transport.New(cfg.URL, opts)
		if err != nil {
			return nil, err
		}
		tr = ht
	}

	return &Client{
		transport: tr,
		profile:   cfg.Profile,
		verifier:  cfg.Verifier,
		registry:  scep.NewNonceRegistry(cfg.NonceCapacity),
		selector:  scep.NewSelector(cfg.CacheSize, logger),
		caps:      cache.New[string, *scep.Capabilities](cfg.CacheSize),
		verified:  cache.New[[sha256.Size]byte, struct{}](cfg.CacheSize),
		logger:    logger,
	}, nil
}

// Registry returns the nonce registry shared by the client's transactions.
func (c *Client) Registry() *scep.NonceRegistry { return c.registry }

// Capabilities returns the CA capabilities, fetching them on first use.
func (c *Client) Capabilities(ctx context.Context) (*scep.Capabilities, error) {
	if caps, ok := c.caps.Get(c.profile); ok {
		return caps, nil
	}
	return c.RefreshCapabilities(ctx)
}

// RefreshCapabilities fetches the capabilities and replaces the cached set.
func (c *Client) RefreshCapabilities(ctx context.Context) (*scep.Capabilities, error) {
	resp, err := c.transport.Send(ctx, &scep.Request{Operation: scep.OpGetCACaps, Identifier: c.profile})
	if err != nil {
		return nil, err
	}
	caps := scep.ParseCapabilitiesText(resp.Body)
	c.logger.Printf("scep: CA capabilities %s", caps)
	c.caps.Put(c.profile, caps)
	return caps, nil
}

// CACertificates fetches the CA (and RA) certificates and checks the
// issuing CA with the verifier.
func (c *Client) CACertificates(ctx context.Context) ([]*x509.Certificate, error) {
	resp, err := c.transport.Send(ctx, &scep.Request{Operation: scep.OpGetCACert, Identifier: c.profile})
	if err != nil {
		return nil, err
	}
	certs, err := scep.ParseCACertResponse(resp)
	if err != nil {
		return nil, err
	}
	tuple, err := c.selector.Select(certs)
	if err != nil {
		return nil, err
	}
	if err := c.verifyCA(tuple.Issuer); err != nil {
		return nil, err
	}
	return certs, nil
}

func (c *Client) verifyCA(cert *x509.Certificate) error {
	key := sha256.Sum256(cert.Raw)
	if _, ok := c.verified.Get(key); ok {
		return nil
	}
	if !c.verifier.Verify(cert) {
		return fmt.Errorf("%w: %s", ErrUntrustedCA, cert.Subject)
	}
	c.verified.Put(key, struct{}{})
	return nil
}

func (c *Client) tuple(ctx context.Context) (scep.CertificateTuple, error) {
	certs, err := c.CACertificates(ctx)
	if err != nil {
		return scep.CertificateTuple{}, err
	}
	return c.selector.Select(certs)
}

// RolloverCertificates fetches the certificates that will replace the
// current CA. The answer must be signed by the current signing certificate.
func (c *Client) RolloverCertificates(ctx context.Context) ([]*x509.Certificate, error) {
	caps, err := c.Capabilities(ctx)
	if err != nil {
		return nil, err
	}
	if !caps.IsRolloverSupported() {
		return nil, fmt.Errorf("%w: %s", scep.ErrUnsupportedOperation, scep.CapGetNextCACert)
	}
	tuple, err := c.tuple(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := c.transport.Send(ctx, &scep.Request{Operation: scep.OpGetNextCACert, Identifier: c.profile})
	if err != nil {
		return nil, err
	}
	return scep.ParseNextCACertResponse(resp, tuple.Signing)
}

// session gathers what a PKIOperation needs for the current CA.
func (c *Client) session(ctx context.Context, identity *x509.Certificate, key crypto.Signer) (scep.TransactionConfig, scep.CertificateTuple, error) {
	if identity == nil || key == nil {
		return scep.TransactionConfig{}, scep.CertificateTuple{}, errors.New("scep client: identity certificate and key are required")
	}
	caps, err := c.Capabilities(ctx)
	if err != nil {
		return scep.TransactionConfig{}, scep.CertificateTuple{}, err
	}
	tuple, err := c.tuple(ctx)
	if err != nil {
		return scep.TransactionConfig{}, scep.CertificateTuple{}, err
	}
	digest, err := caps.StrongestDigest()
	if err != nil {
		return scep.TransactionConfig{}, scep.CertificateTuple{}, err
	}

	envelope := scep.NewPKCSEnvelopeEncoder(tuple.Encryption, caps)
	envelope.AES = caps.Contains(scep.CapAES)
	envelope.Logger = c.logger

	cfg := scep.TransactionConfig{
		Transport: c.transport,
		Encoder: &scep.PKIMessageEncoder{
			Key:         key,
			Certificate: identity,
			Envelope:    envelope,
			Digest:      digest,
			Logger:      c.logger,
		},
		Decoder: &scep.PKIMessageDecoder{
			Envelope: &scep.PKCSEnvelopeDecoder{Recipient: identity, Key: key, Logger: c.logger},
			Signer:   tuple.Signing,
			Logger:   c.logger,
		},
		Registry: c.registry,
		Method:   caps.PKIOperationMethod(),
		Logger:   c.logger,
	}
	return cfg, tuple, nil
}

// Enroll starts the enrollment of csr, signed by identity and key. The
// returned transaction has not been sent yet and already knows its issuer.
func (c *Client) Enroll(ctx context.Context, identity *x509.Certificate, key crypto.Signer, csr *x509.CertificateRequest) (*scep.EnrollmentTransaction, error) {
	cfg, tuple, err := c.session(ctx, identity, key)
	if err != nil {
		return nil, err
	}
	tx, err := scep.NewEnrollmentTransaction(cfg, csr)
	if err != nil {
		return nil, err
	}
	tx.SetIssuer(tuple.Issuer)
	return tx, nil
}

// GetCertificate retrieves the certificate with serial issued by the CA.
func (c *Client) GetCertificate(ctx context.Context, identity *x509.Certificate, key crypto.Signer, serial *big.Int) ([]*x509.Certificate, error) {
	cfg, tuple, err := c.session(ctx, identity, key)
	if err != nil {
		return nil, err
	}
	tx, err := scep.NewGetCertTransaction(cfg, scep.IssuerAndSerial{RawIssuer: tuple.Issuer.RawSubject, SerialNumber: serial})
	if err != nil {
		return nil, err
	}
	if err := sendOnce(ctx, tx); err != nil {
		return nil, err
	}
	return tx.Certificates(), nil
}

// GetRevocationList retrieves the CRL covering the certificate with serial.
func (c *Client) GetRevocationList(ctx context.Context, identity *x509.Certificate, key crypto.Signer, serial *big.Int) ([]*x509.RevocationList, error) {
	cfg, tuple, err := c.session(ctx, identity, key)
	if err != nil {
		return nil, err
	}
	tx, err := scep.NewGetCRLTransaction(cfg, scep.IssuerAndSerial{RawIssuer: tuple.Issuer.RawSubject, SerialNumber: serial})
	if err != nil {
		return nil, err
	}
	if err := sendOnce(ctx, tx); err != nil {
		return nil, err
	}
	return tx.CRLs(), nil
}

// sendOnce runs a query; PENDING and FAILURE become errors.
func sendOnce(ctx context.Context, tx *scep.NonEnrollmentTransaction) error {
	state, err := tx.Send(ctx)
	if err != nil {
		return err
	}
	switch state {
	case scep.StateCertReqPending:
		return scep.ErrPending
	case scep.StateFailure:
		return &scep.OperationFailureError{FailInfo: tx.FailInfo()}
	}
	return nil
}
