package ca

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"sync"
	"time"

	"github.com/remiblancher/go-scep/internal/audit"
	"github.com/remiblancher/go-scep/internal/pemutil"
)

// Defaults applied by Initialize and Load.
const (
	DefaultKeyBits       = 2048
	DefaultValidityYears = 10
	DefaultCertValidity  = 365 * 24 * time.Hour
	DefaultCRLValidity   = 7 * 24 * time.Hour
)

// CA is a certificate authority backed by a Store. It is safe for
// concurrent use.
type CA struct {
	store  *Store
	cert   *x509.Certificate
	signer crypto.Signer

	// mu serializes request state changes.
	mu           sync.Mutex
	autoApprove  bool
	certValidity time.Duration
	crlValidity  time.Duration
	now          func() time.Time
}

// Config holds the parameters of a new CA.
type Config struct {
	CommonName    string
	Organization  string
	Country       string
	KeyBits       int
	ValidityYears int
	// Passphrase encrypts the private key when not empty.
	Passphrase []byte
}

// Initialize creates a CA with a self-signed RSA certificate. The CA key
// signs and decrypts pkiMessages, so the certificate carries
// digitalSignature and keyEncipherment besides keyCertSign.
func Initialize(store *Store, cfg Config) (*CA, error) {
	if cfg.CommonName == "" {
		return nil, fmt.Errorf("CA common name is required")
	}
	if store.Exists() {
		return nil, fmt.Errorf("CA already exists at %s", store.BasePath())
	}
	if cfg.KeyBits == 0 {
		cfg.KeyBits = DefaultKeyBits
	}
	if cfg.ValidityYears == 0 {
		cfg.ValidityYears = DefaultValidityYears
	}

	if err := store.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, cfg.KeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA key: %w", err)
	}
	keyPEM, err := pemutil.EncodePrivateKey(key, cfg.Passphrase)
	if err != nil {
		return nil, err
	}
	if err := pemutil.WriteFile(store.CAKeyPath(), keyPEM, 0600); err != nil {
		return nil, fmt.Errorf("failed to save CA key: %w", err)
	}

	serial, err := store.NextSerial()
	if err != nil {
		return nil, fmt.Errorf("failed to get serial number: %w", err)
	}
	subject := pkix.Name{CommonName: cfg.CommonName}
	if cfg.Organization != "" {
		subject.Organization = []string{cfg.Organization}
	}
	if cfg.Country != "" {
		subject.Country = []string{cfg.Country}
	}
	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.AddDate(cfg.ValidityYears, 0, 0),
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLenZero:        true,
		KeyUsage: x509.KeyUsageCertSign | x509.KeyUsageCRLSign |
			x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		SubjectKeyId: subjectKeyID(&key.PublicKey),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	if err := store.SaveCACert(cert); err != nil {
		return nil, fmt.Errorf("failed to save CA certificate: %w", err)
	}

	if err := audit.LogCACreated(store.BasePath(), cert.Subject.String(), true); err != nil {
		return nil, err
	}
	return newCA(store, cert, key), nil
}

// Load opens an existing CA.
func Load(store *Store, passphrase []byte) (*CA, error) {
	cert, err := store.LoadCACert()
	if err != nil {
		return nil, fmt.Errorf("failed to load CA certificate: %w", err)
	}
	key, err := pemutil.ReadPrivateKey(store.CAKeyPath(), passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA key: %w", err)
	}
	return newCA(store, cert, key), nil
}

func newCA(store *Store, cert *x509.Certificate, signer crypto.Signer) *CA {
	return &CA{
		store:        store,
		cert:         cert,
		signer:       signer,
		certValidity: DefaultCertValidity,
		crlValidity:  DefaultCRLValidity,
		now:          time.Now,
	}
}

// Certificate returns the CA certificate.
func (ca *CA) Certificate() *x509.Certificate { return ca.cert }

// Signer returns the CA private key.
func (ca *CA) Signer() crypto.Signer { return ca.signer }

// Store returns the CA store.
func (ca *CA) Store() *Store { return ca.store }

// SetAutoApprove makes PKCSReq issue immediately instead of pending.
func (ca *CA) SetAutoApprove(v bool) {
	ca.mu.Lock()
	ca.autoApprove = v
	ca.mu.Unlock()
}

// SetCertValidity sets the lifetime of issued certificates.
func (ca *CA) SetCertValidity(d time.Duration) {
	if d <= 0 {
		return
	}
	ca.mu.Lock()
	ca.certValidity = d
	ca.mu.Unlock()
}

// subjectKeyID is the SHA-1 of the PKCS#1 public key (RFC 5280, method 1).
func subjectKeyID(pub *rsa.PublicKey) []byte {
	sum := sha1.Sum(x509.MarshalPKCS1PublicKey(pub))
	return sum[:]
}
