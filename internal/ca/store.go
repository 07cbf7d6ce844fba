// Package ca is a small file-backed certificate authority that answers the
// SCEP operations: it issues certificates from PKCS#10 requests, keeps
// requests pending for manual approval, serves issued certificates and
// publishes a CRL.
package ca

import (
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/remiblancher/go-scep/internal/pemutil"
)

// ErrNotFound is returned when a certificate or request is not in the store.
var ErrNotFound = errors.New("ca: not found")

const indexTimeLayout = "060102150405Z"

// Store manages the CA files. Directory structure:
//
//	{base}/
//	  ├── ca.crt           # CA certificate
//	  ├── private/ca.key   # CA private key (PKCS#8, optionally encrypted)
//	  ├── certs/           # Issued certificates
//	  │   └── {serial}.crt
//	  ├── pending/         # Enrollment requests (CBOR)
//	  │   └── {id}.cbor
//	  ├── crl/ca.crl       # Current CRL (PEM, plus ca.crl.der)
//	  ├── index.txt        # Certificate database (OpenSSL-like)
//	  ├── serial           # Next serial number
//	  └── crlnumber        # Next CRL number
type Store struct {
	basePath string
	mu       sync.Mutex
}

// NewStore returns a store rooted at basePath.
func NewStore(basePath string) *Store {
	return &Store{basePath: basePath}
}

// BasePath returns the root directory of the store.
func (s *Store) BasePath() string { return s.basePath }

// Init creates the directory structure and counters.
func (s *Store) Init() error {
	for _, dir := range []string{"", "certs", "crl", "private", "pending"} {
		path := filepath.Join(s.basePath, dir)
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}
	for name, content := range map[string]string{"serial": "01\n", "crlnumber": "01\n", "index.txt": ""} {
		path := filepath.Join(s.basePath, name)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			if err := os.WriteFile(path, []byte(content), 0644); err != nil {
				return fmt.Errorf("failed to create %s: %w", name, err)
			}
		}
	}
	return nil
}

// Exists reports whether the store holds a CA certificate.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.CACertPath())
	return err == nil
}

// CACertPath returns the path to the CA certificate.
func (s *Store) CACertPath() string { return filepath.Join(s.basePath, "ca.crt") }

// CAKeyPath returns the path to the CA private key.
func (s *Store) CAKeyPath() string { return filepath.Join(s.basePath, "private", "ca.key") }

// CRLPath returns the path to the PEM CRL.
func (s *Store) CRLPath() string { return filepath.Join(s.basePath, "crl", "ca.crl") }

// CertPath returns the path of the certificate with serial.
func (s *Store) CertPath(serial *big.Int) string {
	return filepath.Join(s.basePath, "certs", serialHex(serial)+".crt")
}

func serialHex(serial *big.Int) string {
	return hex.EncodeToString(serial.Bytes())
}

// SaveCACert writes the CA certificate.
func (s *Store) SaveCACert(cert *x509.Certificate) error {
	return pemutil.WriteFile(s.CACertPath(), pemutil.EncodeCertificates(cert), 0644)
}

// LoadCACert reads the CA certificate.
func (s *Store) LoadCACert() (*x509.Certificate, error) {
	return pemutil.ReadCertificate(s.CACertPath())
}

// SaveCert writes an issued certificate and records it in the index.
func (s *Store) SaveCert(cert *x509.Certificate) error {
	if err := pemutil.WriteFile(s.CertPath(cert.SerialNumber), pemutil.EncodeCertificates(cert), 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(s.basePath, "index.txt"), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open index file: %w", err)
	}
	defer func() { _ = f.Close() }()

	entry := IndexEntry{
		Status:  StatusValid,
		Expiry:  cert.NotAfter,
		Serial:  cert.SerialNumber,
		Subject: cert.Subject.String(),
	}
	if _, err := f.WriteString(entry.String() + "\n"); err != nil {
		return fmt.Errorf("failed to write index entry: %w", err)
	}
	return nil
}

// LoadCert reads the certificate with serial.
func (s *Store) LoadCert(serial *big.Int) (*x509.Certificate, error) {
	cert, err := pemutil.ReadCertificate(s.CertPath(serial))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: certificate %s", ErrNotFound, serialHex(serial))
	}
	return cert, err
}

// NextSerial returns the next certificate serial and advances the counter.
func (s *Store) NextSerial() (*big.Int, error) {
	return s.nextCounter("serial")
}

// NextCRLNumber returns the next CRL number and advances the counter.
func (s *Store) NextCRLNumber() (*big.Int, error) {
	return s.nextCounter("crlnumber")
}

func (s *Store) nextCounter(name string) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.basePath, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s file: %w", name, err)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	current := new(big.Int).SetBytes(raw)
	next := new(big.Int).Add(current, big.NewInt(1))
	if err := os.WriteFile(path, []byte(serialHex(next)+"\n"), 0644); err != nil {
		return nil, fmt.Errorf("failed to update %s file: %w", name, err)
	}
	return current, nil
}

// Certificate status flags in index.txt.
const (
	StatusValid   = "V"
	StatusRevoked = "R"
)

// IndexEntry is one line of index.txt:
// status, expiry, revocation[,reason], serial, file, subject.
type IndexEntry struct {
	Status     string
	Expiry     time.Time
	Revocation time.Time
	Reason     RevocationReason
	Serial     *big.Int
	Subject    string
}

func (e IndexEntry) String() string {
	revoked := ""
	if !e.Revocation.IsZero() {
		revoked = e.Revocation.UTC().Format(indexTimeLayout) + "," + e.Reason.String()
	}
	return strings.Join([]string{
		e.Status,
		e.Expiry.UTC().Format(indexTimeLayout),
		revoked,
		serialHex(e.Serial),
		"unknown",
		e.Subject,
	}, "\t")
}

func parseIndexLine(line string) (IndexEntry, error) {
	parts := strings.SplitN(line, "\t", 6)
	if len(parts) < 6 {
		return IndexEntry{}, fmt.Errorf("malformed index line")
	}
	e := IndexEntry{Status: parts[0], Subject: parts[5]}
	if t, err := time.Parse(indexTimeLayout, parts[1]); err == nil {
		e.Expiry = t
	}
	if parts[2] != "" {
		when, reason, _ := strings.Cut(parts[2], ",")
		if t, err := time.Parse(indexTimeLayout, when); err == nil {
			e.Revocation = t
		}
		if r, err := ParseRevocationReason(reason); err == nil {
			e.Reason = r
		}
	}
	raw, err := hex.DecodeString(parts[3])
	if err != nil {
		return IndexEntry{}, fmt.Errorf("invalid serial: %w", err)
	}
	e.Serial = new(big.Int).SetBytes(raw)
	return e, nil
}

// ReadIndex returns every well-formed index entry.
func (s *Store) ReadIndex() ([]IndexEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readIndexLocked()
}

func (s *Store) readIndexLocked() ([]IndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(s.basePath, "index.txt"))
	if err != nil {
		return nil, fmt.Errorf("failed to read index file: %w", err)
	}
	var entries []IndexEntry
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		e, err := parseIndexLine(line)
		if err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// MarkRevoked flags the certificate with serial as revoked.
func (s *Store) MarkRevoked(serial *big.Int, reason RevocationReason, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readIndexLocked()
	if err != nil {
		return err
	}
	found := false
	var b strings.Builder
	for _, e := range entries {
		if e.Serial.Cmp(serial) == 0 {
			if e.Status == StatusRevoked {
				return fmt.Errorf("certificate %s already revoked", serialHex(serial))
			}
			e.Status = StatusRevoked
			e.Revocation = at
			e.Reason = reason
			found = true
		}
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	if !found {
		return fmt.Errorf("%w: certificate %s", ErrNotFound, serialHex(serial))
	}
	if err := os.WriteFile(filepath.Join(s.basePath, "index.txt"), []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to write index file: %w", err)
	}
	return nil
}

// SaveCRL writes the CRL as PEM and DER.
func (s *Store) SaveCRL(der []byte) error {
	if err := pemutil.WriteFile(s.CRLPath(), pemutil.EncodeCRL(der), 0644); err != nil {
		return fmt.Errorf("failed to write CRL: %w", err)
	}
	if err := os.WriteFile(s.CRLPath()+".der", der, 0644); err != nil {
		return fmt.Errorf("failed to write DER CRL: %w", err)
	}
	return nil
}

// LoadCRL returns the current CRL, or nil when none was generated yet.
func (s *Store) LoadCRL() (*x509.RevocationList, error) {
	data, err := os.ReadFile(s.CRLPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CRL: %w", err)
	}
	return pemutil.ParseCRL(data)
}
