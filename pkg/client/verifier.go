package client

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"strings"
)

// CertificateVerifier decides whether a CA certificate is trusted.
type CertificateVerifier interface {
	Verify(cert *x509.Certificate) bool
}

// VerifierFunc adapts a function to CertificateVerifier.
type VerifierFunc func(cert *x509.Certificate) bool

// Verify implements CertificateVerifier.
func (f VerifierFunc) Verify(cert *x509.Certificate) bool { return f(cert) }

// FingerprintVerifier trusts the certificate whose SHA-256 fingerprint
// matches. Colons and case are ignored.
type FingerprintVerifier struct {
	fingerprint string
}

// NewFingerprintVerifier returns a verifier for a hex SHA-256 fingerprint.
func NewFingerprintVerifier(fingerprint string) *FingerprintVerifier {
	fp := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(fingerprint), ":", ""))
	return &FingerprintVerifier{fingerprint: fp}
}

// Verify implements CertificateVerifier.
func (v *FingerprintVerifier) Verify(cert *x509.Certificate) bool {
	return v.fingerprint != "" && Fingerprint(cert) == v.fingerprint
}

// Fingerprint returns the lowercase hex SHA-256 of the certificate DER.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// PoolVerifier trusts certificates that chain to Roots.
type PoolVerifier struct {
	Roots *x509.CertPool
}

// Verify implements CertificateVerifier.
func (v *PoolVerifier) Verify(cert *x509.Certificate) bool {
	if v.Roots == nil {
		return false
	}
	_, err := cert.Verify(x509.VerifyOptions{Roots: v.Roots, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}})
	return err == nil
}

// InsecureVerifier trusts every certificate. Use only for testing.
type InsecureVerifier struct{}

// Verify implements CertificateVerifier.
func (InsecureVerifier) Verify(*x509.Certificate) bool { return true }
