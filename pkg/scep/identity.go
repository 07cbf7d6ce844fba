package scep

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"
)

// IdentityValidity is the lifetime of a self-signed requester certificate.
const IdentityValidity = 7 * 24 * time.Hour

// SelfSignedIdentity returns a throwaway certificate for key, used to sign
// an initial enrollment and to receive the encrypted answer.
func SelfSignedIdentity(key crypto.Signer, subject pkix.Name) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, &EncodingError{Op: "identity", Err: err}
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(IdentityValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, &EncodingError{Op: "identity", Err: err}
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, &EncodingError{Op: "identity", Err: err}
	}
	return cert, nil
}
