// Package pemutil reads and writes the key, request, certificate and CRL
// files used by the CLI and the CA store. Certificates are accepted as PEM,
// DER or PKCS#7.
package pemutil

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/cloudflare/cfssl/helpers"

	"github.com/remiblancher/go-scep/internal/cms"
)

const (
	blockCertificate = "CERTIFICATE"
	blockCRL         = "X509 CRL"
	blockCSR         = "CERTIFICATE REQUEST"
	blockPrivateKey  = "PRIVATE KEY"
	blockPKCS7       = "PKCS7"
)

var (
	// ErrNoCertificates is returned when input holds no certificate.
	ErrNoCertificates = errors.New("pemutil: no certificates found")

	// ErrNoCRL is returned when input holds no CRL.
	ErrNoCRL = errors.New("pemutil: no CRL found")
)

// IsPEM reports whether data starts with a PEM block.
func IsPEM(data []byte) bool {
	block, _ := pem.Decode(data)
	return block != nil
}

// ParseCertificates decodes every certificate in data.
func ParseCertificates(data []byte) ([]*x509.Certificate, error) {
	var (
		certs []*x509.Certificate
		err   error
	)
	switch block, _ := pem.Decode(data); {
	case block != nil && block.Type == blockPKCS7:
		certs, err = parsePKCS7(block.Bytes)
	case block != nil:
		certs, err = helpers.ParseCertificatesPEM(data)
	default:
		certs, err = parseDER(data)
	}
	if err != nil {
		return nil, fmt.Errorf("pemutil: parse certificates: %w", err)
	}
	if len(certs) == 0 {
		return nil, ErrNoCertificates
	}
	return certs, nil
}

// parsePKCS7 decodes a certs-only SignedData, with or without CRLs.
func parsePKCS7(der []byte) ([]*x509.Certificate, error) {
	p, err := cms.ParseCertsOnly(der)
	if err != nil {
		return nil, err
	}
	return p.Certificates, nil
}

func parseDER(data []byte) ([]*x509.Certificate, error) {
	if certs, err := parsePKCS7(data); err == nil {
		return certs, nil
	}
	certs, _, err := helpers.ParseCertificatesDER(data, "")
	return certs, err
}

// ReadCertificates reads certificates from path.
func ReadCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCertificates(data)
}

// ReadCertificate reads the first certificate from path.
func ReadCertificate(path string) (*x509.Certificate, error) {
	certs, err := ReadCertificates(path)
	if err != nil {
		return nil, err
	}
	return certs[0], nil
}

// ParsePrivateKey decodes a PEM private key, decrypting it with passphrase
// when the block is encrypted.
func ParsePrivateKey(data, passphrase []byte) (crypto.Signer, error) {
	key, err := helpers.ParsePrivateKeyPEMWithPassword(data, passphrase)
	if err != nil {
		return nil, fmt.Errorf("pemutil: parse private key: %w", err)
	}
	return key, nil
}

// ReadPrivateKey reads a PEM private key from path.
func ReadPrivateKey(path string, passphrase []byte) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePrivateKey(data, passphrase)
}

// EncodePrivateKey returns key as PKCS#8 PEM, encrypted when passphrase is
// not empty.
func EncodePrivateKey(key crypto.Signer, passphrase []byte) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("pemutil: marshal private key: %w", err)
	}
	block := &pem.Block{Type: blockPrivateKey, Bytes: der}
	if len(passphrase) > 0 {
		block, err = x509.EncryptPEMBlock(rand.Reader, block.Type, der, passphrase, x509.PEMCipherAES256) //nolint:staticcheck // legacy encrypted PEM
		if err != nil {
			return nil, fmt.Errorf("pemutil: encrypt private key: %w", err)
		}
	}
	return pem.EncodeToMemory(block), nil
}

// ParseCSR decodes a PEM or DER certification request and checks its
// signature.
func ParseCSR(data []byte) (*x509.CertificateRequest, error) {
	var (
		csr *x509.CertificateRequest
		err error
	)
	if IsPEM(data) {
		csr, err = helpers.ParseCSRPEM(data)
	} else {
		csr, err = x509.ParseCertificateRequest(data)
		if err == nil {
			err = csr.CheckSignature()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("pemutil: parse certificate request: %w", err)
	}
	return csr, nil
}

// ReadCSR reads a certification request from path.
func ReadCSR(path string) (*x509.CertificateRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCSR(data)
}

// EncodeCSR returns csr as PEM.
func EncodeCSR(csr *x509.CertificateRequest) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: blockCSR, Bytes: csr.Raw})
}

// EncodeCertificates returns certs as concatenated PEM blocks.
func EncodeCertificates(certs ...*x509.Certificate) []byte {
	return helpers.EncodeCertificatesPEM(certs)
}

// EncodeCRL returns a DER CRL as PEM.
func EncodeCRL(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: blockCRL, Bytes: der})
}

// ParseCRL decodes a PEM or DER CRL.
func ParseCRL(data []byte) (*x509.RevocationList, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != blockCRL {
			return nil, ErrNoCRL
		}
		der = block.Bytes
	}
	crl, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, fmt.Errorf("pemutil: parse CRL: %w", err)
	}
	return crl, nil
}

// WriteFile writes data to path, creating or truncating it with perm.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := bytes.NewReader(data).WriteTo(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
