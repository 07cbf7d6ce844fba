package scep

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/binary"

	"github.com/remiblancher/go-scep/internal/cache"
)

var oidExtensionKeyUsage = asn1.ObjectIdentifier{2, 5, 29, 15}

// CertificateTuple holds the certificates chosen from a CA response.
type CertificateTuple struct {
	// Signing verifies CA/RA responses.
	Signing *x509.Certificate
	// Encryption is the recipient of request envelopes.
	Encryption *x509.Certificate
	// Issuer is the CA that issues requester certificates.
	Issuer *x509.Certificate
}

// DefaultSelectorCacheSize bounds the tuple cache of a Selector.
const DefaultSelectorCacheSize = 16

// Selector picks signing, encryption and issuer certificates out of a
// collection. Results are cached per collection; it is safe for concurrent use.
type Selector struct {
	cache  *cache.LRU[[sha256.Size]byte, CertificateTuple]
	logger Logger
}

// NewSelector returns a Selector caching up to size collections.
func NewSelector(size int, logger Logger) *Selector {
	if size <= 0 {
		size = DefaultSelectorCacheSize
	}
	return &Selector{
		cache:  cache.New[[sha256.Size]byte, CertificateTuple](size),
		logger: loggerOrNop(logger),
	}
}

// Select returns the tuple for certs.
func (s *Selector) Select(certs []*x509.Certificate) (CertificateTuple, error) {
	key := collectionKey(certs)
	if tuple, ok := s.cache.Get(key); ok {
		return tuple, nil
	}

	tuple, err := SelectTuple(certs)
	if err != nil {
		return CertificateTuple{}, err
	}
	s.logger.Printf("scep: selected signing=%q encryption=%q issuer=%q",
		tuple.Signing.Subject, tuple.Encryption.Subject, tuple.Issuer.Subject)
	s.cache.Put(key, tuple)
	return tuple, nil
}

// Metrics exposes the tuple cache counters.
func (s *Selector) Metrics() cache.Metrics { return s.cache.Metrics() }

// SelectTuple applies the selection rules without caching.
//
//   - encryption: keyEncipherment, then dataEncipherment, then any CA.
//   - signing: digitalSignature, then any CA.
//   - issuer: a CA without key usage, then any CA.
//
// The key-usage tiers only match certificates carrying the extension.
func SelectTuple(certs []*x509.Certificate) (CertificateTuple, error) {
	encryption := first(certs,
		hasKeyUsage(x509.KeyUsageKeyEncipherment),
		hasKeyUsage(x509.KeyUsageDataEncipherment),
		isCA,
	)
	if encryption == nil {
		return CertificateTuple{}, &SelectionError{Role: "encryption"}
	}

	signing := first(certs, hasKeyUsage(x509.KeyUsageDigitalSignature), isCA)
	if signing == nil {
		return CertificateTuple{}, &SelectionError{Role: "signing"}
	}

	issuer := first(certs, func(c *x509.Certificate) bool {
		return isCA(c) && c.KeyUsage == 0
	}, isCA)
	if issuer == nil {
		return CertificateTuple{}, &SelectionError{Role: "issuer"}
	}

	return CertificateTuple{Signing: signing, Encryption: encryption, Issuer: issuer}, nil
}

// first returns the first certificate matching the earliest tier that
// matches anything.
func first(certs []*x509.Certificate, tiers ...func(*x509.Certificate) bool) *x509.Certificate {
	for _, match := range tiers {
		for _, c := range certs {
			if match(c) {
				return c
			}
		}
	}
	return nil
}

func hasKeyUsage(bit x509.KeyUsage) func(*x509.Certificate) bool {
	return func(c *x509.Certificate) bool {
		return hasKeyUsageExtension(c) && c.KeyUsage&bit != 0
	}
}

func hasKeyUsageExtension(c *x509.Certificate) bool {
	for _, ext := range c.Extensions {
		if ext.Id.Equal(oidExtensionKeyUsage) {
			return true
		}
	}
	return false
}

// isCA matches basicConstraints CA=true with any path length.
func isCA(c *x509.Certificate) bool {
	return c.BasicConstraintsValid && c.IsCA
}

// collectionKey identifies a collection by its ordered DER contents.
func collectionKey(certs []*x509.Certificate) [sha256.Size]byte {
	h := sha256.New()
	var n [4]byte
	for _, c := range certs {
		binary.BigEndian.PutUint32(n[:], uint32(len(c.Raw)))
		h.Write(n[:])
		h.Write(c.Raw)
	}
	var key [sha256.Size]byte
	copy(key[:], h.Sum(nil))
	return key
}
