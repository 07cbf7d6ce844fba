package scep

import (
	"crypto/x509"
	"errors"
	"testing"
)

// =============================================================================
// SelectTuple
// =============================================================================

func TestU_SelectTuple_SingleCAWithoutKeyUsage(t *testing.T) {
	ca := generateCACertificate(t, testRSAKey(t, 0), "Root", 0)
	if hasKeyUsageExtension(ca) {
		t.Fatal("test CA unexpectedly carries a key usage extension")
	}

	tuple, err := SelectTuple([]*x509.Certificate{ca})
	if err != nil {
		t.Fatalf("SelectTuple() error = %v", err)
	}
	if tuple.Signing != ca || tuple.Encryption != ca || tuple.Issuer != ca {
		t.Error("all roles should resolve to the only CA certificate")
	}
}

func TestU_SelectTuple_RAAndCA(t *testing.T) {
	ca := generateCACertificate(t, testRSAKey(t, 0), "CA", 0)
	raEnc := generateLeafCertificate(t, testRSAKey(t, 1), "RA encryption", x509.KeyUsageKeyEncipherment)
	raSign := generateLeafCertificate(t, testRSAKey(t, 2), "RA signing", x509.KeyUsageDigitalSignature)

	tuple, err := SelectTuple([]*x509.Certificate{raSign, ca, raEnc})
	if err != nil {
		t.Fatalf("SelectTuple() error = %v", err)
	}
	if tuple.Encryption != raEnc {
		t.Errorf("Encryption = %q, want RA encryption", tuple.Encryption.Subject.CommonName)
	}
	if tuple.Signing != raSign {
		t.Errorf("Signing = %q, want RA signing", tuple.Signing.Subject.CommonName)
	}
	if tuple.Issuer != ca {
		t.Errorf("Issuer = %q, want CA", tuple.Issuer.Subject.CommonName)
	}
}

func TestU_SelectTuple_DataEnciphermentTier(t *testing.T) {
	ca := generateCACertificate(t, testRSAKey(t, 0), "CA", x509.KeyUsageCertSign)
	data := generateLeafCertificate(t, testRSAKey(t, 1), "Data", x509.KeyUsageDataEncipherment)

	tuple, err := SelectTuple([]*x509.Certificate{ca, data})
	if err != nil {
		t.Fatalf("SelectTuple() error = %v", err)
	}
	if tuple.Encryption != data {
		t.Errorf("Encryption = %q, want Data", tuple.Encryption.Subject.CommonName)
	}
	// the CA has key usage, so the issuer comes from the any-CA tier
	if tuple.Issuer != ca {
		t.Errorf("Issuer = %q, want CA", tuple.Issuer.Subject.CommonName)
	}
}

func TestU_SelectTuple_NoCandidate(t *testing.T) {
	leaf := generateLeafCertificate(t, testRSAKey(t, 1), "Leaf", x509.KeyUsageCertSign)

	_, err := SelectTuple([]*x509.Certificate{leaf})
	var se *SelectionError
	if !errors.As(err, &se) {
		t.Fatalf("SelectTuple() error = %v, want *SelectionError", err)
	}
	if se.Role != "encryption" {
		t.Errorf("Role = %q, want encryption", se.Role)
	}
}

func TestU_SelectTuple_NoIssuer(t *testing.T) {
	leaf := generateLeafCertificate(t, testRSAKey(t, 1), "Leaf",
		x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment)

	_, err := SelectTuple([]*x509.Certificate{leaf})
	var se *SelectionError
	if !errors.As(err, &se) || se.Role != "issuer" {
		t.Errorf("SelectTuple() error = %v, want issuer SelectionError", err)
	}
}

// =============================================================================
// Selector cache
// =============================================================================

func TestU_Selector_CachesPerCollection(t *testing.T) {
	s := NewSelector(4, nil)
	caA := generateCACertificate(t, testRSAKey(t, 0), "A", 0)
	caB := generateCACertificate(t, testRSAKey(t, 1), "B", 0)

	for i := 0; i < 2; i++ {
		tuple, err := s.Select([]*x509.Certificate{caA})
		if err != nil {
			t.Fatalf("Select(A) error = %v", err)
		}
		if tuple.Issuer != caA {
			t.Error("Select(A) returned the wrong issuer")
		}
	}
	tuple, err := s.Select([]*x509.Certificate{caB})
	if err != nil {
		t.Fatalf("Select(B) error = %v", err)
	}
	if tuple.Issuer != caB {
		t.Error("Select(B) returned the wrong issuer")
	}
	// A is still cached after B was selected
	if _, err := s.Select([]*x509.Certificate{caA}); err != nil {
		t.Fatalf("Select(A) error = %v", err)
	}

	m := s.Metrics()
	if m.Hits != 2 || m.Misses != 2 || m.Size != 2 {
		t.Errorf("Metrics() = %+v, want 2 hits, 2 misses, size 2", m)
	}
}

func TestU_Selector_ErrorsAreNotCached(t *testing.T) {
	s := NewSelector(0, nil)
	leaf := generateLeafCertificate(t, testRSAKey(t, 1), "Leaf", x509.KeyUsageCertSign)

	for i := 0; i < 2; i++ {
		if _, err := s.Select([]*x509.Certificate{leaf}); err == nil {
			t.Fatal("Select() expected error")
		}
	}
	if m := s.Metrics(); m.Size != 0 {
		t.Errorf("Size = %d, want 0", m.Size)
	}
}
