package cms

import (
	"crypto/x509"
	"errors"
	"testing"
)

func TestU_CertsOnly_RoundTrip(t *testing.T) {
	caKey := testRSAKey(t, 0)
	ca := generateTestCertificate(t, caKey, "CA")
	ra := generateTestCertificate(t, testRSAKey(t, 1), "RA")
	crl := generateTestCRL(t, ca, caKey)

	der, err := BuildCertsOnly([]*x509.Certificate{ca, ra}, [][]byte{crl})
	if err != nil {
		t.Fatalf("BuildCertsOnly() error = %v", err)
	}

	got, err := ParseCertsOnly(der)
	if err != nil {
		t.Fatalf("ParseCertsOnly() error = %v", err)
	}
	if len(got.Certificates) != 2 {
		t.Fatalf("len(Certificates) = %d, want 2", len(got.Certificates))
	}
	if !got.Certificates[0].Equal(ca) || !got.Certificates[1].Equal(ra) {
		t.Error("certificates not returned in order")
	}
	if len(got.CRLs) != 1 {
		t.Fatalf("len(CRLs) = %d, want 1", len(got.CRLs))
	}
	if got.CRLs[0].Number.Int64() != 1 {
		t.Errorf("CRL number = %v, want 1", got.CRLs[0].Number)
	}
}

func TestU_CertsOnly_Empty(t *testing.T) {
	der, err := BuildCertsOnly(nil, nil)
	if err != nil {
		t.Fatalf("BuildCertsOnly() error = %v", err)
	}
	got, err := ParseCertsOnly(der)
	if err != nil {
		t.Fatalf("ParseCertsOnly() error = %v", err)
	}
	if len(got.Certificates) != 0 || len(got.CRLs) != 0 {
		t.Errorf("expected an empty bundle, got %d certs and %d CRLs", len(got.Certificates), len(got.CRLs))
	}
}

func TestU_CertsOnly_ReadsSignedBundle(t *testing.T) {
	key := testRSAKey(t, 0)
	cert := generateTestCertificate(t, key, "Signer")

	der, err := Sign([]byte("x"), &SignerConfig{Certificate: cert, Signer: key, IncludeCerts: true})
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	got, err := ParseCertsOnly(der)
	if err != nil {
		t.Fatalf("ParseCertsOnly() error = %v", err)
	}
	if len(got.Certificates) != 1 || !got.Certificates[0].Equal(cert) {
		t.Error("expected the embedded signer certificate")
	}
}

func TestU_ParseCertsOnly_NotSignedData(t *testing.T) {
	key := testRSAKey(t, 0)
	cert := generateTestCertificate(t, key, "Recipient")
	env, err := Encrypt([]byte("x"), &EncryptOptions{Recipients: []*x509.Certificate{cert}})
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if _, err := ParseCertsOnly(env); !errors.Is(err, ErrInvalidContent) {
		t.Errorf("ParseCertsOnly() error = %v, want ErrInvalidContent", err)
	}
}
