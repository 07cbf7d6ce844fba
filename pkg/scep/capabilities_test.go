package scep

import (
	"crypto"
	"errors"
	"testing"
)

type fakeProvider struct {
	ciphers map[Cipher]bool
	digests map[crypto.Hash]bool
}

func (p fakeProvider) CipherAvailable(c Cipher) bool       { return p.ciphers[c] }
func (p fakeProvider) DigestAvailable(h crypto.Hash) bool { return p.digests[h] }

// =============================================================================
// Parsing
// =============================================================================

func TestU_ParseCapabilities(t *testing.T) {
	caps := ParseCapabilities([]string{"postpkioperation", " SHA-256 ", "", "Unknown", "DES3"})

	for _, cp := range []Capability{CapPOSTPKIOperation, CapSHA256, CapDES3} {
		if !caps.Contains(cp) {
			t.Errorf("Contains(%s) = false, want true", cp)
		}
	}
	if caps.Contains(CapRenewal) {
		t.Error("Contains(Renewal) = true, want false")
	}
	if got := len(caps.List()); got != 3 {
		t.Errorf("len(List()) = %d, want 3", got)
	}
}

func TestU_ParseCapabilitiesText(t *testing.T) {
	caps := ParseCapabilitiesText([]byte("GetNextCACert\r\nRenewal\r\nSHA-1\n"))

	if !caps.IsRolloverSupported() {
		t.Error("IsRolloverSupported() = false, want true")
	}
	if !caps.IsRenewalSupported() {
		t.Error("IsRenewalSupported() = false, want true")
	}
	if caps.IsPostSupported() {
		t.Error("IsPostSupported() = true, want false")
	}
}

func TestU_Capabilities_EmptyResponseSelectsGET(t *testing.T) {
	caps := ParseCapabilitiesText(nil)

	if caps.IsPostSupported() {
		t.Error("IsPostSupported() = true, want false")
	}
	if m := caps.PKIOperationMethod(); m != MethodGet {
		t.Errorf("PKIOperationMethod() = %s, want GET", m)
	}
	if m := NewCapabilities(CapPOSTPKIOperation).PKIOperationMethod(); m != MethodPost {
		t.Errorf("PKIOperationMethod() = %s, want POST", m)
	}
}

func TestU_Capabilities_TextCanonicalOrder(t *testing.T) {
	caps := NewCapabilities(CapAES, CapSHA1, CapPOSTPKIOperation, CapGetNextCACert)

	want := "GetNextCACert\nPOSTPKIOperation\nSHA-1\nAES\n"
	if got := string(caps.Text()); got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}
	if got := caps.String(); got != "[GetNextCACert, POSTPKIOperation, SHA-1, AES]" {
		t.Errorf("String() = %q", got)
	}
}

// =============================================================================
// Negotiation
// =============================================================================

func TestU_Capabilities_StrongestCipher(t *testing.T) {
	all := fakeProvider{ciphers: map[Cipher]bool{CipherDES: true, CipherDESede: true}}
	noDESede := fakeProvider{ciphers: map[Cipher]bool{CipherDES: true}}

	tests := []struct {
		name     string
		caps     *Capabilities
		provider AlgorithmProvider
		want     Cipher
	}{
		{"DES3 negotiated and available", NewCapabilities(CapDES3), all, CipherDESede},
		{"DES3 not negotiated", NewCapabilities(CapAES), all, CipherDES},
		{"DESede not available", NewCapabilities(CapDES3), noDESede, CipherDES},
		{"default provider", NewCapabilities(CapDES3), nil, CipherDESede},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caps := tt.caps.WithProvider(tt.provider)
			if got := caps.StrongestCipher(); got != tt.want {
				t.Errorf("StrongestCipher() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestU_Capabilities_StrongestDigest(t *testing.T) {
	all := fakeProvider{digests: map[crypto.Hash]bool{
		crypto.MD5: true, crypto.SHA1: true, crypto.SHA256: true, crypto.SHA512: true,
	}}
	noSHA512 := fakeProvider{digests: map[crypto.Hash]bool{crypto.MD5: true, crypto.SHA256: true}}

	tests := []struct {
		name     string
		caps     *Capabilities
		provider AlgorithmProvider
		want     crypto.Hash
	}{
		{"skips unnegotiated SHA-512", NewCapabilities(CapSHA256, CapSHA1), all, crypto.SHA256},
		{"SHA-512 first", NewCapabilities(CapSHA1, CapSHA512, CapSHA256), all, crypto.SHA512},
		{"SHA-512 not available", NewCapabilities(CapSHA512, CapSHA256), noSHA512, crypto.SHA256},
		{"only SHA-1", NewCapabilities(CapSHA1), all, crypto.SHA1},
		{"nothing negotiated falls back to MD5", NewCapabilities(), all, crypto.MD5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.caps.WithProvider(tt.provider).StrongestDigest()
			if err != nil {
				t.Fatalf("StrongestDigest() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("StrongestDigest() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestU_Capabilities_StrongestDigestNoneAvailable(t *testing.T) {
	caps := NewCapabilities(CapSHA256).WithProvider(fakeProvider{})

	_, err := caps.StrongestDigest()
	if !errors.Is(err, ErrNoDigestAvailable) {
		t.Errorf("StrongestDigest() error = %v, want ErrNoDigestAvailable", err)
	}
}

func TestU_Capabilities_WithProviderKeepsOriginal(t *testing.T) {
	orig := NewCapabilities(CapDES3)
	_ = orig.WithProvider(fakeProvider{})

	if got := orig.StrongestCipher(); got != CipherDESede {
		t.Errorf("original StrongestCipher() = %s, want DESede", got)
	}
}
