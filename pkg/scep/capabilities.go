package scep

import (
	"bufio"
	"bytes"
	"crypto"
	"strings"
)

// Capability is a feature token advertised by GetCACaps.
type Capability string

const (
	CapPOSTPKIOperation Capability = "POSTPKIOperation"
	CapGetNextCACert    Capability = "GetNextCACert"
	CapRenewal          Capability = "Renewal"
	CapDES3             Capability = "DES3"
	CapAES              Capability = "AES"
	CapSHA1             Capability = "SHA-1"
	CapSHA256           Capability = "SHA-256"
	CapSHA512           Capability = "SHA-512"
	CapSCEPStandard     Capability = "SCEPStandard"
	CapUpdate           Capability = "Update"
)

// knownCapabilities is also the canonical output order.
var knownCapabilities = []Capability{
	CapGetNextCACert,
	CapPOSTPKIOperation,
	CapRenewal,
	CapSHA512,
	CapSHA256,
	CapSHA1,
	CapDES3,
	CapAES,
	CapSCEPStandard,
	CapUpdate,
}

// ParseCapability matches a token case-insensitively. Unknown tokens
// return false.
func ParseCapability(token string) (Capability, bool) {
	token = strings.TrimSpace(token)
	for _, c := range knownCapabilities {
		if strings.EqualFold(string(c), token) {
			return c, true
		}
	}
	return "", false
}

// Cipher is a content encryption algorithm used for pkiMessage envelopes.
type Cipher int

const (
	CipherDES Cipher = iota
	CipherDESede
)

func (c Cipher) String() string {
	if c == CipherDESede {
		return "DESede"
	}
	return "DES"
}

// AlgorithmProvider reports which algorithms the local platform can use.
type AlgorithmProvider interface {
	CipherAvailable(Cipher) bool
	DigestAvailable(crypto.Hash) bool
}

type stdProvider struct{}

func (stdProvider) CipherAvailable(Cipher) bool       { return true }
func (stdProvider) DigestAvailable(h crypto.Hash) bool { return h.Available() }

// DefaultProvider is backed by the Go crypto registry.
var DefaultProvider AlgorithmProvider = stdProvider{}

// Capabilities is an immutable set of negotiated capabilities.
type Capabilities struct {
	set      map[Capability]struct{}
	provider AlgorithmProvider
}

// NewCapabilities builds a set from the given capabilities.
func NewCapabilities(caps ...Capability) *Capabilities {
	c := &Capabilities{set: make(map[Capability]struct{}, len(caps)), provider: DefaultProvider}
	for _, cp := range caps {
		c.set[cp] = struct{}{}
	}
	return c
}

// ParseCapabilities builds a set from GetCACaps lines. Blank and unknown
// tokens are ignored.
func ParseCapabilities(lines []string) *Capabilities {
	c := NewCapabilities()
	for _, line := range lines {
		if cp, ok := ParseCapability(line); ok {
			c.set[cp] = struct{}{}
		}
	}
	return c
}

// ParseCapabilitiesText parses a newline separated GetCACaps body.
func ParseCapabilitiesText(body []byte) *Capabilities {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return ParseCapabilities(lines)
}

// WithProvider returns a copy that answers availability questions with p.
func (c *Capabilities) WithProvider(p AlgorithmProvider) *Capabilities {
	out := NewCapabilities(c.List()...)
	if p != nil {
		out.provider = p
	}
	return out
}

// Contains reports whether cp was advertised.
func (c *Capabilities) Contains(cp Capability) bool {
	_, ok := c.set[cp]
	return ok
}

// IsPostSupported reports whether PKIOperation may be sent with POST.
func (c *Capabilities) IsPostSupported() bool { return c.Contains(CapPOSTPKIOperation) }

// IsRolloverSupported reports whether GetNextCACert is available.
func (c *Capabilities) IsRolloverSupported() bool { return c.Contains(CapGetNextCACert) }

// IsRenewalSupported reports whether the CA accepts renewal requests.
func (c *Capabilities) IsRenewalSupported() bool { return c.Contains(CapRenewal) }

// PKIOperationMethod returns POST when the CA accepts it and GET otherwise.
func (c *Capabilities) PKIOperationMethod() Method {
	if c.IsPostSupported() {
		return MethodPost
	}
	return MethodGet
}

// StrongestCipher returns DESede when it is available locally and DES3 was
// negotiated, and DES otherwise.
func (c *Capabilities) StrongestCipher() Cipher {
	if c.provider.CipherAvailable(CipherDESede) && c.Contains(CapDES3) {
		return CipherDESede
	}
	return CipherDES
}

// StrongestDigest returns the strongest digest both sides support. MD5 is
// the last resort and only needs to be available locally.
func (c *Capabilities) StrongestDigest() (crypto.Hash, error) {
	candidates := []struct {
		hash crypto.Hash
		cap  Capability
	}{
		{crypto.SHA512, CapSHA512},
		{crypto.SHA256, CapSHA256},
		{crypto.SHA1, CapSHA1},
	}
	for _, cand := range candidates {
		if c.provider.DigestAvailable(cand.hash) && c.Contains(cand.cap) {
			return cand.hash, nil
		}
	}
	if c.provider.DigestAvailable(crypto.MD5) {
		return crypto.MD5, nil
	}
	return 0, ErrNoDigestAvailable
}

// List returns the capabilities in canonical order.
func (c *Capabilities) List() []Capability {
	out := make([]Capability, 0, len(c.set))
	for _, cp := range knownCapabilities {
		if c.Contains(cp) {
			out = append(out, cp)
		}
	}
	return out
}

// Text renders the set as a GetCACaps response body.
func (c *Capabilities) Text() []byte {
	var b bytes.Buffer
	for _, cp := range c.List() {
		b.WriteString(string(cp))
		b.WriteByte('\n')
	}
	return b.Bytes()
}

func (c *Capabilities) String() string {
	parts := make([]string, 0, len(c.set))
	for _, cp := range c.List() {
		parts = append(parts, string(cp))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
