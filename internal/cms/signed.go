package cms

import (
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"sort"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// ContentInfo represents the top-level CMS structure (RFC 5652 Section 3).
type ContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,tag:0"`
}

// SignedData represents CMS SignedData (RFC 5652 Section 5).
type SignedData struct {
	Version          int
	DigestAlgorithms []pkix.AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo EncapsulatedContentInfo
	Certificates     rawImplicitSet `asn1:"optional,tag:0"`
	CRLs             rawImplicitSet `asn1:"optional,tag:1"`
	SignerInfos      []SignerInfo   `asn1:"set"`
}

// rawImplicitSet keeps an IMPLICIT [n] SET OF verbatim. A struct is used
// rather than asn1.RawValue so the optional tag is actually matched.
type rawImplicitSet struct {
	Raw asn1.RawContent
}

// newRawImplicitSet wraps concatenated DER elements in an IMPLICIT [tag] SET.
func newRawImplicitSet(tag int, elements []byte) (rawImplicitSet, error) {
	if len(elements) == 0 {
		return rawImplicitSet{}, nil
	}
	b, err := asn1.Marshal(asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: tag, IsCompound: true, Bytes: elements})
	if err != nil {
		return rawImplicitSet{}, err
	}
	return rawImplicitSet{Raw: b}, nil
}

// elements returns the concatenated DER elements inside the set.
func (r rawImplicitSet) elements() ([]byte, error) {
	if len(r.Raw) == 0 {
		return nil, nil
	}
	var v asn1.RawValue
	if _, err := asn1.Unmarshal(r.Raw, &v); err != nil {
		return nil, err
	}
	return v.Bytes, nil
}

// EncapsulatedContentInfo represents the content being signed (RFC 5652 Section 5.2).
type EncapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"optional,explicit,tag:0"`
}

// SignerInfo contains the signature and related info (RFC 5652 Section 5.3).
// Only the issuerAndSerialNumber form of SignerIdentifier is produced or read.
type SignerInfo struct {
	Raw                asn1.RawContent
	Version            int
	SID                IssuerAndSerialNumber
	DigestAlgorithm    pkix.AlgorithmIdentifier
	SignedAttrs        []Attribute `asn1:"optional,tag:0"`
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      []Attribute `asn1:"optional,tag:1"`
}

// IssuerAndSerialNumber identifies a certificate by issuer and serial.
type IssuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

// NewIssuerAndSerialNumber builds the identifier of cert.
func NewIssuerAndSerialNumber(cert *x509.Certificate) IssuerAndSerialNumber {
	return IssuerAndSerialNumber{
		Issuer:       asn1.RawValue{FullBytes: cert.RawIssuer},
		SerialNumber: cert.SerialNumber,
	}
}

// Matches reports whether cert is the certificate identified by ias.
func (ias IssuerAndSerialNumber) Matches(cert *x509.Certificate) bool {
	if cert == nil || ias.SerialNumber == nil || cert.SerialNumber.Cmp(ias.SerialNumber) != 0 {
		return false
	}
	return string(cert.RawIssuer) == string(ias.Issuer.FullBytes)
}

// Attribute represents a CMS attribute (RFC 5652 Section 5.3).
type Attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// NewAttribute creates a new attribute with a single value.
func NewAttribute(oid asn1.ObjectIdentifier, value interface{}) (Attribute, error) {
	encoded, err := asn1.Marshal(value)
	if err != nil {
		return Attribute{}, err
	}
	return Attribute{
		Type:   oid,
		Values: []asn1.RawValue{{FullBytes: encoded}},
	}, nil
}

// NewPrintableStringAttribute creates an attribute holding a PrintableString.
func NewPrintableStringAttribute(oid asn1.ObjectIdentifier, s string) (Attribute, error) {
	encoded, err := asn1.MarshalWithParams(s, "printable")
	if err != nil {
		return Attribute{}, err
	}
	return Attribute{
		Type:   oid,
		Values: []asn1.RawValue{{FullBytes: encoded}},
	}, nil
}

// NewContentTypeAttr creates a content-type attribute.
func NewContentTypeAttr(contentType asn1.ObjectIdentifier) (Attribute, error) {
	return NewAttribute(OIDContentType, contentType)
}

// NewMessageDigestAttr creates a message-digest attribute.
func NewMessageDigestAttr(digest []byte) (Attribute, error) {
	return NewAttribute(OIDMessageDigest, digest)
}

// NewSigningTimeAttr creates a signing-time attribute.
func NewSigningTimeAttr(t time.Time) (Attribute, error) {
	return NewAttribute(OIDSigningTime, t.UTC())
}

// FindAttribute returns the first attribute of the given type.
func FindAttribute(attrs []Attribute, oid asn1.ObjectIdentifier) (Attribute, bool) {
	for _, attr := range attrs {
		if attr.Type.Equal(oid) {
			return attr, true
		}
	}
	return Attribute{}, false
}

// Unmarshal decodes the first value of the attribute into v.
func (a Attribute) Unmarshal(v interface{}) error {
	if len(a.Values) == 0 {
		return fmt.Errorf("%w: attribute %v has no value", ErrMissingAttribute, a.Type)
	}
	rest, err := asn1.Unmarshal(a.Values[0].FullBytes, v)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return fmt.Errorf("%w: trailing data in attribute %v", ErrInvalidContent, a.Type)
	}
	return nil
}

// MarshalSignedAttrs marshals signed attributes for signing.
// Per RFC 5652, signed attributes must be DER-encoded as a SET OF, so the
// encoded elements are emitted in ascending byte order.
func MarshalSignedAttrs(attrs []Attribute) ([]byte, error) {
	_, encoded, err := sortAttributes(attrs)
	if err != nil {
		return nil, err
	}
	return asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassUniversal,
		Tag:        asn1.TagSet,
		IsCompound: true,
		Bytes:      bytes.Join(encoded, nil),
	})
}

// sortAttributes returns attrs and their encodings in DER SET OF order.
func sortAttributes(attrs []Attribute) ([]Attribute, [][]byte, error) {
	type entry struct {
		attr Attribute
		der  []byte
	}
	entries := make([]entry, len(attrs))
	for i, a := range attrs {
		der, err := asn1.Marshal(a)
		if err != nil {
			return nil, nil, err
		}
		entries[i] = entry{attr: a, der: der}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].der, entries[j].der) < 0
	})

	sorted := make([]Attribute, len(entries))
	encoded := make([][]byte, len(entries))
	for i, e := range entries {
		sorted[i], encoded[i] = e.attr, e.der
	}
	return sorted, encoded, nil
}

// signedAttrsDER returns the bytes the signature covers: the signed
// attributes as received, retagged as a SET. Locally built SignerInfos
// have no Raw and are re-encoded.
func (si *SignerInfo) signedAttrsDER() ([]byte, error) {
	if len(si.Raw) == 0 {
		return MarshalSignedAttrs(si.SignedAttrs)
	}
	tagSignedAttrs := cbasn1.Tag(0).ContextSpecific().Constructed()
	in := cryptobyte.String(si.Raw)
	var body, sid, attrs cryptobyte.String
	var sidTag cbasn1.Tag
	if !in.ReadASN1(&body, cbasn1.SEQUENCE) ||
		!body.SkipASN1(cbasn1.INTEGER) ||
		!body.ReadAnyASN1(&sid, &sidTag) ||
		!body.SkipASN1(cbasn1.SEQUENCE) {
		return nil, fmt.Errorf("%w: malformed SignerInfo", ErrInvalidContent)
	}
	if !body.PeekASN1Tag(tagSignedAttrs) || !body.ReadASN1Element(&attrs, tagSignedAttrs) {
		return nil, fmt.Errorf("%w: SignerInfo has no signed attributes", ErrInvalidContent)
	}
	der := append([]byte(nil), attrs...)
	der[0] = 0x31
	return der, nil
}

// wrapContentInfo marshals inner as the content of a ContentInfo.
func wrapContentInfo(contentType asn1.ObjectIdentifier, inner []byte) ([]byte, error) {
	return asn1.Marshal(ContentInfo{
		ContentType: contentType,
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: inner},
	})
}

// parseContentInfo unwraps a ContentInfo of the expected type.
func parseContentInfo(der []byte, expected asn1.ObjectIdentifier) ([]byte, error) {
	var ci ContentInfo
	rest, err := asn1.Unmarshal(der, &ci)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse ContentInfo: %v", ErrInvalidContent, err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: trailing data after ContentInfo", ErrInvalidContent)
	}
	if !ci.ContentType.Equal(expected) {
		return nil, fmt.Errorf("%w: content type %v, expected %v", ErrInvalidContent, ci.ContentType, expected)
	}
	return ci.Content.Bytes, nil
}

// parseSignedData parses a ContentInfo-wrapped SignedData.
func parseSignedData(der []byte) (*SignedData, error) {
	inner, err := parseContentInfo(der, OIDSignedData)
	if err != nil {
		return nil, err
	}
	var sd SignedData
	if _, err := asn1.Unmarshal(inner, &sd); err != nil {
		return nil, fmt.Errorf("%w: failed to parse SignedData: %v", ErrInvalidContent, err)
	}
	return &sd, nil
}

// encapsulatedContent returns the eContent octets, or nil when absent.
func (sd *SignedData) encapsulatedContent() []byte {
	ec := sd.EncapContentInfo.EContent
	if len(ec.Bytes) == 0 {
		return nil
	}
	if ec.Class == asn1.ClassUniversal && ec.Tag == asn1.TagOctetString {
		return ec.Bytes
	}
	var content []byte
	if _, err := asn1.Unmarshal(ec.Bytes, &content); err == nil {
		return content
	}
	return ec.Bytes
}
