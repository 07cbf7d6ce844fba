package cms

import (
	"crypto/x509/pkix"
	"encoding/asn1"
)

// EnvelopedData represents CMS EnvelopedData (RFC 5652 Section 6).
//
//	EnvelopedData ::= SEQUENCE {
//	  version CMSVersion,
//	  originatorInfo [0] IMPLICIT OriginatorInfo OPTIONAL,
//	  recipientInfos RecipientInfos,
//	  encryptedContentInfo EncryptedContentInfo,
//	  unprotectedAttrs [1] IMPLICIT UnprotectedAttributes OPTIONAL }
type EnvelopedData struct {
	Version              int
	OriginatorInfo       rawImplicitSet  `asn1:"optional,tag:0"`
	RecipientInfos       []asn1.RawValue `asn1:"set"`
	EncryptedContentInfo EncryptedContentInfo
	UnprotectedAttrs     []Attribute `asn1:"optional,set,tag:1"`
}

// EncryptedContentInfo contains the encrypted content (RFC 5652 Section 6.1).
//
//	EncryptedContentInfo ::= SEQUENCE {
//	  contentType ContentType,
//	  contentEncryptionAlgorithm ContentEncryptionAlgorithmIdentifier,
//	  encryptedContent [0] IMPLICIT EncryptedContent OPTIONAL }
type EncryptedContentInfo struct {
	ContentType                asn1.ObjectIdentifier
	ContentEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedContent           []byte `asn1:"optional,tag:0"`
}

// KeyTransRecipientInfo for RSA key transport (RFC 5652 Section 6.2.1).
//
//	KeyTransRecipientInfo ::= SEQUENCE {
//	  version CMSVersion,  -- always set to 0 or 2
//	  rid RecipientIdentifier,
//	  keyEncryptionAlgorithm KeyEncryptionAlgorithmIdentifier,
//	  encryptedKey EncryptedKey }
//
// RID is kept raw: it is either an IssuerAndSerialNumber SEQUENCE or a
// [0] SubjectKeyIdentifier.
type KeyTransRecipientInfo struct {
	Version                int
	RID                    asn1.RawValue
	KeyEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedKey           []byte
}

// IssuerAndSerial returns the recipient identifier when it uses the
// issuerAndSerialNumber form.
func (ktri *KeyTransRecipientInfo) IssuerAndSerial() (IssuerAndSerialNumber, bool) {
	if ktri.RID.Class != asn1.ClassUniversal || ktri.RID.Tag != asn1.TagSequence {
		return IssuerAndSerialNumber{}, false
	}
	var ias IssuerAndSerialNumber
	if _, err := asn1.Unmarshal(ktri.RID.FullBytes, &ias); err != nil {
		return IssuerAndSerialNumber{}, false
	}
	return ias, true
}

// MarshalKeyTransRecipientInfo marshals KeyTransRecipientInfo.
// For the RecipientInfo CHOICE, ktri is the default (no implicit tag).
func MarshalKeyTransRecipientInfo(ktri *KeyTransRecipientInfo) ([]byte, error) {
	return asn1.Marshal(*ktri)
}

// ParseRecipientInfo parses a RecipientInfo from RawValue. Only
// KeyTransRecipientInfo is supported; other choices yield a StructuralError.
func ParseRecipientInfo(raw asn1.RawValue) (*KeyTransRecipientInfo, error) {
	if raw.Class != asn1.ClassUniversal || raw.Tag != asn1.TagSequence {
		return nil, asn1.StructuralError{Msg: "unsupported RecipientInfo type"}
	}
	var ktri KeyTransRecipientInfo
	if _, err := asn1.Unmarshal(raw.FullBytes, &ktri); err != nil {
		return nil, err
	}
	return &ktri, nil
}
