package cms

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// CertsOnly is the content of a degenerate SignedData: no signers, only
// certificates and CRLs.
type CertsOnly struct {
	Certificates []*x509.Certificate
	CRLs         []*x509.RevocationList
}

// BuildCertsOnly encodes certificates and raw DER CRLs as a degenerate
// SignedData wrapped in a ContentInfo.
func BuildCertsOnly(certs []*x509.Certificate, crls [][]byte) ([]byte, error) {
	var rawCerts, rawCRLs []byte
	for _, c := range certs {
		rawCerts = append(rawCerts, c.Raw...)
	}
	for _, crl := range crls {
		rawCRLs = append(rawCRLs, crl...)
	}

	certSet, err := newRawImplicitSet(0, rawCerts)
	if err != nil {
		return nil, NewCMSError("encode", err)
	}
	crlSet, err := newRawImplicitSet(1, rawCRLs)
	if err != nil {
		return nil, NewCMSError("encode", err)
	}

	sd := SignedData{
		Version:          1,
		DigestAlgorithms: []pkix.AlgorithmIdentifier{},
		EncapContentInfo: EncapsulatedContentInfo{EContentType: OIDData},
		Certificates:     certSet,
		CRLs:             crlSet,
		SignerInfos:      []SignerInfo{},
	}
	der, err := asn1.Marshal(sd)
	if err != nil {
		return nil, NewCMSError("encode", fmt.Errorf("failed to marshal SignedData: %w", err))
	}
	return wrapContentInfo(OIDSignedData, der)
}

// ParseCertsOnly decodes the certificates and CRLs of a SignedData
// without verifying any signature.
func ParseCertsOnly(der []byte) (*CertsOnly, error) {
	sd, err := parseSignedData(der)
	if err != nil {
		return nil, NewCMSError("parse", err)
	}
	certs, err := sd.certificates()
	if err != nil {
		return nil, NewCMSError("parse", err)
	}
	rawCRLs, err := sd.CRLs.elements()
	if err != nil {
		return nil, NewCMSError("parse", fmt.Errorf("%w: crls: %v", ErrInvalidContent, err))
	}

	out := &CertsOnly{Certificates: certs}
	in := cryptobyte.String(rawCRLs)
	for !in.Empty() {
		var el cryptobyte.String
		var tag cbasn1.Tag
		if !in.ReadAnyASN1Element(&el, &tag) {
			return nil, NewCMSError("parse", fmt.Errorf("%w: crl: malformed element", ErrInvalidContent))
		}
		// Other revocation info choices are skipped.
		if tag != cbasn1.SEQUENCE {
			continue
		}
		crl, err := x509.ParseRevocationList(el)
		if err != nil {
			return nil, NewCMSError("parse", fmt.Errorf("%w: crl: %v", ErrInvalidContent, err))
		}
		out.CRLs = append(out.CRLs, crl)
	}
	return out, nil
}
