package scep

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/remiblancher/go-scep/internal/cms"
)

// Payload is the messageData of a pkiMessage. The concrete type is fixed
// by the message type:
//
//	PKCSReq        *PKCSReqPayload
//	GetCertInitial *GetCertInitialPayload
//	GetCert        *GetCertPayload
//	GetCRL         *GetCRLPayload
//	CertRep        *CertRepPayload (SUCCESS only)
type Payload interface {
	MessageType() MessageType
	marshal() ([]byte, error)
}

// PKCSReqPayload carries a PKCS#10 certification request.
type PKCSReqPayload struct {
	CSR *x509.CertificateRequest
}

func (*PKCSReqPayload) MessageType() MessageType { return PKCSReq }

func (p *PKCSReqPayload) marshal() ([]byte, error) {
	if p.CSR == nil || len(p.CSR.Raw) == 0 {
		return nil, errors.New("certification request is empty")
	}
	return p.CSR.Raw, nil
}

// IssuerAndSerial names a certificate by issuer DN and serial number.
type IssuerAndSerial struct {
	RawIssuer    []byte // DER Name
	SerialNumber *big.Int
}

// IssuerAndSerialOf returns the identifier of cert.
func IssuerAndSerialOf(cert *x509.Certificate) IssuerAndSerial {
	return IssuerAndSerial{RawIssuer: cert.RawIssuer, SerialNumber: cert.SerialNumber}
}

// Issuer returns the parsed issuer name.
func (ias IssuerAndSerial) Issuer() pkix.Name { return parseName(ias.RawIssuer) }

// Matches reports whether cert is the certificate named by ias.
func (ias IssuerAndSerial) Matches(cert *x509.Certificate) bool {
	return ias.SerialNumber != nil && cert.SerialNumber.Cmp(ias.SerialNumber) == 0 &&
		string(cert.RawIssuer) == string(ias.RawIssuer)
}

func (ias IssuerAndSerial) marshal() ([]byte, error) {
	if len(ias.RawIssuer) == 0 || ias.SerialNumber == nil {
		return nil, errors.New("issuer and serial number are required")
	}
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddBytes(ias.RawIssuer)
		b.AddASN1BigInt(ias.SerialNumber)
	})
	return b.Bytes()
}

func parseIssuerAndSerial(der []byte) (IssuerAndSerial, error) {
	s := cryptobyte.String(der)
	var seq, issuer cryptobyte.String
	serial := new(big.Int)
	if !s.ReadASN1(&seq, cbasn1.SEQUENCE) || !s.Empty() {
		return IssuerAndSerial{}, errors.New("malformed IssuerAndSerialNumber")
	}
	if !seq.ReadASN1Element(&issuer, cbasn1.SEQUENCE) || !seq.ReadASN1Integer(serial) || !seq.Empty() {
		return IssuerAndSerial{}, errors.New("malformed IssuerAndSerialNumber")
	}
	return IssuerAndSerial{RawIssuer: append([]byte(nil), issuer...), SerialNumber: serial}, nil
}

// IssuerAndSubject names a pending request by issuer and requested subject.
type IssuerAndSubject struct {
	RawIssuer  []byte // DER Name
	RawSubject []byte // DER Name
}

// Issuer returns the parsed issuer name.
func (ias IssuerAndSubject) Issuer() pkix.Name { return parseName(ias.RawIssuer) }

// Subject returns the parsed subject name.
func (ias IssuerAndSubject) Subject() pkix.Name { return parseName(ias.RawSubject) }

func (ias IssuerAndSubject) marshal() ([]byte, error) {
	if len(ias.RawIssuer) == 0 || len(ias.RawSubject) == 0 {
		return nil, errors.New("issuer and subject are required")
	}
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddBytes(ias.RawIssuer)
		b.AddBytes(ias.RawSubject)
	})
	return b.Bytes()
}

func parseIssuerAndSubject(der []byte) (IssuerAndSubject, error) {
	s := cryptobyte.String(der)
	var seq, issuer, subject cryptobyte.String
	if !s.ReadASN1(&seq, cbasn1.SEQUENCE) || !s.Empty() {
		return IssuerAndSubject{}, errors.New("malformed IssuerAndSubject")
	}
	if !seq.ReadASN1Element(&issuer, cbasn1.SEQUENCE) || !seq.ReadASN1Element(&subject, cbasn1.SEQUENCE) || !seq.Empty() {
		return IssuerAndSubject{}, errors.New("malformed IssuerAndSubject")
	}
	return IssuerAndSubject{
		RawIssuer:  append([]byte(nil), issuer...),
		RawSubject: append([]byte(nil), subject...),
	}, nil
}

// GetCertInitialPayload polls for a pending enrollment.
type GetCertInitialPayload struct {
	IssuerAndSubject
}

func (*GetCertInitialPayload) MessageType() MessageType { return GetCertInitial }

// GetCertPayload asks for an issued certificate.
type GetCertPayload struct {
	IssuerAndSerial
}

func (*GetCertPayload) MessageType() MessageType { return GetCert }

// GetCRLPayload asks for the CRL covering a certificate.
type GetCRLPayload struct {
	IssuerAndSerial
}

func (*GetCRLPayload) MessageType() MessageType { return GetCRL }

// CertRepPayload is the certificate/CRL bundle of a SUCCESS response.
type CertRepPayload struct {
	Raw          []byte // degenerate SignedData
	Certificates []*x509.Certificate
	CRLs         []*x509.RevocationList
}

func (*CertRepPayload) MessageType() MessageType { return CertRep }

// NewCertRepPayload bundles certificates and DER CRLs.
func NewCertRepPayload(certs []*x509.Certificate, crls []*x509.RevocationList) (*CertRepPayload, error) {
	raw := make([][]byte, 0, len(crls))
	for _, crl := range crls {
		raw = append(raw, crl.Raw)
	}
	der, err := cms.BuildCertsOnly(certs, raw)
	if err != nil {
		return nil, &EncodingError{Op: "payload", Err: err}
	}
	return &CertRepPayload{Raw: der, Certificates: certs, CRLs: crls}, nil
}

func (p *CertRepPayload) marshal() ([]byte, error) {
	if len(p.Raw) > 0 {
		return p.Raw, nil
	}
	np, err := NewCertRepPayload(p.Certificates, p.CRLs)
	if err != nil {
		return nil, err
	}
	return np.Raw, nil
}

// parsePayload rebuilds the payload for messageType from decrypted bytes.
func parsePayload(t MessageType, der []byte) (Payload, error) {
	switch t {
	case PKCSReq:
		csr, err := x509.ParseCertificateRequest(der)
		if err != nil {
			return nil, err
		}
		return &PKCSReqPayload{CSR: csr}, nil
	case GetCertInitial:
		ias, err := parseIssuerAndSubject(der)
		if err != nil {
			return nil, err
		}
		return &GetCertInitialPayload{ias}, nil
	case GetCert:
		ias, err := parseIssuerAndSerial(der)
		if err != nil {
			return nil, err
		}
		return &GetCertPayload{ias}, nil
	case GetCRL:
		ias, err := parseIssuerAndSerial(der)
		if err != nil {
			return nil, err
		}
		return &GetCRLPayload{ias}, nil
	case CertRep:
		bundle, err := cms.ParseCertsOnly(der)
		if err != nil {
			return nil, err
		}
		return &CertRepPayload{Raw: der, Certificates: bundle.Certificates, CRLs: bundle.CRLs}, nil
	default:
		return nil, fmt.Errorf("no payload defined for %s", t)
	}
}

func parseName(der []byte) pkix.Name {
	var rdn pkix.RDNSequence
	var name pkix.Name
	if _, err := asn1.Unmarshal(der, &rdn); err == nil {
		name.FillFromRDNSequence(&rdn)
	}
	return name
}
