package cms

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"time"
)

// VerifyConfig contains options for verifying a CMS signature.
type VerifyConfig struct {
	// SignerCert verifies the signature instead of the embedded certificate.
	SignerCert *x509.Certificate
	// Roots is the pool of trusted CA certificates
	Roots *x509.CertPool
	// Intermediates is the pool of intermediate CA certificates
	Intermediates *x509.CertPool
	// CurrentTime is the time to use for verification (default: now)
	CurrentTime time.Time
}

// VerifyResult contains the result of signature verification.
type VerifyResult struct {
	// SignerCert is the certificate that signed the content
	SignerCert *x509.Certificate
	// Certificates are all certificates embedded in the SignedData
	Certificates []*x509.Certificate
	// Content is the signed content (nil when eContent is absent)
	Content []byte
	// SigningTime is the signing time from signed attributes (if present)
	SigningTime time.Time
	// ContentType is the content type OID
	ContentType asn1.ObjectIdentifier
	// SignedAttrs are the signer's signed attributes
	SignedAttrs []Attribute
	// DigestAlg is the signer's digest algorithm
	DigestAlg crypto.Hash
}

// Verify verifies a CMS SignedData signature.
// Chain verification is only performed when Roots is set; callers are
// otherwise responsible for deciding whether the signer is trusted.
func Verify(signedDataDER []byte, config *VerifyConfig) (*VerifyResult, error) {
	if config == nil {
		config = &VerifyConfig{}
	}

	signedData, err := parseSignedData(signedDataDER)
	if err != nil {
		return nil, NewCMSError("verify", err)
	}

	if len(signedData.SignerInfos) == 0 {
		return nil, NewCMSError("verify", ErrNoSigner)
	}
	signerInfo := signedData.SignerInfos[0]

	certs, err := signedData.certificates()
	if err != nil {
		return nil, NewCMSError("verify", err)
	}

	signerCert := config.SignerCert
	if signerCert == nil {
		signerCert = findSignerCert(certs, signerInfo.SID)
		if signerCert == nil {
			return nil, NewCMSError("verify", ErrNoCertificate)
		}
	}

	if config.Roots != nil {
		if err := verifyCertChain(signerCert, config); err != nil {
			return nil, NewCMSError("verify", fmt.Errorf("certificate chain verification failed: %w", err))
		}
	}

	content := signedData.encapsulatedContent()
	hashAlg, err := verifySignature(&signerInfo, signerCert, content)
	if err != nil {
		return nil, NewCMSError("verify", err)
	}

	return &VerifyResult{
		SignerCert:   signerCert,
		Certificates: certs,
		Content:      content,
		SigningTime:  extractSigningTime(signerInfo.SignedAttrs),
		ContentType:  signedData.EncapContentInfo.EContentType,
		SignedAttrs:  signerInfo.SignedAttrs,
		DigestAlg:    hashAlg,
	}, nil
}

// findSignerCert returns the certificate named by sid, falling back to
// the first embedded certificate.
func findSignerCert(certs []*x509.Certificate, sid IssuerAndSerialNumber) *x509.Certificate {
	for _, c := range certs {
		if sid.Matches(c) {
			return c
		}
	}
	if len(certs) > 0 {
		return certs[0]
	}
	return nil
}

// certificates parses the embedded certificate set.
func (sd *SignedData) certificates() ([]*x509.Certificate, error) {
	raw, err := sd.Certificates.elements()
	if err != nil {
		return nil, fmt.Errorf("%w: certificates: %v", ErrInvalidContent, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return parseCertificates(raw)
}

// parseCertificates parses concatenated DER certificates.
func parseCertificates(raw []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for len(raw) > 0 {
		var certData asn1.RawValue
		rest, err := asn1.Unmarshal(raw, &certData)
		if err != nil {
			return nil, fmt.Errorf("%w: certificate: %v", ErrInvalidContent, err)
		}
		// Other certificate formats ([0]..[3] choices) are skipped.
		if certData.Class == asn1.ClassUniversal && certData.Tag == asn1.TagSequence {
			cert, err := x509.ParseCertificate(certData.FullBytes)
			if err != nil {
				return nil, fmt.Errorf("%w: certificate: %v", ErrInvalidContent, err)
			}
			certs = append(certs, cert)
		}
		raw = rest
	}
	return certs, nil
}

// ParseCertificates exports the certificate parsing for external use.
func ParseCertificates(raw []byte) ([]*x509.Certificate, error) {
	return parseCertificates(raw)
}

// verifyCertChain verifies the certificate chain.
func verifyCertChain(cert *x509.Certificate, config *VerifyConfig) error {
	opts := x509.VerifyOptions{
		Roots:         config.Roots,
		Intermediates: config.Intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if !config.CurrentTime.IsZero() {
		opts.CurrentTime = config.CurrentTime
	}

	_, err := cert.Verify(opts)
	return err
}

// verifySignature verifies the CMS signature and returns the digest algorithm used.
func verifySignature(signerInfo *SignerInfo, cert *x509.Certificate, content []byte) (crypto.Hash, error) {
	hashAlg, err := oidToHash(signerInfo.DigestAlgorithm.Algorithm)
	if err != nil {
		return 0, err
	}

	if len(signerInfo.SignedAttrs) == 0 {
		return hashAlg, verifySignatureBytes(content, signerInfo.Signature, cert, hashAlg)
	}

	contentDigest, err := computeDigest(content, hashAlg)
	if err != nil {
		return 0, fmt.Errorf("failed to compute content digest: %w", err)
	}

	attr, ok := FindAttribute(signerInfo.SignedAttrs, OIDMessageDigest)
	if !ok {
		return 0, fmt.Errorf("%w: messageDigest", ErrMissingAttribute)
	}
	var md []byte
	if err := attr.Unmarshal(&md); err != nil {
		return 0, fmt.Errorf("failed to parse message digest: %w", err)
	}
	if !bytes.Equal(md, contentDigest) {
		return 0, fmt.Errorf("%w: message digest mismatch", ErrInvalidSignature)
	}

	signedAttrsDER, err := signerInfo.signedAttrsDER()
	if err != nil {
		return 0, err
	}

	return hashAlg, verifySignatureBytes(signedAttrsDER, signerInfo.Signature, cert, hashAlg)
}

// verifySignatureBytes verifies a signature over data.
func verifySignatureBytes(data, signature []byte, cert *x509.Certificate, hashAlg crypto.Hash) error {
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: signer key %T", ErrUnsupportedAlgorithm, cert.PublicKey)
	}
	digest, err := computeDigest(data, hashAlg)
	if err != nil {
		return err
	}
	if err := rsa.VerifyPKCS1v15(pub, hashAlg, digest, signature); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// oidToHash converts a hash algorithm OID to crypto.Hash.
// Some implementations put the signature OID in digestAlgorithm; those are accepted too.
func oidToHash(oid asn1.ObjectIdentifier) (crypto.Hash, error) {
	switch {
	case oid.Equal(OIDMD5), oid.Equal(OIDMD5WithRSA):
		return crypto.MD5, nil
	case oid.Equal(OIDSHA1), oid.Equal(OIDSHA1WithRSA):
		return crypto.SHA1, nil
	case oid.Equal(OIDSHA256), oid.Equal(OIDSHA256WithRSA):
		return crypto.SHA256, nil
	case oid.Equal(OIDSHA384), oid.Equal(OIDSHA384WithRSA):
		return crypto.SHA384, nil
	case oid.Equal(OIDSHA512), oid.Equal(OIDSHA512WithRSA):
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("%w: hash algorithm %v", ErrUnsupportedAlgorithm, oid)
	}
}

// extractSigningTime extracts the signing time from signed attributes.
func extractSigningTime(attrs []Attribute) time.Time {
	attr, ok := FindAttribute(attrs, OIDSigningTime)
	if !ok {
		return time.Time{}
	}
	var t time.Time
	if err := attr.Unmarshal(&t); err != nil {
		return time.Time{}
	}
	return t
}
