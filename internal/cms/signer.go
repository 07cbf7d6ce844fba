package cms

import (
	"crypto"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"hash"
	"time"
)

// SignerConfig contains options for signing.
type SignerConfig struct {
	Certificate  *x509.Certificate
	Signer       crypto.Signer
	DigestAlg    crypto.Hash
	IncludeCerts bool
	// ExtraCerts are embedded after the signer certificate when IncludeCerts is set.
	ExtraCerts  []*x509.Certificate
	SigningTime time.Time
	ContentType asn1.ObjectIdentifier
	// Attributes are added to the signed attributes after contentType,
	// messageDigest and signingTime.
	Attributes []Attribute
	// OmitContent produces a SignedData without eContent; the message
	// digest is then computed over the empty string.
	OmitContent bool
}

// Sign creates a CMS SignedData structure.
func Sign(content []byte, config *SignerConfig) ([]byte, error) {
	if config == nil || config.Certificate == nil {
		return nil, NewCMSError("sign", fmt.Errorf("%w: certificate is required", ErrNoCertificate))
	}
	if config.Signer == nil {
		return nil, NewCMSError("sign", ErrNoSigner)
	}
	digestAlg := config.DigestAlg
	if digestAlg == 0 {
		digestAlg = crypto.SHA256
	}
	signingTime := config.SigningTime
	if signingTime.IsZero() {
		signingTime = time.Now().UTC()
	}
	contentType := config.ContentType
	if len(contentType) == 0 {
		contentType = OIDData
	}
	if config.OmitContent {
		content = nil
	}

	digest, err := computeDigest(content, digestAlg)
	if err != nil {
		return nil, NewCMSError("sign", err)
	}

	signedAttrs, err := buildSignedAttrs(contentType, digest, signingTime)
	if err != nil {
		return nil, NewCMSError("sign", fmt.Errorf("failed to build signed attributes: %w", err))
	}
	signedAttrs, _, err = sortAttributes(append(signedAttrs, config.Attributes...))
	if err != nil {
		return nil, NewCMSError("sign", fmt.Errorf("failed to marshal signed attributes: %w", err))
	}

	signedAttrsDER, err := MarshalSignedAttrs(signedAttrs)
	if err != nil {
		return nil, NewCMSError("sign", fmt.Errorf("failed to marshal signed attributes: %w", err))
	}

	signature, err := signData(signedAttrsDER, config.Signer, digestAlg)
	if err != nil {
		return nil, NewCMSError("sign", fmt.Errorf("failed to sign: %w", err))
	}

	digestAlgID, err := getDigestAlgorithmIdentifier(digestAlg)
	if err != nil {
		return nil, NewCMSError("sign", err)
	}
	sigAlgID, err := getSignatureAlgorithmIdentifier(config.Signer, digestAlg)
	if err != nil {
		return nil, NewCMSError("sign", err)
	}

	signerInfo := SignerInfo{
		Version:            1,
		SID:                NewIssuerAndSerialNumber(config.Certificate),
		DigestAlgorithm:    digestAlgID,
		SignedAttrs:        signedAttrs,
		SignatureAlgorithm: sigAlgID,
		Signature:          signature,
	}

	encapContent := EncapsulatedContentInfo{EContentType: contentType}
	if !config.OmitContent {
		octets, err := asn1.Marshal(content)
		if err != nil {
			return nil, NewCMSError("sign", fmt.Errorf("failed to marshal content: %w", err))
		}
		encapContent.EContent = asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: octets}
	}

	signedData := SignedData{
		Version:          1,
		DigestAlgorithms: []pkix.AlgorithmIdentifier{digestAlgID},
		EncapContentInfo: encapContent,
		SignerInfos:      []SignerInfo{signerInfo},
	}

	if config.IncludeCerts {
		raw := append([]byte{}, config.Certificate.Raw...)
		for _, c := range config.ExtraCerts {
			raw = append(raw, c.Raw...)
		}
		signedData.Certificates, err = newRawImplicitSet(0, raw)
		if err != nil {
			return nil, NewCMSError("sign", fmt.Errorf("failed to marshal certificates: %w", err))
		}
	}

	signedDataDER, err := asn1.Marshal(signedData)
	if err != nil {
		return nil, NewCMSError("sign", fmt.Errorf("failed to marshal SignedData: %w", err))
	}

	return wrapContentInfo(OIDSignedData, signedDataDER)
}

func buildSignedAttrs(contentType asn1.ObjectIdentifier, digest []byte, signingTime time.Time) ([]Attribute, error) {
	ctAttr, err := NewContentTypeAttr(contentType)
	if err != nil {
		return nil, err
	}

	mdAttr, err := NewMessageDigestAttr(digest)
	if err != nil {
		return nil, err
	}

	stAttr, err := NewSigningTimeAttr(signingTime)
	if err != nil {
		return nil, err
	}

	return []Attribute{ctAttr, mdAttr, stAttr}, nil
}

func newHash(alg crypto.Hash) (hash.Hash, error) {
	switch alg {
	case crypto.MD5:
		return md5.New(), nil
	case crypto.SHA1:
		return sha1.New(), nil
	case crypto.SHA256:
		return sha256.New(), nil
	case crypto.SHA384:
		return sha512.New384(), nil
	case crypto.SHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("%w: digest %v", ErrUnsupportedAlgorithm, alg)
	}
}

func computeDigest(data []byte, alg crypto.Hash) ([]byte, error) {
	h, err := newHash(alg)
	if err != nil {
		return nil, err
	}
	h.Write(data)
	return h.Sum(nil), nil
}

func signData(data []byte, signer crypto.Signer, digestAlg crypto.Hash) ([]byte, error) {
	if _, ok := signer.Public().(*rsa.PublicKey); !ok {
		return nil, fmt.Errorf("%w: signer key %T", ErrUnsupportedAlgorithm, signer.Public())
	}
	digest, err := computeDigest(data, digestAlg)
	if err != nil {
		return nil, err
	}
	return signer.Sign(rand.Reader, digest, digestAlg)
}

// DigestAlgorithmIdentifier returns the AlgorithmIdentifier for a digest.
func DigestAlgorithmIdentifier(alg crypto.Hash) (pkix.AlgorithmIdentifier, error) {
	return getDigestAlgorithmIdentifier(alg)
}

func getDigestAlgorithmIdentifier(alg crypto.Hash) (pkix.AlgorithmIdentifier, error) {
	switch alg {
	case crypto.MD5:
		return pkix.AlgorithmIdentifier{Algorithm: OIDMD5, Parameters: asn1.NullRawValue}, nil
	case crypto.SHA1:
		return pkix.AlgorithmIdentifier{Algorithm: OIDSHA1, Parameters: asn1.NullRawValue}, nil
	case crypto.SHA256:
		return pkix.AlgorithmIdentifier{Algorithm: OIDSHA256, Parameters: asn1.NullRawValue}, nil
	case crypto.SHA384:
		return pkix.AlgorithmIdentifier{Algorithm: OIDSHA384, Parameters: asn1.NullRawValue}, nil
	case crypto.SHA512:
		return pkix.AlgorithmIdentifier{Algorithm: OIDSHA512, Parameters: asn1.NullRawValue}, nil
	default:
		return pkix.AlgorithmIdentifier{}, fmt.Errorf("%w: digest %v", ErrUnsupportedAlgorithm, alg)
	}
}

func getSignatureAlgorithmIdentifier(signer crypto.Signer, digestAlg crypto.Hash) (pkix.AlgorithmIdentifier, error) {
	if _, ok := signer.Public().(*rsa.PublicKey); !ok {
		return pkix.AlgorithmIdentifier{}, fmt.Errorf("%w: signer key %T", ErrUnsupportedAlgorithm, signer.Public())
	}
	var oid asn1.ObjectIdentifier
	switch digestAlg {
	case crypto.MD5:
		oid = OIDMD5WithRSA
	case crypto.SHA1:
		oid = OIDSHA1WithRSA
	case crypto.SHA256:
		oid = OIDSHA256WithRSA
	case crypto.SHA384:
		oid = OIDSHA384WithRSA
	case crypto.SHA512:
		oid = OIDSHA512WithRSA
	default:
		return pkix.AlgorithmIdentifier{}, fmt.Errorf("%w: RSA digest %v", ErrUnsupportedAlgorithm, digestAlg)
	}
	return pkix.AlgorithmIdentifier{Algorithm: oid, Parameters: asn1.NullRawValue}, nil
}
