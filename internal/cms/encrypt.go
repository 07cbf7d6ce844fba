package cms

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"io"
)

// EncryptOptions configures CMS encryption.
type EncryptOptions struct {
	// Recipients is the list of recipient certificates.
	// Each recipient will have their own RecipientInfo in the EnvelopedData.
	Recipients []*x509.Certificate

	// ContentType is the OID for the content being encrypted.
	// Defaults to id-data (1.2.840.113549.1.7.1).
	ContentType asn1.ObjectIdentifier

	// ContentEncryption specifies the content encryption algorithm.
	// Defaults to DES-EDE3-CBC.
	ContentEncryption ContentEncryptionAlgorithm

	// Rand is the entropy source; crypto/rand when nil.
	Rand io.Reader
}

// ContentEncryptionAlgorithm identifies the content encryption algorithm.
type ContentEncryptionAlgorithm int

const (
	// DESEDE3CBC is triple DES in CBC mode.
	DESEDE3CBC ContentEncryptionAlgorithm = iota
	// DESCBC is single DES in CBC mode (legacy SCEP servers).
	DESCBC
	// AES128CBC is AES-128 in CBC mode.
	AES128CBC
	// AES256CBC is AES-256 in CBC mode.
	AES256CBC
)

// String returns the algorithm name.
func (a ContentEncryptionAlgorithm) String() string {
	switch a {
	case DESEDE3CBC:
		return "DES-EDE3-CBC"
	case DESCBC:
		return "DES-CBC"
	case AES128CBC:
		return "AES-128-CBC"
	case AES256CBC:
		return "AES-256-CBC"
	default:
		return fmt.Sprintf("ContentEncryptionAlgorithm(%d)", int(a))
	}
}

type blockCipherSpec struct {
	oid     asn1.ObjectIdentifier
	keySize int
	newFunc func(key []byte) (cipher.Block, error)
}

func (a ContentEncryptionAlgorithm) spec() (blockCipherSpec, error) {
	switch a {
	case DESEDE3CBC:
		return blockCipherSpec{OIDDESEDE3CBC, 24, des.NewTripleDESCipher}, nil
	case DESCBC:
		return blockCipherSpec{OIDDESCBC, 8, des.NewCipher}, nil
	case AES128CBC:
		return blockCipherSpec{OIDAES128CBC, 16, aes.NewCipher}, nil
	case AES256CBC:
		return blockCipherSpec{OIDAES256CBC, 32, aes.NewCipher}, nil
	default:
		return blockCipherSpec{}, fmt.Errorf("%w: content encryption %v", ErrUnsupportedAlgorithm, a)
	}
}

// specForOID maps a content encryption OID back to its block cipher.
func specForOID(oid asn1.ObjectIdentifier) (blockCipherSpec, error) {
	for _, a := range []ContentEncryptionAlgorithm{DESEDE3CBC, DESCBC, AES128CBC, AES256CBC} {
		s, _ := a.spec()
		if s.oid.Equal(oid) {
			return s, nil
		}
	}
	if oid.Equal(OIDAES192CBC) {
		return blockCipherSpec{OIDAES192CBC, 24, aes.NewCipher}, nil
	}
	return blockCipherSpec{}, fmt.Errorf("%w: content encryption %v", ErrUnsupportedAlgorithm, oid)
}

// Encrypt creates a CMS EnvelopedData structure.
// The data is encrypted with a random CEK (Content Encryption Key),
// and the CEK is encrypted for each recipient with RSA PKCS#1 v1.5.
func Encrypt(data []byte, opts *EncryptOptions) ([]byte, error) {
	if opts == nil {
		opts = &EncryptOptions{}
	}
	if len(opts.Recipients) == 0 {
		return nil, NewCMSError("encrypt", fmt.Errorf("%w: at least one recipient is required", ErrEncryptFailed))
	}
	random := opts.Rand
	if random == nil {
		random = rand.Reader
	}
	contentType := opts.ContentType
	if contentType == nil {
		contentType = OIDData
	}

	spec, err := opts.ContentEncryption.spec()
	if err != nil {
		return nil, NewCMSError("encrypt", err)
	}

	cek := make([]byte, spec.keySize)
	if _, err := io.ReadFull(random, cek); err != nil {
		return nil, NewCMSError("encrypt", fmt.Errorf("failed to generate CEK: %w", err))
	}

	encryptedContent, contentEncAlg, err := encryptCBC(data, cek, spec, random)
	if err != nil {
		return nil, NewCMSError("encrypt", fmt.Errorf("%w: %v", ErrEncryptFailed, err))
	}

	var recipientInfos []asn1.RawValue
	for _, cert := range opts.Recipients {
		ri, err := createRSARecipientInfo(cek, cert, random)
		if err != nil {
			return nil, NewCMSError("encrypt", fmt.Errorf("recipient %s: %w", cert.Subject.CommonName, err))
		}
		recipientInfos = append(recipientInfos, ri)
	}

	env := EnvelopedData{
		Version:        0,
		RecipientInfos: recipientInfos,
		EncryptedContentInfo: EncryptedContentInfo{
			ContentType:                contentType,
			ContentEncryptionAlgorithm: contentEncAlg,
			EncryptedContent:           encryptedContent,
		},
	}

	envBytes, err := asn1.Marshal(env)
	if err != nil {
		return nil, NewCMSError("encrypt", fmt.Errorf("failed to marshal EnvelopedData: %w", err))
	}

	return wrapContentInfo(OIDEnvelopedData, envBytes)
}

// encryptCBC encrypts data with PKCS#7 padding under a random IV.
func encryptCBC(data, cek []byte, spec blockCipherSpec, random io.Reader) ([]byte, pkix.AlgorithmIdentifier, error) {
	block, err := spec.newFunc(cek)
	if err != nil {
		return nil, pkix.AlgorithmIdentifier{}, err
	}

	iv := make([]byte, block.BlockSize())
	if _, err := io.ReadFull(random, iv); err != nil {
		return nil, pkix.AlgorithmIdentifier{}, err
	}

	padded := pkcs7Pad(data, block.BlockSize())
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	ivParam, err := asn1.Marshal(iv)
	if err != nil {
		return nil, pkix.AlgorithmIdentifier{}, err
	}

	return ciphertext, pkix.AlgorithmIdentifier{
		Algorithm:  spec.oid,
		Parameters: asn1.RawValue{FullBytes: ivParam},
	}, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}

// createRSARecipientInfo wraps the CEK to cert's RSA key.
func createRSARecipientInfo(cek []byte, cert *x509.Certificate, random io.Reader) (asn1.RawValue, error) {
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return asn1.RawValue{}, fmt.Errorf("%w: recipient key %T", ErrUnsupportedAlgorithm, cert.PublicKey)
	}

	encryptedKey, err := rsa.EncryptPKCS1v15(random, pub, cek)
	if err != nil {
		return asn1.RawValue{}, fmt.Errorf("%w: key transport: %v", ErrEncryptFailed, err)
	}

	rid, err := asn1.Marshal(NewIssuerAndSerialNumber(cert))
	if err != nil {
		return asn1.RawValue{}, err
	}

	ktri := KeyTransRecipientInfo{
		Version: 0,
		RID:     asn1.RawValue{FullBytes: rid},
		KeyEncryptionAlgorithm: pkix.AlgorithmIdentifier{
			Algorithm:  OIDRSAES,
			Parameters: asn1.NullRawValue,
		},
		EncryptedKey: encryptedKey,
	}

	der, err := MarshalKeyTransRecipientInfo(&ktri)
	if err != nil {
		return asn1.RawValue{}, err
	}
	return asn1.RawValue{FullBytes: der}, nil
}
