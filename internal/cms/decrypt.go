package cms

import (
	"crypto"
	"crypto/cipher"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
)

// DecryptOptions configures CMS decryption.
type DecryptOptions struct {
	// PrivateKey is the recipient's private key for decryption.
	PrivateKey crypto.PrivateKey

	// Certificate is the recipient's certificate, used to locate the
	// matching RecipientInfo.
	Certificate *x509.Certificate
}

// DecryptResult contains the decryption result.
type DecryptResult struct {
	// Content is the decrypted data.
	Content []byte

	// ContentType is the OID of the decrypted content.
	ContentType asn1.ObjectIdentifier
}

// Decrypt decrypts a CMS EnvelopedData structure.
// It finds the RecipientInfo addressed to opts.Certificate, decrypts the
// CEK, and then decrypts the content.
func Decrypt(data []byte, opts *DecryptOptions) (*DecryptResult, error) {
	if opts == nil || opts.PrivateKey == nil || opts.Certificate == nil {
		return nil, NewCMSError("decrypt", fmt.Errorf("%w: recipient certificate and key are required", ErrDecryptFailed))
	}

	inner, err := parseContentInfo(data, OIDEnvelopedData)
	if err != nil {
		return nil, NewCMSError("decrypt", err)
	}

	var env EnvelopedData
	if _, err := asn1.Unmarshal(inner, &env); err != nil {
		return nil, NewCMSError("decrypt", fmt.Errorf("%w: failed to parse EnvelopedData: %v", ErrInvalidContent, err))
	}

	ktri, err := findRecipient(&env, opts.Certificate)
	if err != nil {
		return nil, NewCMSError("decrypt", err)
	}

	cek, err := decryptKeyTrans(ktri, opts.PrivateKey)
	if err != nil {
		return nil, NewCMSError("decrypt", err)
	}

	content, err := decryptContent(&env.EncryptedContentInfo, cek)
	if err != nil {
		return nil, NewCMSError("decrypt", err)
	}

	return &DecryptResult{
		Content:     content,
		ContentType: env.EncryptedContentInfo.ContentType,
	}, nil
}

// findRecipient returns the KeyTransRecipientInfo addressed to cert.
func findRecipient(env *EnvelopedData, cert *x509.Certificate) (*KeyTransRecipientInfo, error) {
	for _, raw := range env.RecipientInfos {
		ktri, err := ParseRecipientInfo(raw)
		if err != nil {
			continue
		}
		if ias, ok := ktri.IssuerAndSerial(); ok && ias.Matches(cert) {
			return ktri, nil
		}
	}
	return nil, ErrNoRecipient
}

// decryptKeyTrans decrypts the CEK from a KeyTransRecipientInfo.
func decryptKeyTrans(ktri *KeyTransRecipientInfo, priv crypto.PrivateKey) ([]byte, error) {
	rsaPriv, ok := priv.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: RSA private key required, got %T", ErrUnsupportedAlgorithm, priv)
	}

	alg := ktri.KeyEncryptionAlgorithm.Algorithm
	var (
		cek []byte
		err error
	)
	switch {
	case alg.Equal(OIDRSAES):
		cek, err = rsa.DecryptPKCS1v15(nil, rsaPriv, ktri.EncryptedKey)
	case alg.Equal(OIDRSAOAEP):
		cek, err = rsa.DecryptOAEP(sha1.New(), nil, rsaPriv, ktri.EncryptedKey, nil)
	default:
		return nil, fmt.Errorf("%w: key encryption %v", ErrUnsupportedAlgorithm, alg)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: key transport: %v", ErrDecryptFailed, err)
	}
	return cek, nil
}

// decryptContent decrypts CBC content with the algorithm named in eci.
func decryptContent(eci *EncryptedContentInfo, cek []byte) ([]byte, error) {
	spec, err := specForOID(eci.ContentEncryptionAlgorithm.Algorithm)
	if err != nil {
		return nil, err
	}
	if len(cek) != spec.keySize {
		return nil, fmt.Errorf("%w: content key is %d bytes, want %d", ErrDecryptFailed, len(cek), spec.keySize)
	}

	var iv []byte
	if _, err := asn1.Unmarshal(eci.ContentEncryptionAlgorithm.Parameters.FullBytes, &iv); err != nil {
		return nil, fmt.Errorf("%w: failed to parse IV: %v", ErrInvalidContent, err)
	}

	block, err := spec.newFunc(cek)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("%w: invalid IV length: %d", ErrInvalidContent, len(iv))
	}
	if len(eci.EncryptedContent) == 0 || len(eci.EncryptedContent)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("%w: ciphertext is not a multiple of block size", ErrDecryptFailed)
	}

	plaintext := make([]byte, len(eci.EncryptedContent))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, eci.EncryptedContent)

	return pkcs7Unpad(plaintext, block.BlockSize())
}

var errInvalidPadding = errors.New("invalid PKCS#7 padding")

func pkcs7Unpad(plaintext []byte, blockSize int) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, errInvalidPadding)
	}
	padLen := int(plaintext[len(plaintext)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(plaintext) {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, errInvalidPadding)
	}
	for i := len(plaintext) - padLen; i < len(plaintext); i++ {
		if plaintext[i] != byte(padLen) {
			return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, errInvalidPadding)
		}
	}
	return plaintext[:len(plaintext)-padLen], nil
}
