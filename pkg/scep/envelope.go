package scep

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/remiblancher/go-scep/internal/cms"
)

// EnvelopeEncoder encrypts messageData for the peer.
type EnvelopeEncoder interface {
	Encode(payload []byte) ([]byte, error)
}

// EnvelopeDecoder decrypts messageData addressed to the local party.
type EnvelopeDecoder interface {
	Decode(envelope []byte) ([]byte, error)
}

// PKCSEnvelopeEncoder produces CMS EnvelopedData with the content key
// wrapped to Recipient using RSA PKCS#1 v1.5.
type PKCSEnvelopeEncoder struct {
	Recipient *x509.Certificate
	Cipher    Cipher
	// AES selects AES-128-CBC instead of Cipher when the CA advertises it.
	AES    bool
	Logger Logger
}

// NewPKCSEnvelopeEncoder returns an encoder using the strongest cipher in caps.
func NewPKCSEnvelopeEncoder(recipient *x509.Certificate, caps *Capabilities) *PKCSEnvelopeEncoder {
	enc := &PKCSEnvelopeEncoder{Recipient: recipient, Cipher: CipherDESede}
	if caps != nil {
		enc.Cipher = caps.StrongestCipher()
	}
	return enc
}

// Encode implements EnvelopeEncoder.
func (e *PKCSEnvelopeEncoder) Encode(payload []byte) ([]byte, error) {
	if e.Recipient == nil {
		return nil, &EncodingError{Op: "envelope", Err: errors.New("recipient certificate is required")}
	}
	alg := cms.DESEDE3CBC
	switch {
	case e.AES:
		alg = cms.AES128CBC
	case e.Cipher == CipherDES:
		alg = cms.DESCBC
	}

	loggerOrNop(e.Logger).Printf("scep: enveloping %d bytes for %q with %s", len(payload), e.Recipient.Subject, alg)
	env, err := cms.Encrypt(payload, &cms.EncryptOptions{
		Recipients:        []*x509.Certificate{e.Recipient},
		ContentEncryption: alg,
	})
	if err != nil {
		return nil, &EncodingError{Op: "envelope", Err: err}
	}
	return env, nil
}

// PKCSEnvelopeDecoder opens EnvelopedData addressed to Recipient.
type PKCSEnvelopeDecoder struct {
	Recipient *x509.Certificate
	Key       crypto.PrivateKey
	Logger    Logger
}

// Decode implements EnvelopeDecoder.
func (d *PKCSEnvelopeDecoder) Decode(envelope []byte) ([]byte, error) {
	if d.Recipient == nil || d.Key == nil {
		return nil, &DecodingError{Op: "envelope", Err: errors.New("recipient certificate and key are required")}
	}
	res, err := cms.Decrypt(envelope, &cms.DecryptOptions{Certificate: d.Recipient, PrivateKey: d.Key})
	if err != nil {
		if errors.Is(err, cms.ErrNoRecipient) {
			err = fmt.Errorf("no recipient info for %q: %w", d.Recipient.Subject, err)
		}
		return nil, &DecodingError{Op: "envelope", Err: err}
	}
	loggerOrNop(d.Logger).Printf("scep: opened envelope, %d bytes", len(res.Content))
	return res.Content, nil
}
