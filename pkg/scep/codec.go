package scep

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"strconv"

	"github.com/remiblancher/go-scep/internal/cms"
)

// MessageEncoder turns a Message into signed wire bytes.
type MessageEncoder interface {
	Encode(msg *Message) ([]byte, error)
}

// MessageDecoder turns signed wire bytes into a verified Message.
type MessageDecoder interface {
	Decode(wire []byte) (*Message, error)
}

// DefaultDigest signs messages when no digest was negotiated.
const DefaultDigest = crypto.SHA256

// PKIMessageEncoder signs pkiMessages with Key and embeds Certificate.
type PKIMessageEncoder struct {
	Key         crypto.Signer
	Certificate *x509.Certificate
	Envelope    EnvelopeEncoder
	Digest      crypto.Hash
	Logger      Logger
}

// Encode implements MessageEncoder. Responses other than SUCCESS carry no
// messageData; the signature then covers the attributes only.
func (e *PKIMessageEncoder) Encode(msg *Message) ([]byte, error) {
	if e.Key == nil || e.Certificate == nil {
		return nil, &EncodingError{Op: "message", Err: errors.New("sender key and certificate are required")}
	}
	if err := msg.validate(); err != nil {
		return nil, &EncodingError{Op: "message", Err: err}
	}

	var content []byte
	if msg.hasMessageData() {
		data, err := msg.Payload.marshal()
		if err != nil {
			return nil, &EncodingError{Op: "payload", Err: err}
		}
		if e.Envelope == nil {
			return nil, &EncodingError{Op: "envelope", Err: errors.New("no envelope encoder")}
		}
		content, err = e.Envelope.Encode(data)
		if err != nil {
			var encErr *EncodingError
			if errors.As(err, &encErr) {
				return nil, err
			}
			return nil, &EncodingError{Op: "envelope", Err: err}
		}
	}

	attrs, err := messageAttributes(msg)
	if err != nil {
		return nil, &EncodingError{Op: "message", Err: err}
	}

	digest := e.Digest
	if digest == 0 {
		digest = DefaultDigest
	}

	loggerOrNop(e.Logger).Printf("scep: encoding %s signed by %q with %v", msg, e.Certificate.Subject, digest)
	wire, err := cms.Sign(content, &cms.SignerConfig{
		Certificate:  e.Certificate,
		Signer:       e.Key,
		DigestAlg:    digest,
		IncludeCerts: true,
		Attributes:   attrs,
		OmitContent:  !msg.hasMessageData(),
	})
	if err != nil {
		return nil, &EncodingError{Op: "message", Err: err}
	}
	return wire, nil
}

func messageAttributes(msg *Message) ([]cms.Attribute, error) {
	var attrs []cms.Attribute
	add := func(a cms.Attribute, err error) error {
		if err != nil {
			return err
		}
		attrs = append(attrs, a)
		return nil
	}

	if err := add(cms.NewPrintableStringAttribute(oidTransactionID, string(msg.TransactionID))); err != nil {
		return nil, fmt.Errorf("transactionID: %w", err)
	}
	if err := add(cms.NewPrintableStringAttribute(oidMessageType, strconv.Itoa(int(msg.MessageType)))); err != nil {
		return nil, fmt.Errorf("messageType: %w", err)
	}
	if err := add(cms.NewAttribute(oidSenderNonce, []byte(msg.SenderNonce))); err != nil {
		return nil, fmt.Errorf("senderNonce: %w", err)
	}
	if !msg.IsResponse() {
		return attrs, nil
	}
	if err := add(cms.NewAttribute(oidRecipientNonce, []byte(msg.RecipientNonce))); err != nil {
		return nil, fmt.Errorf("recipientNonce: %w", err)
	}
	if err := add(cms.NewPrintableStringAttribute(oidPKIStatus, strconv.Itoa(int(msg.PkiStatus)))); err != nil {
		return nil, fmt.Errorf("pkiStatus: %w", err)
	}
	if msg.PkiStatus == StatusFailure {
		if err := add(cms.NewPrintableStringAttribute(oidFailInfo, strconv.Itoa(msg.FailInfo.Code()))); err != nil {
			return nil, fmt.Errorf("failInfo: %w", err)
		}
	}
	return attrs, nil
}

// PKIMessageDecoder verifies pkiMessages and opens their envelopes.
// Without Signer the embedded signer certificate is used; whether it is
// trusted is left to the caller.
type PKIMessageDecoder struct {
	Envelope EnvelopeDecoder
	// Signer, when set, is the only certificate accepted as message signer.
	Signer *x509.Certificate
	Logger Logger
}

// Decode implements MessageDecoder.
func (d *PKIMessageDecoder) Decode(wire []byte) (*Message, error) {
	res, err := cms.Verify(wire, &cms.VerifyConfig{SignerCert: d.Signer})
	if err != nil {
		return nil, &DecodingError{Op: "message", Err: err}
	}

	msg, err := parseAttributes(res.SignedAttrs)
	if err != nil {
		return nil, &DecodingError{Op: "message", Err: err}
	}
	msg.SignerCertificate = res.SignerCert

	if msg.hasMessageData() {
		if len(res.Content) == 0 {
			return nil, &DecodingError{Op: "message", Err: fmt.Errorf("%s carries no messageData", msg.MessageType)}
		}
		if d.Envelope == nil {
			return nil, &DecodingError{Op: "envelope", Err: errors.New("no envelope decoder")}
		}
		data, err := d.Envelope.Decode(res.Content)
		if err != nil {
			var decErr *DecodingError
			if errors.As(err, &decErr) {
				return nil, err
			}
			return nil, &DecodingError{Op: "envelope", Err: err}
		}
		msg.Payload, err = parsePayload(msg.MessageType, data)
		if err != nil {
			return nil, &DecodingError{Op: "payload", Err: err}
		}
	}

	loggerOrNop(d.Logger).Printf("scep: decoded %s signed by %q", msg, res.SignerCert.Subject)
	return msg, nil
}

func parseAttributes(attrs []cms.Attribute) (*Message, error) {
	msg := &Message{}

	var transID string
	if err := requiredAttr(attrs, oidTransactionID, "transactionID", &transID); err != nil {
		return nil, err
	}
	if transID == "" {
		return nil, errors.New("transactionID is empty")
	}
	msg.TransactionID = TransactionID(transID)

	var mt string
	if err := requiredAttr(attrs, oidMessageType, "messageType", &mt); err != nil {
		return nil, err
	}
	t, err := parseMessageType(mt)
	if err != nil {
		return nil, err
	}
	msg.MessageType = t

	var senderNonce []byte
	found, err := optionalAttr(attrs, oidSenderNonce, &senderNonce)
	if err != nil {
		return nil, fmt.Errorf("senderNonce: %w", err)
	}
	if !found && !t.IsResponse() {
		return nil, fmt.Errorf("%w: senderNonce", cms.ErrMissingAttribute)
	}
	if len(senderNonce) > 0 {
		msg.SenderNonce = senderNonce
	}

	if !t.IsResponse() {
		return msg, nil
	}

	var recipientNonce []byte
	if err := requiredAttr(attrs, oidRecipientNonce, "recipientNonce", &recipientNonce); err != nil {
		return nil, err
	}
	msg.RecipientNonce = recipientNonce

	var status string
	if err := requiredAttr(attrs, oidPKIStatus, "pkiStatus", &status); err != nil {
		return nil, err
	}
	if msg.PkiStatus, err = parsePkiStatus(status); err != nil {
		return nil, err
	}

	if msg.PkiStatus == StatusFailure {
		var fi string
		if err := requiredAttr(attrs, oidFailInfo, "failInfo", &fi); err != nil {
			return nil, err
		}
		if msg.FailInfo, err = parseFailInfo(fi); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

func requiredAttr(attrs []cms.Attribute, oid asn1.ObjectIdentifier, name string, v interface{}) error {
	found, err := optionalAttr(attrs, oid, v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if !found {
		return fmt.Errorf("%w: %s", cms.ErrMissingAttribute, name)
	}
	return nil
}

func optionalAttr(attrs []cms.Attribute, oid asn1.ObjectIdentifier, v interface{}) (bool, error) {
	attr, ok := cms.FindAttribute(attrs, oid)
	if !ok {
		return false, nil
	}
	return true, attr.Unmarshal(v)
}
