// Package scep implements the requester side of the Simple Certificate
// Enrollment Protocol: capability negotiation, certificate selection,
// pkiMessage encoding and decoding, replay protection and the enrollment
// and query transactions.
package scep

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"strconv"
)

// SCEP signed attribute OIDs (id-attributes, 2.16.840.1.113733.1.9).
var (
	oidMessageType    = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 2}
	oidPKIStatus      = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 3}
	oidFailInfo       = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 4}
	oidSenderNonce    = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 5}
	oidRecipientNonce = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 6}
	oidTransactionID  = asn1.ObjectIdentifier{2, 16, 840, 1, 113733, 1, 9, 7}
)

// TransactionID correlates an enrollment request with all of its polls.
// Two IDs are equal when their bytes are equal.
type TransactionID string

// NewTransactionID derives an ID from the requester's public key: the hex
// encoding of the digest of its PKIX encoding. The same key and digest
// always give the same ID.
func NewTransactionID(pub crypto.PublicKey, digest crypto.Hash) (TransactionID, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", &EncodingError{Op: "transaction id", Err: err}
	}
	if !digest.Available() {
		return "", &EncodingError{Op: "transaction id", Err: fmt.Errorf("digest %v not available", digest)}
	}
	h := digest.New()
	h.Write(der)
	return TransactionID(hex.EncodeToString(h.Sum(nil))), nil
}

// RandomTransactionID returns an ID for a non-enrollment query.
func RandomTransactionID() (TransactionID, error) {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return "", &EncodingError{Op: "transaction id", Err: err}
	}
	return TransactionID(hex.EncodeToString(b)), nil
}

func (id TransactionID) String() string { return string(id) }

// NonceSize is the length of a freshly generated nonce.
const NonceSize = 16

// Nonce is a single-use random value.
type Nonce []byte

// NewNonce returns NonceSize random bytes.
func NewNonce() (Nonce, error) {
	n := make(Nonce, NonceSize)
	if _, err := rand.Read(n); err != nil {
		return nil, &EncodingError{Op: "nonce", Err: err}
	}
	return n, nil
}

// Equal reports whether both nonces hold the same bytes.
func (n Nonce) Equal(other Nonce) bool { return string(n) == string(other) }

func (n Nonce) String() string { return hex.EncodeToString(n) }

// MessageType identifies the operation a pkiMessage performs.
type MessageType int

const (
	CertRep        MessageType = 3
	PKCSReq        MessageType = 19
	GetCertInitial MessageType = 20
	GetCert        MessageType = 21
	GetCRL         MessageType = 22
)

func (t MessageType) String() string {
	switch t {
	case CertRep:
		return "CertRep"
	case PKCSReq:
		return "PKCSReq"
	case GetCertInitial:
		return "GetCertInitial"
	case GetCert:
		return "GetCert"
	case GetCRL:
		return "GetCRL"
	default:
		return fmt.Sprintf("MessageType(%d)", int(t))
	}
}

// IsResponse reports whether messages of this type carry a pkiStatus.
func (t MessageType) IsResponse() bool { return t == CertRep }

func parseMessageType(s string) (MessageType, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid messageType %q", s)
	}
	switch t := MessageType(n); t {
	case CertRep, PKCSReq, GetCertInitial, GetCert, GetCRL:
		return t, nil
	default:
		return 0, fmt.Errorf("unknown messageType %d", n)
	}
}

// PkiStatus is the outcome carried by a CertRep.
type PkiStatus int

const (
	StatusSuccess PkiStatus = 0
	StatusFailure PkiStatus = 2
	StatusPending PkiStatus = 3
)

func (s PkiStatus) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailure:
		return "FAILURE"
	case StatusPending:
		return "PENDING"
	default:
		return fmt.Sprintf("PkiStatus(%d)", int(s))
	}
}

func parsePkiStatus(s string) (PkiStatus, error) {
	switch s {
	case "0":
		return StatusSuccess, nil
	case "2":
		return StatusFailure, nil
	case "3":
		return StatusPending, nil
	default:
		return 0, fmt.Errorf("unknown pkiStatus %q", s)
	}
}
