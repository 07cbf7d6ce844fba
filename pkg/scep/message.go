package scep

import (
	"crypto/x509"
	"fmt"
)

// Message is a pkiMessage. Payload holds the variant matching MessageType;
// it is nil for CertRep responses whose status is not SUCCESS.
type Message struct {
	TransactionID  TransactionID
	MessageType    MessageType
	SenderNonce    Nonce
	RecipientNonce Nonce     // responses only
	PkiStatus      PkiStatus // responses only
	FailInfo       FailInfo  // FAILURE only
	Payload        Payload

	// SignerCertificate is the certificate that signed a decoded message.
	// It is never encoded.
	SignerCertificate *x509.Certificate
}

// IsResponse reports whether m is a CertRep.
func (m *Message) IsResponse() bool { return m.MessageType.IsResponse() }

// hasMessageData reports whether m carries an encrypted payload.
func (m *Message) hasMessageData() bool {
	return !m.IsResponse() || m.PkiStatus == StatusSuccess
}

// CSR returns the request of a PKCSReq message.
func (m *Message) CSR() (*x509.CertificateRequest, bool) {
	p, ok := m.Payload.(*PKCSReqPayload)
	if !ok {
		return nil, false
	}
	return p.CSR, true
}

// CertRep returns the bundle of a SUCCESS response.
func (m *Message) CertRep() (*CertRepPayload, bool) {
	p, ok := m.Payload.(*CertRepPayload)
	return p, ok
}

func (m *Message) String() string {
	if m.IsResponse() {
		return fmt.Sprintf("%s[transId=%s, status=%s, senderNonce=%s, recipientNonce=%s]",
			m.MessageType, m.TransactionID, m.PkiStatus, m.SenderNonce, m.RecipientNonce)
	}
	return fmt.Sprintf("%s[transId=%s, senderNonce=%s]", m.MessageType, m.TransactionID, m.SenderNonce)
}

// validate checks that the payload matches the message type.
func (m *Message) validate() error {
	if m.TransactionID == "" {
		return fmt.Errorf("transaction ID is empty")
	}
	if len(m.SenderNonce) == 0 {
		return fmt.Errorf("sender nonce is empty")
	}
	if m.IsResponse() {
		if len(m.RecipientNonce) == 0 {
			return fmt.Errorf("recipient nonce is empty")
		}
		switch m.PkiStatus {
		case StatusSuccess, StatusFailure, StatusPending:
		default:
			return fmt.Errorf("invalid pkiStatus %d", int(m.PkiStatus))
		}
	}
	if !m.hasMessageData() {
		return nil
	}
	if m.Payload == nil {
		return fmt.Errorf("%s requires a payload", m.MessageType)
	}
	if m.Payload.MessageType() != m.MessageType {
		return fmt.Errorf("%s payload on a %s message", m.Payload.MessageType(), m.MessageType)
	}
	return nil
}

// NewPKCSReq builds an enrollment request.
func NewPKCSReq(id TransactionID, nonce Nonce, csr *x509.CertificateRequest) *Message {
	return &Message{TransactionID: id, MessageType: PKCSReq, SenderNonce: nonce, Payload: &PKCSReqPayload{CSR: csr}}
}

// NewGetCertInitial builds a poll for a pending enrollment.
func NewGetCertInitial(id TransactionID, nonce Nonce, ias IssuerAndSubject) *Message {
	return &Message{TransactionID: id, MessageType: GetCertInitial, SenderNonce: nonce, Payload: &GetCertInitialPayload{ias}}
}

// NewGetCert builds a certificate query.
func NewGetCert(id TransactionID, nonce Nonce, ias IssuerAndSerial) *Message {
	return &Message{TransactionID: id, MessageType: GetCert, SenderNonce: nonce, Payload: &GetCertPayload{ias}}
}

// NewGetCRL builds a CRL query.
func NewGetCRL(id TransactionID, nonce Nonce, ias IssuerAndSerial) *Message {
	return &Message{TransactionID: id, MessageType: GetCRL, SenderNonce: nonce, Payload: &GetCRLPayload{ias}}
}

// NewCertRepSuccess answers req with a certificate/CRL bundle.
func NewCertRepSuccess(req *Message, nonce Nonce, payload *CertRepPayload) *Message {
	return &Message{
		TransactionID:  req.TransactionID,
		MessageType:    CertRep,
		SenderNonce:    nonce,
		RecipientNonce: req.SenderNonce,
		PkiStatus:      StatusSuccess,
		Payload:        payload,
	}
}

// NewCertRepPending answers req with PENDING.
func NewCertRepPending(req *Message, nonce Nonce) *Message {
	return &Message{
		TransactionID:  req.TransactionID,
		MessageType:    CertRep,
		SenderNonce:    nonce,
		RecipientNonce: req.SenderNonce,
		PkiStatus:      StatusPending,
	}
}

// NewCertRepFailure answers req with FAILURE.
func NewCertRepFailure(req *Message, nonce Nonce, info FailInfo) *Message {
	return &Message{
		TransactionID:  req.TransactionID,
		MessageType:    CertRep,
		SenderNonce:    nonce,
		RecipientNonce: req.SenderNonce,
		PkiStatus:      StatusFailure,
		FailInfo:       info,
	}
}
