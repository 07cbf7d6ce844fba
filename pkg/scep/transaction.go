package scep

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
)

// State is the position of a transaction in its life cycle.
type State int

const (
	StateInitial State = iota
	StateCertIssued
	StateCertReqPending
	StateFailure
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateCertIssued:
		return "CertIssued"
	case StateCertReqPending:
		return "CertReqPending"
	case StateFailure:
		return "Failure"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// TransactionConfig holds the collaborators shared by the exchanges of a
// transaction.
type TransactionConfig struct {
	Transport Transport
	Encoder   MessageEncoder
	Decoder   MessageDecoder
	// Registry records response nonces. It is usually owned by a client
	// and shared by all of its transactions.
	Registry *NonceRegistry
	Method   Method
	Logger   Logger
}

func (c *TransactionConfig) check() error {
	switch {
	case c.Transport == nil:
		return errors.New("scep: transaction needs a transport")
	case c.Encoder == nil:
		return errors.New("scep: transaction needs a message encoder")
	case c.Decoder == nil:
		return errors.New("scep: transaction needs a message decoder")
	case c.Registry == nil:
		return errors.New("scep: transaction needs a nonce registry")
	}
	return nil
}

// transaction holds what enrollment and query transactions have in common.
// A transaction is not safe for concurrent use.
type transaction struct {
	cfg   TransactionConfig
	log   Logger
	id    TransactionID
	state State

	certs    []*x509.Certificate
	crls     []*x509.RevocationList
	failInfo FailInfo
}

func newTransaction(cfg TransactionConfig, id TransactionID) (transaction, error) {
	if err := cfg.check(); err != nil {
		return transaction{}, err
	}
	return transaction{cfg: cfg, log: loggerOrNop(cfg.Logger), id: id}, nil
}

// ID returns the transaction ID shared by every exchange.
func (t *transaction) ID() TransactionID { return t.id }

// State returns the current state.
func (t *transaction) State() State { return t.state }

// Certificates returns the certificates of a CertIssued transaction.
func (t *transaction) Certificates() []*x509.Certificate { return t.certs }

// CRLs returns the CRLs of a CertIssued transaction.
func (t *transaction) CRLs() []*x509.RevocationList { return t.crls }

// FailInfo returns the reason of a Failure transaction.
func (t *transaction) FailInfo() FailInfo { return t.failInfo }

// exchange sends req and applies the validated answer. On error the state
// is left untouched.
func (t *transaction) exchange(ctx context.Context, req *Message) (State, error) {
	wire, err := t.cfg.Encoder.Encode(req)
	if err != nil {
		return t.state, err
	}

	resp, err := t.cfg.Transport.Send(ctx, &Request{
		Operation: OpPKIOperation,
		Message:   wire,
		Method:    t.cfg.Method,
	})
	if err != nil {
		var te *TransportError
		if !errors.As(err, &te) {
			err = &TransportError{Operation: OpPKIOperation, Err: err}
		}
		return t.state, err
	}

	res, err := t.cfg.Decoder.Decode(resp.Body)
	if err != nil {
		return t.state, err
	}
	if res.MessageType != CertRep {
		return t.state, &DecodingError{Op: "message", Err: fmt.Errorf("expected CertRep, received %s", res.MessageType)}
	}

	if err := validateExchange(req, res, t.cfg.Registry, t.log); err != nil {
		return t.state, err
	}

	switch res.PkiStatus {
	case StatusFailure:
		t.state = StateFailure
		t.failInfo = res.FailInfo
	case StatusPending:
		t.state = StateCertReqPending
	case StatusSuccess:
		rep, ok := res.CertRep()
		if !ok {
			return t.state, &DecodingError{Op: "payload", Err: errors.New("SUCCESS response without a certificate bundle")}
		}
		t.state = StateCertIssued
		t.certs = rep.Certificates
		t.crls = rep.CRLs
	}
	t.log.Printf("scep: transaction %s is %s", t.id, t.state)
	return t.state, nil
}

// validateExchange checks that res answers req: same transaction, echoed
// nonce and a sender nonce never seen before.
func validateExchange(req, res *Message, registry *NonceRegistry, logger Logger) error {
	if res.TransactionID != req.TransactionID {
		return &TransactionMismatchError{Expected: req.TransactionID, Actual: res.TransactionID}
	}
	if !res.RecipientNonce.Equal(req.SenderNonce) {
		return &NonceMismatchError{Expected: req.SenderNonce, Actual: res.RecipientNonce}
	}
	if len(res.SenderNonce) == 0 {
		loggerOrNop(logger).Printf("scep: warning: response to transaction %s carries no sender nonce", res.TransactionID)
		return nil
	}
	if !registry.CheckAndAdd(res.SenderNonce) {
		return &ReplayError{Nonce: res.SenderNonce}
	}
	return nil
}

// EnrollmentTransaction requests a certificate with PKCSReq and, while the
// CA holds the request, polls it with GetCertInitial.
type EnrollmentTransaction struct {
	transaction
	csr    *x509.CertificateRequest
	issuer *x509.Certificate
}

// NewEnrollmentTransaction prepares the enrollment of csr. The transaction
// ID is derived from the CSR public key.
func NewEnrollmentTransaction(cfg TransactionConfig, csr *x509.CertificateRequest) (*EnrollmentTransaction, error) {
	if csr == nil {
		return nil, &EncodingError{Op: "message", Err: errors.New("certification request is required")}
	}
	id, err := NewTransactionID(csr.PublicKey, crypto.SHA1)
	if err != nil {
		return nil, err
	}
	t, err := newTransaction(cfg, id)
	if err != nil {
		return nil, err
	}
	return &EnrollmentTransaction{transaction: t, csr: csr}, nil
}

// SetIssuer records the CA expected to issue the certificate. Poll needs it.
func (t *EnrollmentTransaction) SetIssuer(issuer *x509.Certificate) { t.issuer = issuer }

// Send transmits the PKCSReq. It may only be called once successfully.
func (t *EnrollmentTransaction) Send(ctx context.Context) (State, error) {
	if t.state != StateInitial {
		return t.state, ErrAlreadySent
	}
	nonce, err := NewNonce()
	if err != nil {
		return t.state, err
	}
	return t.exchange(ctx, NewPKCSReq(t.id, nonce, t.csr))
}

// Poll asks whether a pending request has been decided. The caller controls
// how often and how long to poll.
func (t *EnrollmentTransaction) Poll(ctx context.Context) (State, error) {
	if t.issuer == nil {
		return t.state, ErrNoIssuer
	}
	if t.state != StateCertReqPending {
		return t.state, ErrNotPending
	}
	nonce, err := NewNonce()
	if err != nil {
		return t.state, err
	}
	ias := IssuerAndSubject{RawIssuer: t.issuer.RawSubject, RawSubject: t.csr.RawSubject}
	return t.exchange(ctx, NewGetCertInitial(t.id, nonce, ias))
}

// NonEnrollmentTransaction performs a single GetCert or GetCRL query.
type NonEnrollmentTransaction struct {
	transaction
	messageType MessageType
	target      IssuerAndSerial
}

// NewGetCertTransaction prepares a query for the certificate named by target.
func NewGetCertTransaction(cfg TransactionConfig, target IssuerAndSerial) (*NonEnrollmentTransaction, error) {
	return newNonEnrollment(cfg, GetCert, target)
}

// NewGetCRLTransaction prepares a query for the CRL covering target.
func NewGetCRLTransaction(cfg TransactionConfig, target IssuerAndSerial) (*NonEnrollmentTransaction, error) {
	return newNonEnrollment(cfg, GetCRL, target)
}

func newNonEnrollment(cfg TransactionConfig, mt MessageType, target IssuerAndSerial) (*NonEnrollmentTransaction, error) {
	id, err := RandomTransactionID()
	if err != nil {
		return nil, err
	}
	t, err := newTransaction(cfg, id)
	if err != nil {
		return nil, err
	}
	return &NonEnrollmentTransaction{transaction: t, messageType: mt, target: target}, nil
}

// Send transmits the query. It may only be called once successfully.
func (t *NonEnrollmentTransaction) Send(ctx context.Context) (State, error) {
	if t.state != StateInitial {
		return t.state, ErrAlreadySent
	}
	nonce, err := NewNonce()
	if err != nil {
		return t.state, err
	}
	var req *Message
	if t.messageType == GetCRL {
		req = NewGetCRL(t.id, nonce, t.target)
	} else {
		req = NewGetCert(t.id, nonce, t.target)
	}
	return t.exchange(ctx, req)
}
