package ca

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"

	"github.com/remiblancher/go-scep/internal/audit"
	"github.com/remiblancher/go-scep/pkg/scep"
)

func failure(info scep.FailInfo) error {
	return &scep.OperationFailureError{FailInfo: info}
}

func (ca *CA) issuedBy(rawIssuer []byte) bool {
	return bytes.Equal(rawIssuer, ca.cert.RawSubject)
}

// Enroll handles a PKCSReq. It returns the issued certificate, or nothing
// while the request waits for approval. Resending a known transaction
// reports its current state.
func (ca *CA) Enroll(ctx context.Context, id scep.TransactionID, csr *x509.CertificateRequest) ([]*x509.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ca.mu.Lock()
	defer ca.mu.Unlock()

	rec, err := ca.store.LoadRequest(id.String())
	switch {
	case err == nil:
		return ca.resolve(rec)
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	if err := csr.CheckSignature(); err != nil {
		return nil, failure(scep.BadMessageCheck)
	}

	rec = &Request{
		TransactionID: id.String(),
		Subject:       csr.Subject.String(),
		CSR:           csr.Raw,
		Received:      ca.now().UTC(),
		Status:        RequestPending,
	}
	if !ca.autoApprove {
		return nil, ca.store.SaveRequest(rec)
	}

	cert, err := ca.issue(csr)
	if err != nil {
		return nil, err
	}
	rec.Status = RequestApproved
	rec.Serial = cert.SerialNumber.Bytes()
	if err := ca.store.SaveRequest(rec); err != nil {
		return nil, err
	}
	return []*x509.Certificate{cert}, nil
}

// Poll handles a GetCertInitial for transaction id.
func (ca *CA) Poll(ctx context.Context, id scep.TransactionID, ias scep.IssuerAndSubject) ([]*x509.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ca.issuedBy(ias.RawIssuer) {
		return nil, failure(scep.BadCertID)
	}

	ca.mu.Lock()
	defer ca.mu.Unlock()

	rec, err := ca.store.LoadRequest(id.String())
	if errors.Is(err, ErrNotFound) {
		return nil, failure(scep.BadCertID)
	}
	if err != nil {
		return nil, err
	}
	csr, err := rec.CertificateRequest()
	if err != nil {
		return nil, fmt.Errorf("stored request %s: %w", id, err)
	}
	if !bytes.Equal(csr.RawSubject, ias.RawSubject) {
		return nil, failure(scep.BadCertID)
	}
	return ca.resolve(rec)
}

func (ca *CA) resolve(rec *Request) ([]*x509.Certificate, error) {
	switch rec.Status {
	case RequestApproved:
		cert, err := ca.store.LoadCert(new(big.Int).SetBytes(rec.Serial))
		if err != nil {
			return nil, err
		}
		return []*x509.Certificate{cert}, nil
	case RequestRejected:
		return nil, failure(scep.FailInfo(rec.FailInfo))
	default:
		return nil, nil
	}
}

// GetCert handles a GetCert.
func (ca *CA) GetCert(ctx context.Context, ias scep.IssuerAndSerial) ([]*x509.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ca.issuedBy(ias.RawIssuer) || ias.SerialNumber == nil {
		return nil, failure(scep.BadCertID)
	}
	cert, err := ca.store.LoadCert(ias.SerialNumber)
	if errors.Is(err, ErrNotFound) {
		return nil, failure(scep.BadCertID)
	}
	if err != nil {
		return nil, err
	}
	return []*x509.Certificate{cert}, nil
}

// GetCRL handles a GetCRL.
func (ca *CA) GetCRL(ctx context.Context, ias scep.IssuerAndSerial) ([]*x509.RevocationList, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ca.issuedBy(ias.RawIssuer) {
		return nil, failure(scep.BadCertID)
	}
	crl, err := ca.CurrentCRL()
	if err != nil {
		return nil, err
	}
	return []*x509.RevocationList{crl}, nil
}

// Requests lists the stored enrollment requests.
func (ca *CA) Requests() ([]*Request, error) {
	return ca.store.ListRequests()
}

// Approve issues the certificate of a pending request.
func (ca *CA) Approve(id string) (*x509.Certificate, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	rec, err := ca.pending(id)
	if err != nil {
		return nil, err
	}
	csr, err := rec.CertificateRequest()
	if err != nil {
		return nil, fmt.Errorf("stored request %s: %w", id, err)
	}
	cert, err := ca.issue(csr)
	if err != nil {
		return nil, err
	}
	rec.Status = RequestApproved
	rec.Serial = cert.SerialNumber.Bytes()
	if err := ca.store.SaveRequest(rec); err != nil {
		return nil, err
	}
	if err := audit.LogRequestApproved(ca.store.BasePath(), id, fmt.Sprintf("%x", cert.SerialNumber), rec.Subject); err != nil {
		return nil, err
	}
	return cert, nil
}

// Reject refuses a pending request; polls then receive FAILURE badRequest.
func (ca *CA) Reject(id, reason string) error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	rec, err := ca.pending(id)
	if err != nil {
		return err
	}
	rec.Status = RequestRejected
	rec.FailInfo = scep.BadRequest.Code()
	rec.Reason = reason
	if err := ca.store.SaveRequest(rec); err != nil {
		return err
	}
	return audit.LogRequestRejected(ca.store.BasePath(), id, reason)
}

func (ca *CA) pending(id string) (*Request, error) {
	rec, err := ca.store.LoadRequest(id)
	if err != nil {
		return nil, err
	}
	if rec.Status != RequestPending {
		return nil, fmt.Errorf("request %s is %s", id, rec.Status)
	}
	return rec, nil
}
