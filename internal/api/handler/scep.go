package handler

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/valyala/bytebufferpool"

	"github.com/remiblancher/go-scep/internal/audit"
	"github.com/remiblancher/go-scep/internal/cms"
	"github.com/remiblancher/go-scep/pkg/scep"
)

// MaxRequestSize bounds a POSTed pkiMessage.
const MaxRequestSize = 1 << 20

var requestPool bytebufferpool.Pool

// Backend carries out PKIOperation requests. Returning no certificates and
// no error answers PENDING; an *scep.OperationFailureError answers FAILURE
// with its failInfo.
type Backend interface {
	Enroll(ctx context.Context, id scep.TransactionID, csr *x509.CertificateRequest) ([]*x509.Certificate, error)
	Poll(ctx context.Context, id scep.TransactionID, ias scep.IssuerAndSubject) ([]*x509.Certificate, error)
	GetCert(ctx context.Context, ias scep.IssuerAndSerial) ([]*x509.Certificate, error)
	GetCRL(ctx context.Context, ias scep.IssuerAndSerial) ([]*x509.RevocationList, error)
}

// SCEPConfig configures a SCEPHandler.
type SCEPConfig struct {
	Backend Backend
	// Certificates answer GetCACert: the CA first, then any RA certificates.
	Certificates []*x509.Certificate
	// Signer signs responses and is the recipient of request envelopes.
	Signer *x509.Certificate
	Key    crypto.Signer
	// NextCertificates answer GetNextCACert; empty disables rollover.
	NextCertificates []*x509.Certificate
	// Capabilities defaults to DefaultCapabilities.
	Capabilities *scep.Capabilities
	// Registry rejects replayed request nonces.
	Registry *scep.NonceRegistry
	Logger   scep.Logger
}

// DefaultCapabilities is advertised when the configuration sets none.
func DefaultCapabilities(rollover bool) *scep.Capabilities {
	caps := []scep.Capability{
		scep.CapPOSTPKIOperation, scep.CapSHA256, scep.CapSHA1,
		scep.CapDES3, scep.CapAES, scep.CapSCEPStandard,
	}
	if rollover {
		caps = append(caps, scep.CapGetNextCACert)
	}
	return scep.NewCapabilities(caps...)
}

// SCEPHandler answers the SCEP operations on a single path.
type SCEPHandler struct {
	cfg     SCEPConfig
	caps    *scep.Capabilities
	digest  crypto.Hash
	decoder *scep.PKIMessageDecoder
	log     scep.Logger
}

// NewSCEPHandler validates cfg and returns a handler.
func NewSCEPHandler(cfg SCEPConfig) (*SCEPHandler, error) {
	switch {
	case cfg.Backend == nil:
		return nil, errors.New("scep handler: backend is required")
	case len(cfg.Certificates) == 0:
		return nil, errors.New("scep handler: CA certificates are required")
	case cfg.Signer == nil || cfg.Key == nil:
		return nil, errors.New("scep handler: signer certificate and key are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = scep.NopLogger
	}
	if cfg.Registry == nil {
		cfg.Registry = scep.NewNonceRegistry(0)
	}
	caps := cfg.Capabilities
	if caps == nil {
		caps = DefaultCapabilities(len(cfg.NextCertificates) > 0)
	}
	digest, err := caps.StrongestDigest()
	if err != nil {
		return nil, err
	}

	return &SCEPHandler{
		cfg:    cfg,
		caps:   caps,
		digest: digest,
		decoder: &scep.PKIMessageDecoder{
			Envelope: &scep.PKCSEnvelopeDecoder{Recipient: cfg.Signer, Key: cfg.Key, Logger: cfg.Logger},
			Logger:   cfg.Logger,
		},
		log: cfg.Logger,
	}, nil
}

// ServeHTTP implements http.Handler.
func (h *SCEPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	op := scep.Operation(r.URL.Query().Get("operation"))
	if op == "" {
		http.Error(w, `Missing "operation" parameter.`, http.StatusBadRequest)
		return
	}

	allowed := []string{http.MethodGet}
	if op == scep.OpPKIOperation {
		allowed = append(allowed, http.MethodPost)
	}
	if !methodAllowed(r.Method, allowed) {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
		http.Error(w, fmt.Sprintf("%s not allowed for %s", r.Method, op), http.StatusMethodNotAllowed)
		return
	}

	switch op {
	case scep.OpGetCACaps:
		writeBody(w, scep.ContentTypeText, h.caps.Text())
	case scep.OpGetCACert:
		h.getCACert(w)
	case scep.OpGetNextCACert:
		h.getNextCACert(w)
	case scep.OpPKIOperation:
		h.pkiOperation(w, r)
	default:
		http.Error(w, fmt.Sprintf("Invalid operation %q.", op), http.StatusBadRequest)
	}
}

func methodAllowed(method string, allowed []string) bool {
	for _, m := range allowed {
		if m == method {
			return true
		}
	}
	return false
}

func writeBody(w http.ResponseWriter, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *SCEPHandler) getCACert(w http.ResponseWriter) {
	certs := h.cfg.Certificates
	if len(certs) == 1 {
		writeBody(w, scep.ContentTypeCACert, certs[0].Raw)
		return
	}
	bundle, err := cms.BuildCertsOnly(certs, nil)
	if err != nil {
		h.internalError(w, "GetCACert", err)
		return
	}
	writeBody(w, scep.ContentTypeCARACert, bundle)
}

func (h *SCEPHandler) getNextCACert(w http.ResponseWriter) {
	if len(h.cfg.NextCertificates) == 0 {
		http.Error(w, "GetNextCACert Not Supported", http.StatusNotImplemented)
		return
	}
	bundle, err := cms.BuildCertsOnly(h.cfg.NextCertificates, nil)
	if err != nil {
		h.internalError(w, "GetNextCACert", err)
		return
	}
	signed, err := cms.Sign(bundle, &cms.SignerConfig{
		Certificate:  h.cfg.Signer,
		Signer:       h.cfg.Key,
		DigestAlg:    h.digest,
		IncludeCerts: true,
	})
	if err != nil {
		h.internalError(w, "GetNextCACert", err)
		return
	}
	writeBody(w, scep.ContentTypeNextCACert, signed)
}

func (h *SCEPHandler) internalError(w http.ResponseWriter, op string, err error) {
	h.log.Printf("scep: %s failed: %v", op, err)
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

// readMessage returns the pkiMessage of a GET or POST PKIOperation.
func readMessage(r *http.Request) ([]byte, error) {
	if r.Method == http.MethodGet {
		// Some clients do not escape '+' in the query string.
		msg := strings.ReplaceAll(r.URL.Query().Get("message"), " ", "+")
		if msg == "" {
			return nil, errors.New(`missing "message" parameter`)
		}
		return base64.StdEncoding.DecodeString(msg)
	}

	buf := requestPool.Get()
	defer requestPool.Put(buf)
	if _, err := buf.ReadFrom(io.LimitReader(r.Body, MaxRequestSize+1)); err != nil {
		return nil, err
	}
	if buf.Len() > MaxRequestSize {
		return nil, fmt.Errorf("message exceeds %d bytes", MaxRequestSize)
	}
	if buf.Len() == 0 {
		return nil, errors.New("empty message")
	}
	return append([]byte(nil), buf.B...), nil
}

func (h *SCEPHandler) pkiOperation(w http.ResponseWriter, r *http.Request) {
	wire, err := readMessage(r)
	if err != nil {
		_ = audit.LogMessageRejected(r.RemoteAddr, err.Error())
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	req, err := h.decoder.Decode(wire)
	if err == nil && req.IsResponse() {
		err = fmt.Errorf("unexpected %s", req.MessageType)
	}
	if err != nil {
		h.log.Printf("scep: rejecting message from %s: %v", r.RemoteAddr, err)
		if aerr := audit.LogMessageRejected(r.RemoteAddr, err.Error()); aerr != nil {
			h.internalError(w, "PKIOperation", aerr)
			return
		}
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	h.log.Printf("scep: received %s", req)

	ex := audit.Exchange{
		TransactionID: req.TransactionID.String(),
		MessageType:   req.MessageType.String(),
		Requester:     req.SignerCertificate.Subject.String(),
		Remote:        r.RemoteAddr,
	}

	var res *scep.Message
	if !h.cfg.Registry.CheckAndAdd(req.SenderNonce) {
		h.log.Printf("scep: replayed senderNonce %s", req.SenderNonce)
		if err := audit.LogReplayRejected(ex); err != nil {
			h.internalError(w, "PKIOperation", err)
			return
		}
		res, err = h.failure(req, scep.BadRequest)
	} else {
		res, err = h.dispatch(r.Context(), req, ex)
	}
	if err != nil {
		h.internalError(w, "PKIOperation", err)
		return
	}

	out, err := h.encoder(req).Encode(res)
	if err != nil {
		h.internalError(w, "PKIOperation", err)
		return
	}
	h.log.Printf("scep: replying %s", res)
	writeBody(w, scep.ContentTypePKIMessage, out)
}

// encoder signs with the RA/CA and encrypts to the requester.
func (h *SCEPHandler) encoder(req *scep.Message) *scep.PKIMessageEncoder {
	envelope := scep.NewPKCSEnvelopeEncoder(req.SignerCertificate, h.caps)
	envelope.AES = h.caps.Contains(scep.CapAES)
	envelope.Logger = h.log
	return &scep.PKIMessageEncoder{
		Key:         h.cfg.Key,
		Certificate: h.cfg.Signer,
		Envelope:    envelope,
		Digest:      h.digest,
		Logger:      h.log,
	}
}

func (h *SCEPHandler) failure(req *scep.Message, info scep.FailInfo) (*scep.Message, error) {
	nonce, err := scep.NewNonce()
	if err != nil {
		return nil, err
	}
	return scep.NewCertRepFailure(req, nonce, info), nil
}

// dispatch runs the backend operation for req and builds the CertRep.
func (h *SCEPHandler) dispatch(ctx context.Context, req *scep.Message, ex audit.Exchange) (*scep.Message, error) {
	var (
		certs []*x509.Certificate
		crls  []*x509.RevocationList
		err   error
	)
	subject := ""
	switch p := req.Payload.(type) {
	case *scep.PKCSReqPayload:
		subject = p.CSR.Subject.String()
		if aerr := audit.LogEnrollmentReceived(ex, subject); aerr != nil {
			return nil, aerr
		}
		certs, err = h.cfg.Backend.Enroll(ctx, req.TransactionID, p.CSR)
	case *scep.GetCertInitialPayload:
		subject = p.Subject().String()
		certs, err = h.cfg.Backend.Poll(ctx, req.TransactionID, p.IssuerAndSubject)
	case *scep.GetCertPayload:
		certs, err = h.cfg.Backend.GetCert(ctx, p.IssuerAndSerial)
	case *scep.GetCRLPayload:
		crls, err = h.cfg.Backend.GetCRL(ctx, p.IssuerAndSerial)
	default:
		return h.failure(req, scep.BadRequest)
	}

	var fe *scep.OperationFailureError
	switch {
	case errors.As(err, &fe):
		if aerr := h.auditOutcome(req, ex, subject, nil, fe); aerr != nil {
			return nil, aerr
		}
		return h.failure(req, fe.FailInfo)
	case err != nil:
		return nil, err
	}

	if aerr := h.auditOutcome(req, ex, subject, certs, nil); aerr != nil {
		return nil, aerr
	}
	nonce, err := scep.NewNonce()
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 && len(crls) == 0 {
		return scep.NewCertRepPending(req, nonce), nil
	}
	payload, err := scep.NewCertRepPayload(certs, crls)
	if err != nil {
		return nil, err
	}
	return scep.NewCertRepSuccess(req, nonce, payload), nil
}

func (h *SCEPHandler) auditOutcome(req *scep.Message, ex audit.Exchange, subject string, certs []*x509.Certificate, fe *scep.OperationFailureError) error {
	serial := ""
	if len(certs) > 0 {
		serial = fmt.Sprintf("%x", certs[0].SerialNumber)
	}
	switch req.MessageType {
	case scep.PKCSReq:
		switch {
		case fe != nil:
			return audit.LogEnrollmentRejected(ex, subject, fe.FailInfo.String(), fe.FailInfo.Description())
		case len(certs) == 0:
			return audit.LogEnrollmentPending(ex, subject)
		default:
			return audit.LogCertIssued(ex, serial, certs[0].Subject.String())
		}
	case scep.GetCertInitial:
		result := audit.ResultSuccess
		switch {
		case fe != nil:
			result = audit.ResultFailure
		case len(certs) == 0:
			result = audit.ResultPending
		}
		return audit.LogPollQueried(ex, subject, result)
	case scep.GetCert:
		return audit.LogCertQueried(ex, serial, fe == nil)
	case scep.GetCRL:
		return audit.LogCRLQueried(ex, fe == nil)
	}
	return nil
}
