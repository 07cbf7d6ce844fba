package scep

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"mime"

	"github.com/remiblancher/go-scep/internal/cms"
)

// Operation is the value of the "operation" request parameter.
type Operation string

const (
	OpGetCACaps     Operation = "GetCACaps"
	OpGetCACert     Operation = "GetCACert"
	OpGetNextCACert Operation = "GetNextCACert"
	OpPKIOperation  Operation = "PKIOperation"
)

// Media types exchanged with a SCEP responder.
const (
	ContentTypeCACert     = "application/x-x509-ca-cert"
	ContentTypeCARACert   = "application/x-x509-ca-ra-cert"
	ContentTypeNextCACert = "application/x-x509-next-ca-cert"
	ContentTypePKIMessage = "application/x-pki-message"
	ContentTypeText       = "text/plain"
)

// Method selects how a PKIOperation is carried.
type Method int

const (
	// MethodGet sends the message base64 encoded in the "message" parameter.
	MethodGet Method = iota
	// MethodPost sends the message as the raw request body.
	MethodPost
)

func (m Method) String() string {
	if m == MethodPost {
		return "POST"
	}
	return "GET"
}

// Request is one call to the responder.
type Request struct {
	Operation Operation
	// Message is the encoded pkiMessage of a PKIOperation.
	Message []byte
	// Identifier is the CA identifier sent as the "message" parameter of
	// the other operations. It may be empty.
	Identifier string
	Method     Method
}

// Response carries the raw answer of the responder.
type Response struct {
	Body        []byte
	ContentType string
}

// Transport moves requests to a responder. Implementations return a
// *TransportError for any failure and never retry on their own.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req *Request) (*Response, error)

// Send implements Transport.
func (f TransportFunc) Send(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// ParseCACertResponse extracts the CA (and RA) certificates of a GetCACert
// answer.
func ParseCACertResponse(resp *Response) ([]*x509.Certificate, error) {
	mt := mediaType(resp.ContentType)
	switch mt {
	case ContentTypeCACert:
		cert, err := x509.ParseCertificate(resp.Body)
		if err != nil {
			return nil, &DecodingError{Op: "certificates", Err: err}
		}
		return []*x509.Certificate{cert}, nil
	case ContentTypeCARACert:
		bundle, err := cms.ParseCertsOnly(resp.Body)
		if err != nil {
			return nil, &DecodingError{Op: "certificates", Err: err}
		}
		if len(bundle.Certificates) == 0 {
			return nil, &DecodingError{Op: "certificates", Err: errors.New("bundle holds no certificates")}
		}
		return bundle.Certificates, nil
	default:
		return nil, &DecodingError{Op: "certificates", Err: fmt.Errorf("unexpected content type %q", resp.ContentType)}
	}
}

// ParseNextCACertResponse verifies a GetNextCACert answer with signer, the
// current CA or RA signing certificate, and returns the rollover
// certificates it carries.
func ParseNextCACertResponse(resp *Response, signer *x509.Certificate) ([]*x509.Certificate, error) {
	if mt := mediaType(resp.ContentType); mt != ContentTypeNextCACert {
		return nil, &DecodingError{Op: "certificates", Err: fmt.Errorf("unexpected content type %q", resp.ContentType)}
	}
	if signer == nil {
		return nil, &DecodingError{Op: "certificates", Err: errors.New("no signing certificate to verify against")}
	}
	res, err := cms.Verify(resp.Body, &cms.VerifyConfig{SignerCert: signer})
	if err != nil {
		return nil, &DecodingError{Op: "certificates", Err: err}
	}
	if len(res.Content) == 0 {
		return nil, &DecodingError{Op: "certificates", Err: errors.New("signed bundle has no content")}
	}
	bundle, err := cms.ParseCertsOnly(res.Content)
	if err != nil {
		return nil, &DecodingError{Op: "certificates", Err: err}
	}
	return bundle.Certificates, nil
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return contentType
	}
	return mt
}
