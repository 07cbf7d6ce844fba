package scep

import (
	"errors"
	"fmt"
)

// DecodingError reports malformed or unverifiable wire data.
type DecodingError struct {
	Op  string // "envelope", "message", "payload", "capabilities", "certificates"
	Err error
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("scep decode %s: %v", e.Op, e.Err)
}

func (e *DecodingError) Unwrap() error { return e.Err }

// EncodingError reports a local failure to build a message.
type EncodingError struct {
	Op  string // "envelope", "message", "payload"
	Err error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("scep encode %s: %v", e.Op, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// TransactionMismatchError is returned when a response carries a different
// transaction ID than the request it answers.
type TransactionMismatchError struct {
	Expected TransactionID
	Actual   TransactionID
}

func (e *TransactionMismatchError) Error() string {
	return fmt.Sprintf("scep: transaction ID mismatch: sent %s, received %s", e.Expected, e.Actual)
}

// NonceMismatchError is returned when a response's recipientNonce does not
// echo the request's senderNonce.
type NonceMismatchError struct {
	Expected Nonce
	Actual   Nonce
}

func (e *NonceMismatchError) Error() string {
	return fmt.Sprintf("scep: recipient nonce %s does not match sender nonce %s", e.Actual, e.Expected)
}

// ReplayError is returned when a response reuses a senderNonce that was
// already accepted.
type ReplayError struct {
	Nonce Nonce
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("scep: nonce %s has been encountered before, possible replay", e.Nonce)
}

// SelectionError is returned when no certificate in a collection can fill a role.
type SelectionError struct {
	Role string // "signing", "encryption", "issuer"
}

func (e *SelectionError) Error() string {
	return fmt.Sprintf("scep: no certificate suitable for %s", e.Role)
}

// OperationFailureError carries the failInfo of a FAILURE response.
type OperationFailureError struct {
	FailInfo FailInfo
}

func (e *OperationFailureError) Error() string {
	return fmt.Sprintf("scep: operation failed: %s (%s)", e.FailInfo, e.FailInfo.Description())
}

// TransportError wraps a failure of the transport collaborator.
type TransportError struct {
	Operation  Operation
	StatusCode int // HTTP status when the peer answered, 0 otherwise
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("scep transport %s: HTTP %d: %v", e.Operation, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("scep transport %s: %v", e.Operation, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Sentinel errors.
var (
	// ErrNoDigestAvailable is returned by StrongestDigest when no digest
	// algorithm at all is available locally.
	ErrNoDigestAvailable = errors.New("scep: no message digest algorithm available")

	// ErrNoIssuer is returned by Poll when SetIssuer was never called.
	ErrNoIssuer = errors.New("scep: issuer certificate not set")

	// ErrNotPending is returned by Poll when the transaction is not pending.
	ErrNotPending = errors.New("scep: transaction is not pending")

	// ErrAlreadySent is returned by Send on a transaction that already completed an exchange.
	ErrAlreadySent = errors.New("scep: transaction already sent")

	// ErrPending is returned by one-shot queries answered with PENDING.
	ErrPending = errors.New("scep: request is pending")

	// ErrUnsupportedOperation is returned when the CA does not advertise a capability.
	ErrUnsupportedOperation = errors.New("scep: operation not supported by CA")
)

// IsProtocolError reports whether err is a validation failure of the
// exchange itself; retrying the same exchange cannot succeed.
func IsProtocolError(err error) bool {
	var tm *TransactionMismatchError
	var nm *NonceMismatchError
	var re *ReplayError
	var de *DecodingError
	return errors.As(err, &tm) || errors.As(err, &nm) || errors.As(err, &re) || errors.As(err, &de)
}
