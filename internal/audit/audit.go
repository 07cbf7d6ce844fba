package audit

import (
	"fmt"
	"sync"
)

var (
	globalWriter Writer = NopWriter{}
	globalMu     sync.RWMutex
	enabled      bool
)

// Init installs w as the process-wide audit writer. A nil writer disables
// auditing.
func Init(w Writer) error {
	globalMu.Lock()
	defer globalMu.Unlock()

	if w == nil {
		globalWriter = NopWriter{}
		enabled = false
		return nil
	}
	globalWriter = w
	enabled = true
	return nil
}

// InitFile installs a FileWriter for path. An empty path disables auditing.
func InitFile(path string) error {
	if path == "" {
		return Init(nil)
	}
	w, err := NewFileWriter(path)
	if err != nil {
		return err
	}
	return Init(w)
}

// Close closes the global writer and disables auditing.
func Close() error {
	globalMu.Lock()
	defer globalMu.Unlock()

	err := globalWriter.Close()
	globalWriter = NopWriter{}
	enabled = false
	return err
}

// Enabled returns whether audit logging is active.
func Enabled() bool {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return enabled
}

// Log writes an event to the global writer.
func Log(event *Event) error {
	globalMu.RLock()
	w := globalWriter
	globalMu.RUnlock()

	return w.Write(event)
}

// MustLog writes an event; callers fail the operation on error.
//
//	if err := audit.MustLog(event); err != nil {
//	    return nil, err
//	}
func MustLog(event *Event) error {
	if err := Log(event); err != nil {
		return fmt.Errorf("audit log failed: %w", err)
	}
	return nil
}

// Exchange identifies the PKIOperation an event belongs to.
type Exchange struct {
	TransactionID string
	MessageType   string
	// Requester is the subject of the certificate that signed the request.
	Requester string
	Remote    string
}

func (ex Exchange) actor() Actor {
	id := ex.Requester
	if id == "" {
		id = "anonymous"
	}
	return Actor{Type: "requester", ID: id, Host: ex.Remote}
}

func (ex Exchange) event(t EventType, result Result, obj Object, ctx Context) *Event {
	ctx.TransactionID = ex.TransactionID
	ctx.MessageType = ex.MessageType
	return NewEvent(t, result).WithActor(ex.actor()).WithObject(obj).WithContext(ctx)
}

func resultOf(success bool) Result {
	if success {
		return ResultSuccess
	}
	return ResultFailure
}

// LogEnrollmentReceived logs an accepted PKCSReq for subject.
func LogEnrollmentReceived(ex Exchange, subject string) error {
	return MustLog(ex.event(EventEnrollmentReceived, ResultSuccess,
		Object{Type: "request", Subject: subject}, Context{}))
}

// LogEnrollmentPending logs a request left for manual approval.
func LogEnrollmentPending(ex Exchange, subject string) error {
	return MustLog(ex.event(EventEnrollmentPending, ResultPending,
		Object{Type: "request", Subject: subject}, Context{Status: "PENDING"}))
}

// LogEnrollmentRejected logs a FAILURE answer to an enrollment or poll.
func LogEnrollmentRejected(ex Exchange, subject, failInfo, reason string) error {
	return MustLog(ex.event(EventEnrollmentRejected, ResultFailure,
		Object{Type: "request", Subject: subject},
		Context{Status: "FAILURE", FailInfo: failInfo, Reason: reason}))
}

// LogCertIssued logs a certificate delivered to a requester.
func LogCertIssued(ex Exchange, serial, subject string) error {
	return MustLog(ex.event(EventCertIssued, ResultSuccess,
		Object{Type: "certificate", Serial: serial, Subject: subject}, Context{Status: "SUCCESS"}))
}

// LogPollQueried logs a GetCertInitial answer.
func LogPollQueried(ex Exchange, subject string, result Result) error {
	return MustLog(ex.event(EventPollQueried, result,
		Object{Type: "request", Subject: subject}, Context{}))
}

// LogCertQueried logs a GetCert answer.
func LogCertQueried(ex Exchange, serial string, success bool) error {
	return MustLog(ex.event(EventCertQueried, resultOf(success),
		Object{Type: "certificate", Serial: serial}, Context{}))
}

// LogCRLQueried logs a GetCRL answer.
func LogCRLQueried(ex Exchange, success bool) error {
	return MustLog(ex.event(EventCRLQueried, resultOf(success),
		Object{Type: "crl"}, Context{}))
}

// LogReplayRejected logs a request whose senderNonce was already seen.
func LogReplayRejected(ex Exchange) error {
	return MustLog(ex.event(EventReplayRejected, ResultFailure,
		Object{Type: "request"}, Context{Reason: "senderNonce replayed"}))
}

// LogMessageRejected logs a pkiMessage that could not be decoded.
func LogMessageRejected(remote, reason string) error {
	ex := Exchange{Remote: remote}
	return MustLog(ex.event(EventMessageRejected, ResultFailure,
		Object{Type: "request"}, Context{Reason: reason}))
}

// LogCACreated logs the initialization of a CA directory.
func LogCACreated(caPath, subject string, success bool) error {
	return MustLog(NewEvent(EventCACreated, resultOf(success)).
		WithObject(Object{Type: "ca", Path: caPath, Subject: subject}))
}

// LogRequestApproved logs an operator approving a pending request.
func LogRequestApproved(caPath, transactionID, serial, subject string) error {
	return MustLog(NewEvent(EventRequestApproved, ResultSuccess).
		WithObject(Object{Type: "certificate", Serial: serial, Subject: subject}).
		WithContext(Context{TransactionID: transactionID, CA: caPath}))
}

// LogRequestRejected logs an operator refusing a pending request.
func LogRequestRejected(caPath, transactionID, reason string) error {
	return MustLog(NewEvent(EventRequestRejected, ResultFailure).
		WithObject(Object{Type: "request"}).
		WithContext(Context{TransactionID: transactionID, CA: caPath, Reason: reason}))
}

// LogCertRevoked logs a revocation.
func LogCertRevoked(caPath, serial, reason string, success bool) error {
	return MustLog(NewEvent(EventCertRevoked, resultOf(success)).
		WithObject(Object{Type: "certificate", Serial: serial}).
		WithContext(Context{CA: caPath, Reason: reason}))
}

// LogCRLGenerated logs a freshly signed CRL.
func LogCRLGenerated(caPath string, revoked int, success bool) error {
	return MustLog(NewEvent(EventCRLGenerated, resultOf(success)).
		WithObject(Object{Type: "crl", Path: caPath}).
		WithContext(Context{CA: caPath, Reason: fmt.Sprintf("%d certificates revoked", revoked)}))
}
