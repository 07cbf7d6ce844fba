// Package audit records SCEP responder and CA operations as a hash-chained
// JSONL log, kept apart from diagnostic logging.
//
// Key principles:
//   - Audit failure = Operation failure
//   - Never log secrets (private keys, challenge passwords)
//   - All timestamps in UTC
//   - Each event hashes its predecessor so tampering is detectable
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// EventType represents the category of audit event.
type EventType string

const (
	// CA lifecycle events
	EventCACreated EventType = "CA_CREATED"

	// Enrollment events
	EventEnrollmentReceived EventType = "SCEP_ENROLLMENT_RECEIVED"
	EventEnrollmentPending  EventType = "SCEP_ENROLLMENT_PENDING"
	EventEnrollmentRejected EventType = "SCEP_ENROLLMENT_REJECTED"
	EventCertIssued         EventType = "CERT_ISSUED"

	// Operator decisions on pending requests
	EventRequestApproved EventType = "REQUEST_APPROVED"
	EventRequestRejected EventType = "REQUEST_REJECTED"

	// Query events
	EventCertQueried EventType = "SCEP_GETCERT"
	EventCRLQueried  EventType = "SCEP_GETCRL"
	EventPollQueried EventType = "SCEP_GETCERTINITIAL"

	// Revocation events
	EventCertRevoked  EventType = "CERT_REVOKED"
	EventCRLGenerated EventType = "CRL_GENERATED"

	// Security events
	EventReplayRejected  EventType = "SCEP_REPLAY_REJECTED"
	EventMessageRejected EventType = "SCEP_MESSAGE_REJECTED"
)

// Result represents the outcome of an audited operation.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultPending Result = "pending"
)

// Actor represents who performed the action.
type Actor struct {
	Type string `json:"type"`           // "user", "requester", "system"
	ID   string `json:"id"`             // username or requester subject
	Host string `json:"host,omitempty"` // hostname or remote address
}

// Object represents what was acted upon.
type Object struct {
	Type    string `json:"type"`              // "certificate", "request", "ca", "crl"
	Serial  string `json:"serial,omitempty"`  // certificate serial number
	Subject string `json:"subject,omitempty"` // certificate or request subject DN
	Path    string `json:"path,omitempty"`    // CA directory
}

// Context provides the protocol details of the operation.
type Context struct {
	TransactionID string `json:"transaction_id,omitempty"`
	MessageType   string `json:"message_type,omitempty"`
	Status        string `json:"status,omitempty"`    // pkiStatus sent back
	FailInfo      string `json:"fail_info,omitempty"` // failInfo sent back
	CA            string `json:"ca,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Event represents a single audit log entry.
type Event struct {
	EventType EventType `json:"event_type"`
	Timestamp string    `json:"timestamp"` // RFC3339 UTC
	Actor     Actor     `json:"actor"`
	Object    Object    `json:"object"`
	Context   Context   `json:"context,omitempty"`
	Result    Result    `json:"result"`
	HashPrev  string    `json:"hash_prev"`
	Hash      string    `json:"hash"`
}

// NewEvent creates an event attributed to the local user.
func NewEvent(eventType EventType, result Result) *Event {
	hostname, _ := os.Hostname()
	username := os.Getenv("USER")
	if username == "" {
		username = os.Getenv("USERNAME")
	}
	if username == "" {
		username = "unknown"
	}

	return &Event{
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Actor:     Actor{Type: "user", ID: username, Host: hostname},
		Result:    result,
	}
}

// WithObject sets the object field.
func (e *Event) WithObject(obj Object) *Event {
	e.Object = obj
	return e
}

// WithContext sets the context field.
func (e *Event) WithContext(ctx Context) *Event {
	e.Context = ctx
	return e
}

// WithActor overrides the default actor.
func (e *Event) WithActor(actor Actor) *Event {
	e.Actor = actor
	return e
}

// Validate checks that required fields are present.
func (e *Event) Validate() error {
	switch {
	case e.EventType == "":
		return fmt.Errorf("event_type is required")
	case e.Timestamp == "":
		return fmt.Errorf("timestamp is required")
	case e.Actor.Type == "" || e.Actor.ID == "":
		return fmt.Errorf("actor type and id are required")
	case e.Result == "":
		return fmt.Errorf("result is required")
	}
	return nil
}

// CanonicalJSON returns the event without its own hash, as hashed into the
// chain.
func (e *Event) CanonicalJSON() ([]byte, error) {
	c := *e
	c.Hash = ""
	type hashed struct {
		EventType EventType `json:"event_type"`
		Timestamp string    `json:"timestamp"`
		Actor     Actor     `json:"actor"`
		Object    Object    `json:"object"`
		Context   Context   `json:"context,omitempty"`
		Result    Result    `json:"result"`
		HashPrev  string    `json:"hash_prev"`
	}
	return json.Marshal(hashed{
		EventType: c.EventType,
		Timestamp: c.Timestamp,
		Actor:     c.Actor,
		Object:    c.Object,
		Context:   c.Context,
		Result:    c.Result,
		HashPrev:  c.HashPrev,
	})
}

// JSON returns the full event as JSON.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}
