package ca

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// RequestStatus is the approval state of an enrollment request.
type RequestStatus uint8

const (
	RequestPending RequestStatus = iota
	RequestApproved
	RequestRejected
)

func (s RequestStatus) String() string {
	switch s {
	case RequestPending:
		return "pending"
	case RequestApproved:
		return "approved"
	case RequestRejected:
		return "rejected"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Request is the stored record of a PKCSReq.
type Request struct {
	TransactionID string        `cbor:"1,keyasint"`
	Subject       string        `cbor:"2,keyasint"`
	CSR           []byte        `cbor:"3,keyasint"`
	Received      time.Time     `cbor:"4,keyasint"`
	Status        RequestStatus `cbor:"5,keyasint"`
	Serial        []byte        `cbor:"6,keyasint,omitempty"`
	FailInfo      int           `cbor:"7,keyasint,omitempty"`
	Reason        string        `cbor:"8,keyasint,omitempty"`
}

// CertificateRequest parses the stored CSR.
func (r *Request) CertificateRequest() (*x509.CertificateRequest, error) {
	return x509.ParseCertificateRequest(r.CSR)
}

var (
	requestEncMode cbor.EncMode
	requestDecMode cbor.DecMode
)

func init() {
	var err error
	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	if requestEncMode, err = encOpts.EncMode(); err != nil {
		panic(err)
	}
	if requestDecMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

// pendingPath maps a transaction ID to a file name; IDs may contain
// characters that are not safe in paths.
func (s *Store) pendingPath(id string) string {
	sum := sha256.Sum256([]byte(id))
	return filepath.Join(s.basePath, "pending", hex.EncodeToString(sum[:16])+".cbor")
}

// SaveRequest writes or replaces the record of r.TransactionID.
func (s *Store) SaveRequest(r *Request) error {
	data, err := requestEncMode.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	tmp := s.pendingPath(r.TransactionID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write request: %w", err)
	}
	return os.Rename(tmp, s.pendingPath(r.TransactionID))
}

// LoadRequest reads the record of transaction id.
func (s *Store) LoadRequest(id string) (*Request, error) {
	data, err := os.ReadFile(s.pendingPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read request: %w", err)
	}
	return decodeRequest(data)
}

func decodeRequest(data []byte) (*Request, error) {
	var r Request
	if err := requestDecMode.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	return &r, nil
}

// ListRequests returns every stored request, oldest first.
func (s *Store) ListRequests() ([]*Request, error) {
	dir := filepath.Join(s.basePath, "pending")
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	var out []*Request
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".cbor") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, f.Name()))
		if err != nil {
			return nil, err
		}
		r, err := decodeRequest(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Name(), err)
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Received.Before(out[j].Received) })
	return out, nil
}
