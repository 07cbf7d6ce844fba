package ca

import (
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"math/big"
	"strings"

	"github.com/remiblancher/go-scep/internal/audit"
)

// RevocationReason is an RFC 5280 CRLReason.
type RevocationReason int

const (
	ReasonUnspecified          RevocationReason = 0
	ReasonKeyCompromise        RevocationReason = 1
	ReasonCACompromise         RevocationReason = 2
	ReasonAffiliationChanged   RevocationReason = 3
	ReasonSuperseded           RevocationReason = 4
	ReasonCessationOfOperation RevocationReason = 5
	ReasonCertificateHold      RevocationReason = 6
	ReasonPrivilegeWithdrawn   RevocationReason = 9
)

var reasonNames = map[RevocationReason]string{
	ReasonUnspecified:          "unspecified",
	ReasonKeyCompromise:        "keyCompromise",
	ReasonCACompromise:         "caCompromise",
	ReasonAffiliationChanged:   "affiliationChanged",
	ReasonSuperseded:           "superseded",
	ReasonCessationOfOperation: "cessationOfOperation",
	ReasonCertificateHold:      "certificateHold",
	ReasonPrivilegeWithdrawn:   "privilegeWithdrawn",
}

func (r RevocationReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(r))
}

// ParseRevocationReason accepts the RFC 5280 names, case-insensitively.
func ParseRevocationReason(s string) (RevocationReason, error) {
	if s == "" {
		return ReasonUnspecified, nil
	}
	for r, name := range reasonNames {
		if strings.EqualFold(s, name) {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown revocation reason: %s", s)
}

// Revoke marks the certificate with serial as revoked and publishes a new CRL.
func (ca *CA) Revoke(serial *big.Int, reason RevocationReason) error {
	if err := ca.store.MarkRevoked(serial, reason, ca.now()); err != nil {
		_ = audit.LogCertRevoked(ca.store.BasePath(), serialHex(serial), err.Error(), false)
		return fmt.Errorf("failed to revoke certificate: %w", err)
	}
	if err := audit.LogCertRevoked(ca.store.BasePath(), serialHex(serial), reason.String(), true); err != nil {
		return err
	}
	_, err := ca.GenerateCRL()
	return err
}

// GenerateCRL signs and stores a CRL listing every revoked certificate.
func (ca *CA) GenerateCRL() (*x509.RevocationList, error) {
	entries, err := ca.store.ReadIndex()
	if err != nil {
		return nil, err
	}
	var revoked []x509.RevocationListEntry
	for _, e := range entries {
		if e.Status != StatusRevoked {
			continue
		}
		revoked = append(revoked, x509.RevocationListEntry{
			SerialNumber:   e.Serial,
			RevocationTime: e.Revocation,
			ReasonCode:     int(e.Reason),
		})
	}

	number, err := ca.store.NextCRLNumber()
	if err != nil {
		return nil, fmt.Errorf("failed to get CRL number: %w", err)
	}
	now := ca.now().UTC()
	template := &x509.RevocationList{
		RevokedCertificateEntries: revoked,
		Number:                    number,
		ThisUpdate:                now,
		NextUpdate:                now.Add(ca.crlValidity),
	}
	der, err := x509.CreateRevocationList(rand.Reader, template, ca.cert, ca.signer)
	if err != nil {
		return nil, fmt.Errorf("failed to create CRL: %w", err)
	}
	if err := ca.store.SaveCRL(der); err != nil {
		return nil, err
	}
	if err := audit.LogCRLGenerated(ca.store.BasePath(), len(revoked), true); err != nil {
		return nil, err
	}
	return x509.ParseRevocationList(der)
}

// CurrentCRL returns the stored CRL, generating a new one when none exists
// or the stored one is past its nextUpdate.
func (ca *CA) CurrentCRL() (*x509.RevocationList, error) {
	crl, err := ca.store.LoadCRL()
	if err != nil {
		return nil, err
	}
	if crl != nil && ca.now().Before(crl.NextUpdate) {
		return crl, nil
	}
	return ca.GenerateCRL()
}
