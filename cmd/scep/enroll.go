package main

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/remiblancher/go-scep/internal/pemutil"
	"github.com/remiblancher/go-scep/pkg/scep"
)

var (
	enrollCSR          string
	enrollCN           string
	enrollOrg          string
	enrollDNS          []string
	enrollKeyBits      int
	enrollOut          string
	enrollPollInterval time.Duration
	enrollMaxPolls     int
)

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Request a certificate with PKCSReq",
	Long: `Request a certificate from the CA.

The request is signed with --key. When --key does not exist, an RSA key is
generated and written there. The CSR comes from --csr, or is built from
--cn, --org and --dns.

A CA requiring manual approval answers PENDING. With --max-polls the command
polls with GetCertInitial every --poll-interval until the request is decided.`,
	Args: cobra.NoArgs,
	RunE: runEnroll,
}

func init() {
	addClientFlags(enrollCmd)
	addIdentityFlags(enrollCmd)
	enrollCmd.Flags().StringVar(&enrollCSR, "csr", "", "Existing CSR (PEM or DER) for --key")
	enrollCmd.Flags().StringVar(&enrollCN, "cn", "", "Subject common name")
	enrollCmd.Flags().StringVar(&enrollOrg, "org", "", "Subject organization")
	enrollCmd.Flags().StringSliceVar(&enrollDNS, "dns", nil, "DNS subject alternative names")
	enrollCmd.Flags().IntVar(&enrollKeyBits, "key-bits", 2048, "RSA key size when generating --key")
	enrollCmd.Flags().StringVarP(&enrollOut, "out", "o", "", "Write the issued certificate to this file")
	enrollCmd.Flags().DurationVar(&enrollPollInterval, "poll-interval", 30*time.Second, "Delay between polls")
	enrollCmd.Flags().IntVar(&enrollMaxPolls, "max-polls", 0, "Poll at most this many times while PENDING")
}

func runEnroll(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if identityKey == "" {
		return errors.New("--key is required")
	}

	key, generated, err := loadOrGenerateKey(identityKey, enrollKeyBits, []byte(identityPassphrase))
	if err != nil {
		return err
	}
	if generated {
		fmt.Fprintf(out, "Generated RSA-%d key: %s\n", enrollKeyBits, identityKey)
	}

	var csr *x509.CertificateRequest
	if enrollCSR != "" {
		csr, err = pemutil.ReadCSR(enrollCSR)
	} else {
		csr, err = buildCSR(key)
	}
	if err != nil {
		return err
	}

	signer, identity, err := loadIdentity(csr.Subject)
	if err != nil {
		return err
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	tx, err := c.Enroll(ctx, identity, signer, csr)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Transaction: %s\n", tx.ID())

	state, err := tx.Send(ctx)
	for polls := 0; err == nil && state == scep.StateCertReqPending && polls < enrollMaxPolls; polls++ {
		fmt.Fprintf(out, "PENDING, polling again in %s (%d/%d)\n", enrollPollInterval, polls+1, enrollMaxPolls)
		if err := sleep(ctx, enrollPollInterval); err != nil {
			return err
		}
		state, err = tx.Poll(ctx)
	}
	if err != nil {
		return err
	}

	switch state {
	case scep.StateCertReqPending:
		fmt.Fprintln(out, "Status: PENDING")
		fmt.Fprintln(out, "Run enroll again with the same key to poll once the request is approved.")
		return nil
	case scep.StateFailure:
		return &scep.OperationFailureError{FailInfo: tx.FailInfo()}
	}

	certs := tx.Certificates()
	fmt.Fprintln(out, "Status: SUCCESS")
	if err := printCertificates(out, certs); err != nil {
		return err
	}
	if enrollOut != "" {
		if err := writeOrPrint(out, enrollOut, pemutil.EncodeCertificates(certs...)); err != nil {
			return err
		}
		fmt.Fprintf(out, "Certificate written to %s\n", enrollOut)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// buildCSR creates a request for key from the subject flags.
func buildCSR(key interface{}) (*x509.CertificateRequest, error) {
	if enrollCN == "" {
		return nil, errors.New("--cn or --csr is required")
	}
	subject := pkix.Name{CommonName: enrollCN}
	if enrollOrg != "" {
		subject.Organization = []string{enrollOrg}
	}
	template := &x509.CertificateRequest{
		Subject:  subject,
		DNSNames: enrollDNS,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CSR: %w", err)
	}
	return x509.ParseCertificateRequest(der)
}
