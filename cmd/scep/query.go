package main

import (
	"crypto/x509/pkix"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/remiblancher/go-scep/internal/pemutil"
)

var (
	querySerial string
	queryOut    string
)

var getCertCmd = &cobra.Command{
	Use:   "getcert",
	Short: "Retrieve an issued certificate by serial number",
	Args:  cobra.NoArgs,
	RunE:  runGetCert,
}

var getCRLCmd = &cobra.Command{
	Use:   "getcrl",
	Short: "Retrieve the CRL covering a certificate",
	Args:  cobra.NoArgs,
	RunE:  runGetCRL,
}

func init() {
	for _, cmd := range []*cobra.Command{getCertCmd, getCRLCmd} {
		addClientFlags(cmd)
		addIdentityFlags(cmd)
		cmd.Flags().StringVar(&querySerial, "serial", "", "Certificate serial number (hex)")
		cmd.Flags().StringVarP(&queryOut, "out", "o", "", "Write the result as PEM to this file")
		_ = cmd.MarkFlagRequired("serial")
	}
}

func runGetCert(cmd *cobra.Command, args []string) error {
	serial, err := parseSerial(querySerial)
	if err != nil {
		return err
	}
	key, identity, err := loadIdentity(pkix.Name{CommonName: "SCEP query"})
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	certs, err := c.GetCertificate(cmd.Context(), identity, key, serial)
	if err != nil {
		return err
	}
	if err := printCertificates(cmd.OutOrStdout(), certs); err != nil {
		return err
	}
	if queryOut != "" {
		return writeOrPrint(cmd.OutOrStdout(), queryOut, pemutil.EncodeCertificates(certs...))
	}
	return nil
}

func runGetCRL(cmd *cobra.Command, args []string) error {
	serial, err := parseSerial(querySerial)
	if err != nil {
		return err
	}
	key, identity, err := loadIdentity(pkix.Name{CommonName: "SCEP query"})
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	crls, err := c.GetRevocationList(cmd.Context(), identity, key, serial)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var pemData []byte
	for _, crl := range crls {
		fmt.Fprintf(out, "CRL issuer:    %s\n", crl.Issuer)
		if crl.Number != nil {
			fmt.Fprintf(out, "  Number:      %s\n", crl.Number)
		}
		fmt.Fprintf(out, "  This update: %s\n", crl.ThisUpdate.UTC().Format(time.RFC3339))
		fmt.Fprintf(out, "  Next update: %s\n", crl.NextUpdate.UTC().Format(time.RFC3339))
		fmt.Fprintf(out, "  Revoked:     %d\n", len(crl.RevokedCertificateEntries))
		pemData = append(pemData, pemutil.EncodeCRL(crl.Raw)...)
	}
	if queryOut != "" {
		return writeOrPrint(out, queryOut, pemData)
	}
	return nil
}
