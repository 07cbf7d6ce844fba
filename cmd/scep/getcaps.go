package main

import (
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/remiblancher/go-scep/internal/pemutil"
	"github.com/remiblancher/go-scep/pkg/scep"
)

var getCACapsCmd = &cobra.Command{
	Use:   "getcaps",
	Short: "Show the capabilities the CA advertises",
	Args:  cobra.NoArgs,
	RunE:  runGetCACaps,
}

var (
	caCertOut string
)

var getCACertCmd = &cobra.Command{
	Use:   "getcacert",
	Short: "Fetch and check the CA (and RA) certificates",
	Long: `Fetch the CA certificates with GetCACert and check the issuing CA against
--ca-fingerprint or --ca-cert.

The fingerprint of an unknown CA can be learned with --insecure; compare it
out of band before trusting it.`,
	Args: cobra.NoArgs,
	RunE: runGetCACert,
}

var getNextCACertCmd = &cobra.Command{
	Use:   "getnextcacert",
	Short: "Fetch the certificates that will replace the current CA",
	Args:  cobra.NoArgs,
	RunE:  runGetNextCACert,
}

func init() {
	addClientFlags(getCACapsCmd)

	addClientFlags(getCACertCmd)
	getCACertCmd.Flags().StringVarP(&caCertOut, "out", "o", "", "Write the certificates as PEM to this file")

	addClientFlags(getNextCACertCmd)
	getNextCACertCmd.Flags().StringVarP(&caCertOut, "out", "o", "", "Write the certificates as PEM to this file")
}

func runGetCACaps(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	caps, err := c.RefreshCapabilities(cmd.Context())
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.Header("Capability")
	for _, cp := range caps.List() {
		if err := table.Append([]string{string(cp)}); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}

	digest, err := caps.StrongestDigest()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "PKIOperation method: %s\n", caps.PKIOperationMethod())
	fmt.Fprintf(out, "Message digest:      %s\n", digest)
	cipher := caps.StrongestCipher().String()
	if caps.Contains(scep.CapAES) {
		cipher = "AES-128"
	}
	fmt.Fprintf(out, "Envelope cipher:     %s\n", cipher)
	return nil
}

func runGetCACert(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	certs, err := c.CACertificates(cmd.Context())
	if err != nil {
		return err
	}
	if err := printCertificates(cmd.OutOrStdout(), certs); err != nil {
		return err
	}
	if caCertOut != "" {
		return writeOrPrint(cmd.OutOrStdout(), caCertOut, pemutil.EncodeCertificates(certs...))
	}
	return nil
}

func runGetNextCACert(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	certs, err := c.RolloverCertificates(cmd.Context())
	if err != nil {
		return err
	}
	if err := printCertificates(cmd.OutOrStdout(), certs); err != nil {
		return err
	}
	if caCertOut != "" {
		return writeOrPrint(cmd.OutOrStdout(), caCertOut, pemutil.EncodeCertificates(certs...))
	}
	return nil
}
