package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/remiblancher/go-scep/internal/ca"
	"github.com/remiblancher/go-scep/pkg/client"
)

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Manage the responder's certificate authority",
	Long: `Create the file-backed CA served by "scep serve" and decide on the
enrollment requests it holds.

Examples:
  scep ca init --dir ./ca --cn "Device CA" --org "Example Corp"
  scep ca pending --dir ./ca
  scep ca approve --dir ./ca <transaction-id>
  scep ca reject --dir ./ca <transaction-id> --reason "unknown device"
  scep ca revoke --dir ./ca 0a --reason keyCompromise`,
}

var (
	caDir        string
	caPassphrase string

	caInitCN            string
	caInitOrg           string
	caInitCountry       string
	caInitKeyBits       int
	caInitValidityYears int

	caRejectReason  string
	caRevokeReason  string
	caPendingAll    bool
	caListValidOnly bool
)

var caInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a self-signed RSA CA",
	Args:  cobra.NoArgs,
	RunE:  runCAInit,
}

var caPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List enrollment requests awaiting approval",
	Args:  cobra.NoArgs,
	RunE:  runCAPending,
}

var caApproveCmd = &cobra.Command{
	Use:   "approve <transaction-id>",
	Short: "Issue the certificate of a pending request",
	Args:  cobra.ExactArgs(1),
	RunE:  runCAApprove,
}

var caRejectCmd = &cobra.Command{
	Use:   "reject <transaction-id>",
	Short: "Refuse a pending request",
	Args:  cobra.ExactArgs(1),
	RunE:  runCAReject,
}

var caRevokeCmd = &cobra.Command{
	Use:   "revoke <serial>",
	Short: "Revoke an issued certificate and publish a new CRL",
	Args:  cobra.ExactArgs(1),
	RunE:  runCARevoke,
}

var caListCmd = &cobra.Command{
	Use:   "list",
	Short: "List issued certificates",
	Args:  cobra.NoArgs,
	RunE:  runCAList,
}

func init() {
	caCmd.PersistentFlags().StringVarP(&caDir, "dir", "d", "", "CA directory (default: server.ca_dir or ./ca)")
	caCmd.PersistentFlags().StringVar(&caPassphrase, "passphrase", "", "CA key passphrase (or SCEP_CA_PASSPHRASE)")

	caInitCmd.Flags().StringVar(&caInitCN, "cn", "", "CA common name (required)")
	caInitCmd.Flags().StringVar(&caInitOrg, "org", "", "CA organization")
	caInitCmd.Flags().StringVar(&caInitCountry, "country", "", "CA country code")
	caInitCmd.Flags().IntVar(&caInitKeyBits, "key-bits", ca.DefaultKeyBits, "RSA key size")
	caInitCmd.Flags().IntVar(&caInitValidityYears, "validity", ca.DefaultValidityYears, "CA validity in years")
	_ = caInitCmd.MarkFlagRequired("cn")

	caRejectCmd.Flags().StringVar(&caRejectReason, "reason", "", "Why the request is refused")
	caRevokeCmd.Flags().StringVar(&caRevokeReason, "reason", "", "RFC 5280 reason (keyCompromise, superseded, ...)")
	caListCmd.Flags().BoolVar(&caListValidOnly, "valid-only", false, "Hide revoked certificates")
	caPendingCmd.Flags().BoolVar(&caPendingAll, "all", false, "Include approved and rejected requests")

	caCmd.AddCommand(caInitCmd)
	caCmd.AddCommand(caPendingCmd)
	caCmd.AddCommand(caApproveCmd)
	caCmd.AddCommand(caRejectCmd)
	caCmd.AddCommand(caRevokeCmd)
	caCmd.AddCommand(caListCmd)
}

func resolveCADir() string {
	switch {
	case caDir != "":
		return caDir
	case cfg.Server.CADir != "":
		return cfg.Server.CADir
	}
	return "./ca"
}

func resolvePassphrase() []byte {
	if caPassphrase != "" {
		return []byte(caPassphrase)
	}
	return cfg.Server.CAPassphrase()
}

func loadCA() (*ca.CA, error) {
	store := ca.NewStore(resolveCADir())
	if !store.Exists() {
		return nil, fmt.Errorf("no CA found at %s (run 'scep ca init')", store.BasePath())
	}
	return ca.Load(store, resolvePassphrase())
}

func runCAInit(cmd *cobra.Command, args []string) error {
	store := ca.NewStore(resolveCADir())
	authority, err := ca.Initialize(store, ca.Config{
		CommonName:    caInitCN,
		Organization:  caInitOrg,
		Country:       caInitCountry,
		KeyBits:       caInitKeyBits,
		ValidityYears: caInitValidityYears,
		Passphrase:    resolvePassphrase(),
	})
	if err != nil {
		return err
	}

	cert := authority.Certificate()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "CA initialized at %s\n", store.BasePath())
	fmt.Fprintf(out, "  Subject:     %s\n", cert.Subject)
	fmt.Fprintf(out, "  Not after:   %s\n", cert.NotAfter.UTC().Format(time.RFC3339))
	fmt.Fprintf(out, "  Certificate: %s\n", store.CACertPath())
	fmt.Fprintf(out, "  Fingerprint: %s\n", client.Fingerprint(cert))
	return nil
}

func runCAPending(cmd *cobra.Command, args []string) error {
	authority, err := loadCA()
	if err != nil {
		return err
	}
	requests, err := authority.Requests()
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.Header("Transaction", "Subject", "Received", "Status", "Serial")
	shown := 0
	for _, r := range requests {
		if !caPendingAll && r.Status != ca.RequestPending {
			continue
		}
		serial := "-"
		if len(r.Serial) > 0 {
			serial = fmt.Sprintf("%x", r.Serial)
		}
		if err := table.Append([]string{
			r.TransactionID,
			r.Subject,
			r.Received.UTC().Format(time.RFC3339),
			formatStatus(r.Status.String()),
			serial,
		}); err != nil {
			return err
		}
		shown++
	}
	if shown == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No pending requests")
		return nil
	}
	return table.Render()
}

func runCAApprove(cmd *cobra.Command, args []string) error {
	authority, err := loadCA()
	if err != nil {
		return err
	}
	cert, err := authority.Approve(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Approved %s: issued serial %x to %s\n", args[0], cert.SerialNumber, cert.Subject)
	return nil
}

func runCAReject(cmd *cobra.Command, args []string) error {
	authority, err := loadCA()
	if err != nil {
		return err
	}
	if err := authority.Reject(args[0], caRejectReason); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Rejected %s\n", args[0])
	return nil
}

func runCARevoke(cmd *cobra.Command, args []string) error {
	serial, err := parseSerial(args[0])
	if err != nil {
		return err
	}
	reason, err := ca.ParseRevocationReason(caRevokeReason)
	if err != nil {
		return err
	}
	authority, err := loadCA()
	if err != nil {
		return err
	}
	if err := authority.Revoke(serial, reason); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Revoked %x (%s); CRL written to %s\n", serial, reason, authority.Store().CRLPath())
	return nil
}

func runCAList(cmd *cobra.Command, args []string) error {
	authority, err := loadCA()
	if err != nil {
		return err
	}
	entries, err := authority.Store().ReadIndex()
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.Header("Serial", "Status", "Expiry", "Revoked", "Subject")
	for _, e := range entries {
		if caListValidOnly && e.Status != ca.StatusValid {
			continue
		}
		revoked := "-"
		if !e.Revocation.IsZero() {
			revoked = e.Revocation.UTC().Format(time.RFC3339)
		}
		if err := table.Append([]string{
			fmt.Sprintf("%x", e.Serial),
			formatStatus(indexStatus(e)),
			e.Expiry.UTC().Format(time.RFC3339),
			revoked,
			e.Subject,
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

func indexStatus(e ca.IndexEntry) string {
	switch {
	case e.Status == ca.StatusRevoked:
		return "revoked"
	case time.Now().After(e.Expiry):
		return "expired"
	case e.Status == ca.StatusValid:
		return "valid"
	}
	return e.Status
}

// formatStatus colors a status for terminals; color is off when stdout is
// not a terminal or NO_COLOR is set.
func formatStatus(status string) string {
	switch status {
	case "valid", "approved":
		return color.GreenString(status)
	case "revoked", "expired", "rejected":
		return color.RedString(status)
	case "pending":
		return color.YellowString(status)
	}
	return status
}
