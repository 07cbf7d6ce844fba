// Command scep is a SCEP requester and a small file-backed SCEP responder.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/remiblancher/go-scep/internal/audit"
	"github.com/remiblancher/go-scep/internal/config"
	"github.com/remiblancher/go-scep/pkg/scep"
)

// Build-time variables (injected by GoReleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags
var (
	configPath   string
	auditLogPath string
	verbose      bool
)

// Loaded by PersistentPreRunE.
var (
	cfg    *config.Config
	logger scep.Logger = scep.NopLogger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "scep",
	Short: "SCEP client and responder",
	Long: `scep talks the Simple Certificate Enrollment Protocol (RFC 8894).

As a client it queries CA capabilities and certificates, enrolls CSRs and
retrieves issued certificates and CRLs. As a server it answers SCEP
requests from a file-backed CA with optional manual approval.

Examples:
  # Create a CA and start the responder
  scep ca init --dir ./ca --cn "Device CA"
  scep serve --ca-dir ./ca --auto-approve

  # Check what the CA supports
  scep getcaps --url http://localhost:8080/scep --insecure

  # Enroll a new key
  scep enroll --url http://localhost:8080/scep --ca-fingerprint <sha256> \
      --cn device-01 --key device.key --out device.crt`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		logger = scep.NopLogger
		if verbose {
			logger = log.New(cmd.ErrOrStderr(), "scep: ", log.LstdFlags)
		}

		if auditLogPath == "" {
			auditLogPath = os.Getenv("SCEP_AUDIT_LOG")
		}
		// A failed command skips PersistentPostRunE; drop its writer here.
		_ = audit.Close()
		if err := audit.InitFile(auditLogPath); err != nil {
			return fmt.Errorf("failed to initialize audit log: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return audit.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&auditLogPath, "audit-log", "",
		"Path to audit log file (or set SCEP_AUDIT_LOG env var)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log protocol details to stderr")

	// Client operations
	rootCmd.AddCommand(getCACapsCmd)
	rootCmd.AddCommand(getCACertCmd)
	rootCmd.AddCommand(getNextCACertCmd)
	rootCmd.AddCommand(enrollCmd)
	rootCmd.AddCommand(getCertCmd)
	rootCmd.AddCommand(getCRLCmd)

	// Responder
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(caCmd)
	rootCmd.AddCommand(auditCmd)
}
