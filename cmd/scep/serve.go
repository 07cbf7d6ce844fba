package main

import (
	"github.com/spf13/cobra"

	"github.com/remiblancher/go-scep/internal/api/server"
)

// Serve command flags
var (
	servePort        int
	serveHost        string
	servePath        string
	serveCADir       string
	serveAutoApprove bool
	serveTLSCert     string
	serveTLSKey      string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the SCEP responder",
	Long: `Start a SCEP responder backed by the CA in --ca-dir.

Requests are held PENDING until approved with "scep ca approve", unless
--auto-approve is set.

Environment variables:
  SCEP_PORT           Listen port
  SCEP_CA_DIR         Path to CA directory
  SCEP_AUTO_APPROVE   Issue without approval (true/false)
  SCEP_CA_PASSPHRASE  Passphrase of the CA key

Examples:
  # Serve with manual approval
  scep serve --ca-dir ./ca

  # Serve with TLS on the conventional path
  scep serve --ca-dir ./ca --port 8443 --path /cgi-bin/pkiclient.exe \
      --tls-cert server.crt --tls-key server.key`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (default: 8080)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind to (default: all interfaces)")
	serveCmd.Flags().StringVar(&servePath, "path", "", "Path of the SCEP endpoint (default: /scep)")
	serveCmd.Flags().StringVar(&serveCADir, "ca-dir", "", "Path to CA directory")
	serveCmd.Flags().BoolVar(&serveAutoApprove, "auto-approve", false, "Issue certificates without operator approval")
	serveCmd.Flags().StringVar(&serveTLSCert, "tls-cert", "", "TLS certificate file")
	serveCmd.Flags().StringVar(&serveTLSKey, "tls-key", "", "TLS private key file")
}

// serverConfig merges the serve flags over the config file.
func serverConfig(cmd *cobra.Command) (*server.Config, error) {
	sc := cfg.Server
	if servePort != 0 {
		sc.Port = servePort
	}
	if serveHost != "" {
		sc.Host = serveHost
	}
	if servePath != "" {
		sc.Path = servePath
	}
	if serveCADir != "" {
		sc.CADir = serveCADir
	}
	if cmd.Flags().Changed("auto-approve") {
		sc.AutoApprove = serveAutoApprove
	}
	if serveTLSCert != "" {
		sc.TLS.Cert = serveTLSCert
	}
	if serveTLSKey != "" {
		sc.TLS.Key = serveTLSKey
	}
	return sc.Build()
}

func runServe(cmd *cobra.Command, args []string) error {
	sc, err := serverConfig(cmd)
	if err != nil {
		return err
	}
	srv, err := server.New(sc, version, logger)
	if err != nil {
		return err
	}
	return srv.Start()
}
