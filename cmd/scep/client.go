package main

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/remiblancher/go-scep/internal/pemutil"
	"github.com/remiblancher/go-scep/pkg/client"
	"github.com/remiblancher/go-scep/pkg/scep"
)

// Client flags, shared by every client command. They override the config
// file.
var (
	clientURL         string
	clientProfile     string
	clientFingerprint string
	clientCACert      string
	clientInsecure    bool
	clientProxy       string
	clientTimeout     time.Duration
)

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&clientURL, "url", "", "SCEP responder URL (or SCEP_URL)")
	cmd.Flags().StringVar(&clientProfile, "profile", "", "CA identifier (or SCEP_PROFILE)")
	cmd.Flags().StringVar(&clientFingerprint, "ca-fingerprint", "", "Expected SHA-256 fingerprint of the CA certificate")
	cmd.Flags().StringVar(&clientCACert, "ca-cert", "", "PEM roots the CA certificate must chain to")
	cmd.Flags().BoolVar(&clientInsecure, "insecure", false, "Trust any CA certificate")
	cmd.Flags().StringVar(&clientProxy, "proxy", "", "HTTP proxy URL (or SCEP_PROXY)")
	cmd.Flags().DurationVar(&clientTimeout, "timeout", 0, "HTTP timeout")
}

// Identity flags, shared by the PKIOperation commands.
var (
	identityKey        string
	identityCert       string
	identityPassphrase string
)

func addIdentityFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&identityKey, "key", "", "Requester private key (PEM)")
	cmd.Flags().StringVar(&identityCert, "cert", "", "Requester certificate; a self-signed one is made when empty")
	cmd.Flags().StringVar(&identityPassphrase, "key-passphrase", "", "Passphrase of the requester key")
}

// newClient builds a client from the config file and the client flags.
func newClient() (*client.Client, error) {
	cc := cfg.Client
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&cc.URL, clientURL)
	override(&cc.Profile, clientProfile)
	override(&cc.CAFingerprint, clientFingerprint)
	override(&cc.CACert, clientCACert)
	override(&cc.Proxy, clientProxy)
	if clientInsecure {
		cc.Insecure = true
	}
	if clientTimeout > 0 {
		cc.Timeout = clientTimeout
	}

	if err := cc.Validate(); err != nil {
		return nil, err
	}
	options, err := cc.Build(logger)
	if err != nil {
		return nil, err
	}
	return client.New(options)
}

// loadIdentity returns the signing key and certificate of PKIOperation
// requests. Without a certificate a self-signed one is derived for subject.
func loadIdentity(subject pkix.Name) (crypto.Signer, *x509.Certificate, error) {
	keyPath, certPath := identityKey, identityCert
	if keyPath == "" {
		keyPath, certPath = cfg.Client.Identity.Key, cfg.Client.Identity.Cert
	}
	if keyPath == "" {
		return nil, nil, errors.New("--key is required")
	}
	passphrase := []byte(identityPassphrase)
	if len(passphrase) == 0 {
		passphrase = cfg.Client.KeyPassphrase()
	}

	key, err := pemutil.ReadPrivateKey(keyPath, passphrase)
	if err != nil {
		return nil, nil, err
	}
	if certPath != "" {
		cert, err := pemutil.ReadCertificate(certPath)
		if err != nil {
			return nil, nil, err
		}
		return key, cert, nil
	}
	cert, err := scep.SelfSignedIdentity(key, subject)
	if err != nil {
		return nil, nil, err
	}
	return key, cert, nil
}

// loadOrGenerateKey reads path, or creates an RSA key there when it does
// not exist yet.
func loadOrGenerateKey(path string, bits int, passphrase []byte) (crypto.Signer, bool, error) {
	if _, err := os.Stat(path); err == nil {
		key, err := pemutil.ReadPrivateKey(path, passphrase)
		return key, false, err
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, false, fmt.Errorf("failed to generate key: %w", err)
	}
	data, err := pemutil.EncodePrivateKey(key, passphrase)
	if err != nil {
		return nil, false, err
	}
	if err := pemutil.WriteFile(path, data, 0600); err != nil {
		return nil, false, err
	}
	return key, true, nil
}

func parseSerial(s string) (*big.Int, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.ReplaceAll(s, ":", "")), "0x")
	serial, ok := new(big.Int).SetString(s, 16)
	if !ok || serial.Sign() <= 0 {
		return nil, fmt.Errorf("invalid serial number %q (hex expected)", s)
	}
	return serial, nil
}

// printCertificates writes one table row per certificate.
func printCertificates(w io.Writer, certs []*x509.Certificate) error {
	table := tablewriter.NewWriter(w)
	table.Header("Subject", "Serial", "Not After", "Usage", "SHA-256")
	for _, c := range certs {
		if err := table.Append([]string{
			c.Subject.String(),
			fmt.Sprintf("%x", c.SerialNumber),
			c.NotAfter.UTC().Format(time.RFC3339),
			usageOf(c),
			client.Fingerprint(c),
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

func usageOf(c *x509.Certificate) string {
	var usage []string
	if c.IsCA {
		usage = append(usage, "CA")
	}
	if c.KeyUsage&x509.KeyUsageDigitalSignature != 0 {
		usage = append(usage, "sign")
	}
	if c.KeyUsage&x509.KeyUsageKeyEncipherment != 0 {
		usage = append(usage, "encrypt")
	}
	if len(usage) == 0 {
		return "-"
	}
	return strings.Join(usage, ",")
}

// writeOrPrint writes data to path, or to w when path is empty.
func writeOrPrint(w io.Writer, path string, data []byte) error {
	if path == "" {
		_, err := w.Write(data)
		return err
	}
	return pemutil.WriteFile(path, data, 0644)
}
