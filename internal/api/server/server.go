package server

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/remiblancher/go-scep/internal/api/handler"
	"github.com/remiblancher/go-scep/internal/api/router"
	"github.com/remiblancher/go-scep/internal/ca"
	"github.com/remiblancher/go-scep/pkg/scep"
)

// Server is the SCEP responder backed by a file CA.
type Server struct {
	cfg     *Config
	version string
	ca      *ca.CA
	scep    *handler.SCEPHandler
	handler http.Handler
}

// New loads the CA from cfg.CADir and prepares the responder.
func New(cfg *Config, version string, logger scep.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}

	store := ca.NewStore(cfg.CADir)
	if !store.Exists() {
		return nil, fmt.Errorf("no CA found at %s", cfg.CADir)
	}
	authority, err := ca.Load(store, cfg.CAPassphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA: %w", err)
	}
	authority.SetAutoApprove(cfg.AutoApprove)
	if cfg.CertValidity > 0 {
		authority.SetCertValidity(cfg.CertValidity)
	}

	caps, err := cfg.ParseCapabilities()
	if err != nil {
		return nil, err
	}
	h, err := handler.NewSCEPHandler(handler.SCEPConfig{
		Backend:      authority,
		Certificates: []*x509.Certificate{authority.Certificate()},
		Signer:       authority.Certificate(),
		Key:          authority.Signer(),
		Capabilities: caps,
		Registry:     scep.NewNonceRegistry(cfg.NonceCapacity),
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, version: version, ca: authority, scep: h}
	s.handler = router.New(&router.Config{
		Version: version,
		Path:    cfg.Path,
		SCEP:    h,
		ReadyChecks: map[string]handler.ReadyCheck{
			"ca": s.caReady,
		},
	})
	return s, nil
}

// CA returns the certificate authority the responder issues from.
func (s *Server) CA() *ca.CA { return s.ca }

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) caReady() bool {
	_, err := s.ca.Store().LoadCACert()
	return err == nil
}

// Start serves until SIGINT or SIGTERM.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address(), err)
	}
	s.printStartupInfo(ln.Addr())
	return s.Serve(ctx, ln)
}

// Serve answers requests on ln until ctx is done, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		if s.cfg.TLSEnabled() {
			errChan <- srv.ServeTLS(ln, s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			errChan <- srv.Serve(ln)
		}
	}()

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		log.Printf("Shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	log.Println("Server stopped gracefully")
	return nil
}

// printStartupInfo prints server startup information.
func (s *Server) printStartupInfo(addr net.Addr) {
	scheme := "http"
	if s.cfg.TLSEnabled() {
		scheme = "https"
	}
	path := s.cfg.Path
	if path == "" {
		path = router.DefaultPath
	}

	fmt.Println()
	fmt.Println("SCEP Responder")
	fmt.Println("==============")
	fmt.Printf("  Version:  %s\n", s.version)
	fmt.Printf("  Address:  %s://%s\n", scheme, addr)
	fmt.Printf("  CA:       %s\n", s.ca.Certificate().Subject)
	fmt.Printf("  Approval: %s\n", map[bool]string{true: "automatic", false: "manual"}[s.cfg.AutoApprove])
	fmt.Println()
	fmt.Println("Endpoints:")
	fmt.Printf("  GET|POST %-22s - SCEP operations\n", path)
	fmt.Println("  GET      /health                 - Health check")
	fmt.Println("  GET      /ready                  - Readiness check")
	fmt.Println()
	fmt.Println("Use Ctrl+C to stop")
	fmt.Println()
}
