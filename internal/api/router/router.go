// Package router provides HTTP routing configuration using Chi.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/remiblancher/go-scep/internal/api/handler"
	"github.com/remiblancher/go-scep/internal/api/middleware"
)

// DefaultPath is where SCEP clients conventionally find the responder.
const DefaultPath = "/scep"

// Config holds router configuration.
type Config struct {
	Version string
	// Path is where the SCEP endpoint is mounted. Defaults to DefaultPath.
	Path string
	SCEP *handler.SCEPHandler
	// ReadyChecks are reported by /ready.
	ReadyChecks map[string]handler.ReadyCheck
}

// New creates a Chi router serving the SCEP endpoint and health probes.
func New(cfg *Config) http.Handler {
	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	healthHandler := handler.NewHealthHandler(cfg.Version, path, cfg.SCEP, cfg.ReadyChecks)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// The SCEP handler answers 405 itself so that Allow reflects the operation.
	r.Handle(path, cfg.SCEP)
	r.Handle(path+"/pkiclient.exe", cfg.SCEP)

	r.NotFound(handler.NotFound)

	return r
}
