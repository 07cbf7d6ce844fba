// Package dto holds the JSON bodies served next to the SCEP endpoint.
package dto

// APIError is the body of a JSON error response.
type APIError struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	// Status is "ok" or "degraded".
	Status string `json:"status"`

	// Version is the server version.
	Version string `json:"version"`

	// Path is where the SCEP endpoint is mounted.
	Path string `json:"path"`

	// CA is the subject of the issuing CA.
	CA string `json:"ca,omitempty"`

	// Capabilities lists what GetCACaps advertises.
	Capabilities []string `json:"capabilities,omitempty"`
}

// ReadyResponse represents the readiness check response.
type ReadyResponse struct {
	// Ready indicates if the server is ready to accept requests.
	Ready bool `json:"ready"`

	// Checks lists individual readiness checks.
	Checks map[string]bool `json:"checks,omitempty"`
}
