// Package transport carries SCEP operations over HTTP.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/net/http/httpproxy"

	"github.com/remiblancher/go-scep/pkg/scep"
)

const (
	// DefaultTimeout bounds one HTTP round trip.
	DefaultTimeout = 30 * time.Second

	// DefaultUserAgent is sent when Options.UserAgent is empty.
	DefaultUserAgent = "go-scep"

	// MaxResponseSize caps the body read from a responder.
	MaxResponseSize = 4 << 20
)

var bodyPool bytebufferpool.Pool

// Options configures an HTTPTransport.
type Options struct {
	Timeout time.Duration
	// Proxy is used for both http and https URLs. When empty the
	// HTTP_PROXY, HTTPS_PROXY and NO_PROXY variables apply.
	Proxy     string
	UserAgent string
	TLSConfig *tls.Config
	Logger    scep.Logger
}

// HTTPTransport implements scep.Transport against a responder URL.
// It is safe for concurrent use.
type HTTPTransport struct {
	url       *url.URL
	userAgent string
	logger    scep.Logger

	mu     sync.Mutex
	client *http.Client
}

// ValidateURL checks that raw is an absolute http or https URL without
// query or fragment.
func ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid SCEP URL: %w", err)
	}
	switch {
	case u.Scheme != "http" && u.Scheme != "https":
		return nil, fmt.Errorf("invalid SCEP URL %q: scheme must be http or https", raw)
	case u.Host == "":
		return nil, fmt.Errorf("invalid SCEP URL %q: missing host", raw)
	case u.RawQuery != "" || u.ForceQuery:
		return nil, fmt.Errorf("invalid SCEP URL %q: query not allowed", raw)
	case u.Fragment != "":
		return nil, fmt.Errorf("invalid SCEP URL %q: fragment not allowed", raw)
	}
	return u, nil
}

// New returns a transport for the responder at rawURL.
func New(rawURL string, opts Options) (*HTTPTransport, error) {
	u, err := ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}

	proxy, err := proxyFunc(opts.Proxy)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}

	base := http.DefaultTransport.(*http.Transport).Clone()
	base.Proxy = proxy
	if opts.TLSConfig != nil {
		base.TLSClientConfig = opts.TLSConfig
	}

	return &HTTPTransport{
		url:       u,
		userAgent: ua,
		logger:    opts.Logger,
		client:    &http.Client{Timeout: timeout, Transport: base},
	}, nil
}

// proxyFunc resolves proxies from an explicit URL or from the environment.
func proxyFunc(explicit string) (func(*http.Request) (*url.URL, error), error) {
	cfg := httpproxy.FromEnvironment()
	if explicit != "" {
		if _, err := url.Parse(explicit); err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		cfg = &httpproxy.Config{HTTPProxy: explicit, HTTPSProxy: explicit}
	}
	resolve := cfg.ProxyFunc()
	return func(r *http.Request) (*url.URL, error) {
		return resolve(r.URL)
	}, nil
}

// URL returns the responder URL.
func (t *HTTPTransport) URL() *url.URL { return t.url }

// SetClient replaces the underlying HTTP client.
func (t *HTTPTransport) SetClient(c *http.Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.client = c
}

func (t *HTTPTransport) httpClient() *http.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client
}

// Send implements scep.Transport. POST is only used for PKIOperation.
func (t *HTTPTransport) Send(ctx context.Context, req *scep.Request) (*scep.Response, error) {
	httpReq, err := t.newRequest(ctx, req)
	if err != nil {
		return nil, &scep.TransportError{Operation: req.Operation, Err: err}
	}

	if t.logger != nil {
		t.logger.Printf("scep: %s %s", httpReq.Method, httpReq.URL.Redacted())
	}
	resp, err := t.httpClient().Do(httpReq)
	if err != nil {
		return nil, &scep.TransportError{Operation: req.Operation, Err: err}
	}
	defer resp.Body.Close()

	buf := bodyPool.Get()
	defer bodyPool.Put(buf)
	if _, err := buf.ReadFrom(io.LimitReader(resp.Body, MaxResponseSize+1)); err != nil {
		return nil, &scep.TransportError{Operation: req.Operation, StatusCode: resp.StatusCode, Err: err}
	}
	if buf.Len() > MaxResponseSize {
		return nil, &scep.TransportError{Operation: req.Operation, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("response exceeds %d bytes", MaxResponseSize)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &scep.TransportError{
			Operation:  req.Operation,
			StatusCode: resp.StatusCode,
			Err:        errors.New(statusMessage(resp.StatusCode, buf.B)),
		}
	}

	return &scep.Response{
		Body:        append([]byte(nil), buf.B...),
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

func (t *HTTPTransport) newRequest(ctx context.Context, req *scep.Request) (*http.Request, error) {
	u := *t.url
	q := url.Values{}
	q.Set("operation", string(req.Operation))

	method := http.MethodGet
	var body io.Reader
	switch {
	case req.Operation == scep.OpPKIOperation && req.Method == scep.MethodPost:
		method = http.MethodPost
		body = bytes.NewReader(req.Message)
	case req.Operation == scep.OpPKIOperation:
		q.Set("message", base64.StdEncoding.EncodeToString(req.Message))
	case req.Identifier != "":
		q.Set("message", req.Identifier)
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("User-Agent", t.userAgent)
	if body != nil {
		httpReq.Header.Set("Content-Type", scep.ContentTypePKIMessage)
	}
	return httpReq, nil
}

func statusMessage(code int, body []byte) string {
	msg := http.StatusText(code)
	if len(body) > 0 && len(body) <= 256 && bytes.IndexFunc(body, func(r rune) bool { return r < 0x20 && r != '\n' }) < 0 {
		msg += ": " + string(bytes.TrimSpace(body))
	}
	return msg
}
