package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultTimeout bounds a single candidate request
	DefaultTimeout = 8 * time.Second
	// DefaultMaxDocumentBytes caps an autoconfig response body
	DefaultMaxDocumentBytes int64 = 1 << 20

	maxRedirects = 5
	userAgent    = "mail-oauth-autoconfig/1.0"
)

var (
	// ErrUnexpectedStatus is returned for non-2xx responses
	ErrUnexpectedStatus = errors.New("unexpected HTTP status")
	// ErrDocumentTooLarge is returned when a body exceeds the configured cap
	ErrDocumentTooLarge = errors.New("document exceeds size limit")
	// ErrInsecureRedirect is returned when an https request is redirected to http
	ErrInsecureRedirect = errors.New("redirect downgrades from https")
)

// Getter is the network fetch primitive: one GET returning the body text
type Getter interface {
	Get(ctx context.Context, url string) (string, error)
}

// HTTPGetter fetches documents over net/http with a timeout and a body cap
type HTTPGetter struct {
	client   *http.Client
	maxBytes int64
}

// GetterOption configures an HTTPGetter
type GetterOption func(*HTTPGetter)

// WithTransport sets the round tripper used for requests
func WithTransport(rt http.RoundTripper) GetterOption {
	return func(g *HTTPGetter) { g.client.Transport = rt }
}

// NewHTTPGetter creates a getter. Non-positive arguments select the defaults.
func NewHTTPGetter(timeout time.Duration, maxBytes int64, opts ...GetterOption) *HTTPGetter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxDocumentBytes
	}
	g := &HTTPGetter{
		client: &http.Client{
			Timeout:       timeout,
			CheckRedirect: checkRedirect,
		},
		maxBytes: maxBytes,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if via[0].URL.Scheme == "https" && req.URL.Scheme != "https" {
		return ErrInsecureRedirect
	}
	return nil
}

// Get implements Getter
func (g *HTTPGetter) Get(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Accept", "application/xml, text/xml;q=0.9, */*;q=0.1")
	req.Header.Set("User-Agent", userAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, g.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to read body: %w", err)
	}
	if int64(len(body)) > g.maxBytes {
		return "", fmt.Errorf("%w: more than %d bytes", ErrDocumentTooLarge, g.maxBytes)
	}
	return string(body), nil
}
