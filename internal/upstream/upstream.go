// Package upstream dispatches translated requests to LLM providers over HTTP.
//
// The client never buffers response bodies: the body is handed to the caller
// as an io.ReadCloser so streaming responses can be piped through to the
// client byte for byte. Provider credentials and base URLs come from a
// read-only Registry built at startup.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// ProviderConfig holds the credentials for one upstream provider. Absence of
// a provider in the registry is a valid state, not an error.
type ProviderConfig struct {
	APIKey  string
	BaseURL string
}

// Registry maps provider names to their configuration. Built once at startup
// and read-only afterwards.
type Registry struct {
	providers map[string]ProviderConfig
	order     []string
}

// NewRegistry builds a Registry. order is the preference order used by Pick;
// providers with an empty API key are treated as unconfigured.
func NewRegistry(providers map[string]ProviderConfig, order []string) *Registry {
	cp := make(map[string]ProviderConfig, len(providers))
	for name, cfg := range providers {
		if cfg.APIKey == "" {
			continue
		}
		cp[name] = cfg
	}
	return &Registry{providers: cp, order: order}
}

// Lookup returns the configuration for a named provider.
func (r *Registry) Lookup(name string) (ProviderConfig, bool) {
	cfg, ok := r.providers[name]
	return cfg, ok
}

// Pick returns the first configured provider in preference order. ok is false
// when no provider is configured at all.
func (r *Registry) Pick() (name string, cfg ProviderConfig, ok bool) {
	for _, n := range r.order {
		if c, found := r.providers[n]; found {
			return n, c, true
		}
	}
	return "", ProviderConfig{}, false
}

// Request is one dispatch to a provider. Body is the already-encoded JSON
// payload in the provider's wire protocol.
type Request struct {
	Provider ProviderConfig
	Path     string
	Body     []byte
	Stream   bool
}

// Response is the raw upstream response. Body must be closed by the caller;
// for streaming requests it is the live connection.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// ContentType returns the response Content-Type header.
func (r *Response) ContentType() string {
	return r.Header.Get("Content-Type")
}

// ErrTimeout reports that the upstream did not respond within the configured
// request timeout.
var ErrTimeout = errors.New("upstream: request timed out")

// ErrUnreachable reports a transport-level failure before any HTTP status was
// received.
var ErrUnreachable = errors.New("upstream: provider unreachable")

// Dispatcher is the narrow dispatch seam between the gateway handlers and the
// network. Production uses Client; tests substitute a double.
type Dispatcher interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// DefaultTimeout bounds a single upstream dispatch when no timeout is
// configured.
const DefaultTimeout = 120 * time.Second

// Client is the production Dispatcher on net/http.
type Client struct {
	http    *http.Client
	timeout time.Duration
}

// NewClient creates a Client. A timeout ≤ 0 uses DefaultTimeout. The timeout
// covers time to response headers; streaming bodies may be read for longer.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	return &Client{
		// No http.Client.Timeout: it would cut off long-lived streaming
		// bodies. Per-request deadlines come from the context instead.
		http:    &http.Client{Transport: transport},
		timeout: timeout,
	}
}

// Do implements Dispatcher.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if !req.Stream {
		// Safe to cancel on return: the body is fully read below.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	url := strings.TrimRight(req.Provider.BaseURL, "/") + req.Path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.Provider.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrTimeout
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	body := resp.Body
	if !req.Stream {
		// Read-all here is fine: non-streaming responses are a single JSON
		// document bounded by the provider's max_tokens.
		data, readErr := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("upstream: read body: %w", readErr)
		}
		body = io.NopCloser(bytes.NewReader(data))
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}
