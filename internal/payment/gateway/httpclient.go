package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"storepay/internal/payment/domain"
)

const maxResponseBytes = 1 << 20

// HTTPClient sends provider API requests and classifies transport failures
// with TransportError. Status codes are left to the caller, which knows
// which ones carry a decline.
type HTTPClient struct {
	provider domain.ProviderType
	baseURL  string
	client   *http.Client
}

// NewHTTPClient creates a client for baseURL. The per-call deadline comes
// from the context; timeout only bounds calls made without one.
func NewHTTPClient(provider domain.ProviderType, baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		provider: provider,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the API root requests are sent to.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// HTTPResponse is a fully read provider response.
type HTTPResponse struct {
	Status int
	Body   []byte
}

// OK reports a 2xx status.
func (r *HTTPResponse) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// NewRequest builds a request for path relative to the base URL.
func (c *HTTPClient) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: building request: %v", ErrProviderRejected, c.provider, err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// Do sends req and reads the whole response body.
func (c *HTTPClient) Do(req *http.Request) (*HTTPResponse, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, TransportError(c.provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, TransportError(c.provider, err)
	}
	return &HTTPResponse{Status: resp.StatusCode, Body: body}, nil
}

// StatusError classifies r with StatusError.
func (c *HTTPClient) StatusError(r *HTTPResponse) error {
	return StatusError(c.provider, r.Status, r.Body)
}
