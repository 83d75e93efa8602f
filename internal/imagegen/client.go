package imagegen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultTimeout bounds a single generation round trip.
const DefaultTimeout = 30 * time.Second

// HTTPClient sends generation requests to a remote /api/generateImages endpoint.
type HTTPClient struct {
	endpoint string
	http     *resty.Client
}

var _ Generator = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the given endpoint URL.
// A zero timeout uses DefaultTimeout.
func NewHTTPClient(endpoint string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{
		endpoint: endpoint,
		http: resty.New().
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json"),
	}
}

// Endpoint returns the configured endpoint URL.
func (c *HTTPClient) Endpoint() string {
	return c.endpoint
}

// Generate posts req and decodes the image result.
// Non-2xx responses become a *RequestError carrying the response body text.
func (c *HTTPClient) Generate(ctx context.Context, req GenerateRequest) (ImageResult, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		Post(c.endpoint)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ImageResult{}, err
		}
		return ImageResult{}, NewRequestError(http.StatusBadGateway, fmt.Sprintf("generation service unreachable: %v", err))
	}

	if !resp.IsSuccess() {
		return ImageResult{}, NewRequestError(resp.StatusCode(), strings.TrimSpace(resp.String()))
	}

	var out ImageResult
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return ImageResult{}, NewRequestError(http.StatusBadGateway, fmt.Sprintf("invalid generation response: %v", err))
	}
	if out.B64JSON == "" {
		return ImageResult{}, NewRequestError(http.StatusBadGateway, "generation response has no image")
	}
	return out, nil
}
