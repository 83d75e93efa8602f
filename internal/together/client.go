// Package together generates images with the Together AI images API.
package together

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"github.com/hurricanerix/blink/internal/imagegen"
	"github.com/hurricanerix/blink/internal/logging"
	"github.com/hurricanerix/blink/internal/style"
)

const (
	// DefaultBaseURL is the public Together API.
	DefaultBaseURL = "https://api.together.xyz"
	// DefaultModel is a fast FLUX model suited to per-keystroke generation.
	DefaultModel = "black-forest-labs/FLUX.1-schnell"

	generationsPath = "/v1/images/generations"
)

// MissingAPIKeyMessage is the error text returned when neither the request nor the
// server supplies a key.
const MissingAPIKeyMessage = "missing API key: add your Together API key"

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	BaseURL         string
	APIKey          string
	Model           string
	Width           int
	Height          int
	Steps           int
	ConsistencySeed int64
	Timeout         time.Duration
	Styles          *style.Catalog
	Logger          *logging.Logger
}

// Client implements imagegen.Generator against Together AI.
type Client struct {
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker
	styles  *style.Catalog
	logger  *logging.Logger

	apiKey string
	model  string
	width  int
	height int
	steps  int
	seed   int64
}

var _ imagegen.Generator = (*Client)(nil)

type generationRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	Steps          int    `json:"steps"`
	N              int    `json:"n"`
	ResponseFormat string `json:"response_format"`
	Seed           *int64 `json:"seed,omitempty"`
}

type generationResponse struct {
	Data  []generationData `json:"data"`
	Error *apiError        `json:"error,omitempty"`
}

type generationData struct {
	Index   int    `json:"index"`
	B64JSON string `json:"b64_json"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// New creates a Together client.
func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Width <= 0 {
		opts.Width = 1024
	}
	if opts.Height <= 0 {
		opts.Height = 768
	}
	if opts.Steps <= 0 {
		opts.Steps = 3
	}
	if opts.ConsistencySeed == 0 {
		opts.ConsistencySeed = 123
	}
	if opts.Timeout <= 0 {
		opts.Timeout = imagegen.DefaultTimeout
	}
	if opts.Styles == nil {
		opts.Styles = style.Builtin()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}

	c := &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
			SetTimeout(opts.Timeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json"),
		styles: opts.Styles,
		logger: opts.Logger,
		apiKey: strings.TrimSpace(opts.APIKey),
		model:  opts.Model,
		width:  opts.Width,
		height: opts.Height,
		steps:  opts.Steps,
		seed:   opts.ConsistencySeed,
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "together",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: countsAsSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker %s: %s -> %s", name, from, to)
		},
	})
	return c
}

// countsAsSuccess reports whether err counts as a success for the breaker.
// Only transport failures and 5xx responses count against the service.
func countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var reqErr *imagegen.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode < http.StatusInternalServerError
	}
	return false
}

// BreakerState returns the circuit breaker state.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// Generate produces one image for req.
func (c *Client) Generate(ctx context.Context, req imagegen.GenerateRequest) (imagegen.ImageResult, error) {
	key := strings.TrimSpace(req.UserAPIKey)
	if key == "" {
		key = c.apiKey
	}
	if key == "" {
		return imagegen.ImageResult{}, imagegen.NewRequestError(http.StatusUnauthorized, MissingAPIKeyMessage)
	}

	body := generationRequest{
		Model:          c.model,
		Prompt:         c.styles.Apply(req.Prompt, req.Style),
		Width:          c.width,
		Height:         c.height,
		Steps:          c.steps,
		N:              1,
		ResponseFormat: "base64",
	}
	if req.IterativeMode {
		seed := c.seed
		body.Seed = &seed
	}

	c.logger.Debug("together generate: model=%s style=%q iterative=%t", c.model, req.Style, req.IterativeMode)

	start := time.Now()
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.call(ctx, key, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return imagegen.ImageResult{}, imagegen.NewRequestError(http.StatusServiceUnavailable, "image service temporarily unavailable")
		}
		return imagegen.ImageResult{}, err
	}
	elapsed := time.Since(start)
	c.logger.Debug("together generate: done in %s", elapsed)

	return imagegen.ImageResult{
		B64JSON: out.(string),
		Timings: imagegen.Timings{Inference: float64(elapsed.Milliseconds())},
	}, nil
}

func (c *Client) call(ctx context.Context, key string, body generationRequest) (string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(key).
		SetBody(body).
		Post(generationsPath)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", imagegen.NewRequestError(http.StatusBadGateway, fmt.Sprintf("image service unreachable: %v", err))
	}

	var parsed generationResponse
	jsonErr := json.Unmarshal(resp.Body(), &parsed)

	if !resp.IsSuccess() {
		msg := strings.TrimSpace(resp.String())
		if jsonErr == nil && parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		return "", imagegen.NewRequestError(resp.StatusCode(), msg)
	}
	if jsonErr != nil {
		return "", imagegen.NewRequestError(http.StatusBadGateway, fmt.Sprintf("invalid image service response: %v", jsonErr))
	}
	if len(parsed.Data) == 0 || parsed.Data[0].B64JSON == "" {
		return "", imagegen.NewRequestError(http.StatusBadGateway, "image service returned no image")
	}
	return parsed.Data[0].B64JSON, nil
}
