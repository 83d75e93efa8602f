// Package imagegen defines the contract between a prompt session and the
// service that turns prompts into images.
//
// The wire format is a small JSON exchange:
//
//	POST /api/generateImages
//	{"prompt": "a cat", "style": "retro", "userAPIKey": "", "iterativeMode": false}
//
//	200 OK
//	{"b64_json": "<base64 image>", "timings": {"inference": 120}}
//
// Any non-2xx response is a failed generation whose body text is the error
// message.
package imagegen

import (
	"context"
	"errors"
	"fmt"
)

// ErrRequestFailed is the single error kind for generations that did not
// produce an image. Use errors.Is to test for it; errors.As with *RequestError
// gives access to the status and message.
var ErrRequestFailed = errors.New("generation request failed")

// GenerateRequest is the body sent to the generation endpoint.
type GenerateRequest struct {
	Prompt        string `json:"prompt"`
	Style         string `json:"style"`
	UserAPIKey    string `json:"userAPIKey"`
	IterativeMode bool   `json:"iterativeMode"`
}

// Timings carries latency metadata reported with an image.
type Timings struct {
	// Inference is the time the backend spent producing the image, in milliseconds.
	Inference float64 `json:"inference"`
}

// ImageResult is a successfully generated image.
type ImageResult struct {
	B64JSON string  `json:"b64_json"`
	Timings Timings `json:"timings"`
}

// Generator produces one image per request.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (ImageResult, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req GenerateRequest) (ImageResult, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, req GenerateRequest) (ImageResult, error) {
	return f(ctx, req)
}

// RequestError describes a failed generation. Message is the text the
// generation service returned and is safe to show to the user.
type RequestError struct {
	StatusCode int
	Message    string
}

// NewRequestError returns a RequestError with the given status and message.
func NewRequestError(status int, message string) *RequestError {
	return &RequestError{StatusCode: status, Message: message}
}

func (e *RequestError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", ErrRequestFailed, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", ErrRequestFailed, e.StatusCode, e.Message)
}

// Is makes errors.Is(err, ErrRequestFailed) true for every RequestError.
func (e *RequestError) Is(target error) bool {
	return target == ErrRequestFailed
}

// Message extracts the user-facing message from err.
// RequestError messages are returned as-is; other errors use err.Error().
func Message(err error) string {
	var reqErr *RequestError
	if errors.As(err, &reqErr) && reqErr.Message != "" {
		return reqErr.Message
	}
	return err.Error()
}
