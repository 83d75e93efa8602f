package imagegen

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// tinyPNG is a 1x1 PNG.
var tinyPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0d, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

// TestImageB64 is a base64 PNG that DecodeImage accepts.
var TestImageB64 = base64.StdEncoding.EncodeToString(tinyPNG)

// MockGenerator is a Generator for tests. By default every request succeeds
// with TestImageB64 and an inference time of 100ms.
type MockGenerator struct {
	// Delay is applied before each response.
	Delay time.Duration
	// Gate, when non-nil, blocks each call until a value is received or the
	// context ends.
	Gate chan struct{}
	// Respond overrides the default response.
	Respond func(req GenerateRequest) (ImageResult, error)

	mu    sync.Mutex
	calls []GenerateRequest
}

var _ Generator = (*MockGenerator)(nil)

// NewMockGenerator creates a mock that always succeeds.
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{}
}

// Generate records the call and returns the scripted response.
func (m *MockGenerator) Generate(ctx context.Context, req GenerateRequest) (ImageResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	respond := m.Respond
	m.mu.Unlock()

	if m.Gate != nil {
		select {
		case <-m.Gate:
		case <-ctx.Done():
			return ImageResult{}, ctx.Err()
		}
	}

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return ImageResult{}, ctx.Err()
		}
	}

	if respond != nil {
		return respond(req)
	}
	return ImageResult{B64JSON: TestImageB64, Timings: Timings{Inference: 100}}, nil
}

// Calls returns a copy of every request received so far.
func (m *MockGenerator) Calls() []GenerateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]GenerateRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of requests received so far.
func (m *MockGenerator) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// FailWith makes every subsequent call fail with a RequestError.
func (m *MockGenerator) FailWith(status int, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Respond = func(GenerateRequest) (ImageResult, error) {
		return ImageResult{}, NewRequestError(status, message)
	}
}

// SucceedWith makes every subsequent call succeed with the given inference time.
func (m *MockGenerator) SucceedWith(inference float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Respond = func(GenerateRequest) (ImageResult, error) {
		return ImageResult{B64JSON: TestImageB64, Timings: Timings{Inference: inference}}, nil
	}
}

func (m *MockGenerator) String() string {
	return fmt.Sprintf("MockGenerator(%d calls)", m.CallCount())
}
