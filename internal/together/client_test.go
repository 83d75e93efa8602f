package together

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurricanerix/blink/internal/imagegen"
)

func newTestServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, body generationRequest)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body generationRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		handler(w, r, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Generate(t *testing.T) {
	var got generationRequest
	var auth string
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request, body generationRequest) {
		assert.Equal(t, generationsPath, r.URL.Path)
		auth = r.Header.Get("Authorization")
		got = body
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"index":0,"b64_json":"AAAA"}]}`))
	})

	c := New(Options{BaseURL: srv.URL, APIKey: "server-key"})
	res, err := c.Generate(context.Background(), imagegen.GenerateRequest{Prompt: "a cat", Style: "retro"})
	require.NoError(t, err)

	assert.Equal(t, "AAAA", res.B64JSON)
	assert.GreaterOrEqual(t, res.Timings.Inference, float64(0))
	assert.Equal(t, "Bearer server-key", auth)
	assert.Equal(t, DefaultModel, got.Model)
	assert.Equal(t, 1024, got.Width)
	assert.Equal(t, 768, got.Height)
	assert.Equal(t, 3, got.Steps)
	assert.Equal(t, 1, got.N)
	assert.Equal(t, "base64", got.ResponseFormat)
	assert.Nil(t, got.Seed)
	assert.Contains(t, got.Prompt, "a cat. ")
	assert.NotEqual(t, "a cat", got.Prompt, "style modifier should be applied")
}

func TestClient_NoStyleKeepsPrompt(t *testing.T) {
	var got generationRequest
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request, body generationRequest) {
		got = body
		_, _ = w.Write([]byte(`{"data":[{"b64_json":"AAAA"}]}`))
	})

	_, err := New(Options{BaseURL: srv.URL, APIKey: "k"}).Generate(context.Background(), imagegen.GenerateRequest{Prompt: "a cat"})
	require.NoError(t, err)
	assert.Equal(t, "a cat", got.Prompt)
}

func TestClient_ConsistencyModePinsSeed(t *testing.T) {
	var got generationRequest
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request, body generationRequest) {
		got = body
		_, _ = w.Write([]byte(`{"data":[{"b64_json":"AAAA"}]}`))
	})

	_, err := New(Options{BaseURL: srv.URL, APIKey: "k", ConsistencySeed: 42}).
		Generate(context.Background(), imagegen.GenerateRequest{Prompt: "a cat", IterativeMode: true})
	require.NoError(t, err)
	require.NotNil(t, got.Seed)
	assert.Equal(t, int64(42), *got.Seed)
}

func TestClient_UserKeyOverridesServerKey(t *testing.T) {
	var auth string
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request, body generationRequest) {
		auth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"data":[{"b64_json":"AAAA"}]}`))
	})

	_, err := New(Options{BaseURL: srv.URL, APIKey: "server-key"}).
		Generate(context.Background(), imagegen.GenerateRequest{Prompt: "x", UserAPIKey: " user-key "})
	require.NoError(t, err)
	assert.Equal(t, "Bearer user-key", auth)
}

func TestClient_MissingKey(t *testing.T) {
	var calls int32
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request, body generationRequest) {
		atomic.AddInt32(&calls, 1)
	})

	_, err := New(Options{BaseURL: srv.URL}).Generate(context.Background(), imagegen.GenerateRequest{Prompt: "x"})
	var reqErr *imagegen.RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, http.StatusUnauthorized, reqErr.StatusCode)
	assert.Equal(t, MissingAPIKeyMessage, reqErr.Message)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestClient_ErrorResponses(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantStatus  int
		wantMessage string
	}{
		{"api error message", http.StatusBadRequest, `{"error":{"message":"prompt rejected","type":"invalid_request_error"}}`, http.StatusBadRequest, "prompt rejected"},
		{"plain text body", http.StatusTooManyRequests, "slow down", http.StatusTooManyRequests, "slow down"},
		{"empty data", http.StatusOK, `{"data":[]}`, http.StatusBadGateway, "image service returned no image"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request, body generationRequest) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := New(Options{BaseURL: srv.URL, APIKey: "k"}).Generate(context.Background(), imagegen.GenerateRequest{Prompt: "x"})
			assert.ErrorIs(t, err, imagegen.ErrRequestFailed)
			var reqErr *imagegen.RequestError
			require.True(t, errors.As(err, &reqErr))
			assert.Equal(t, tt.wantStatus, reqErr.StatusCode)
			assert.Equal(t, tt.wantMessage, reqErr.Message)
		})
	}
}

func TestClient_BreakerOpensOnServerErrors(t *testing.T) {
	var calls int32
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request, body generationRequest) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("down"))
	})

	c := New(Options{BaseURL: srv.URL, APIKey: "k", Timeout: time.Second})
	for i := 0; i < 5; i++ {
		_, err := c.Generate(context.Background(), imagegen.GenerateRequest{Prompt: "x"})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, c.BreakerState())

	_, err := c.Generate(context.Background(), imagegen.GenerateRequest{Prompt: "x"})
	var reqErr *imagegen.RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, http.StatusServiceUnavailable, reqErr.StatusCode)
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
}

func TestClient_ClientErrorsDoNotTripBreaker(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request, body generationRequest) {
		w.WriteHeader(http.StatusBadRequest)
	})

	c := New(Options{BaseURL: srv.URL, APIKey: "k"})
	for i := 0; i < 10; i++ {
		_, _ = c.Generate(context.Background(), imagegen.GenerateRequest{Prompt: "x"})
	}
	assert.Equal(t, gobreaker.StateClosed, c.BreakerState())
}

func TestCountsAsSuccess(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, true},
		{"canceled", context.Canceled, true},
		{"client error", imagegen.NewRequestError(http.StatusBadRequest, "bad"), true},
		{"server error", imagegen.NewRequestError(http.StatusBadGateway, "bad"), false},
		{"deadline", context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, countsAsSuccess(tt.err))
		})
	}
}
