package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultEnv(t *testing.T) *Env {
	t.Helper()
	e, err := LoadEnv()
	require.NoError(t, err)
	return e
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := ParseWithEnv(nil, &bytes.Buffer{}, defaultEnv(t))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "https://api.together.xyz", cfg.TogetherURL)
	assert.Equal(t, "black-forest-labs/FLUX.1-schnell", cfg.Model)
	assert.Equal(t, 1024, cfg.Width)
	assert.Equal(t, 768, cfg.Height)
	assert.Equal(t, 3, cfg.Steps)
	assert.Equal(t, int64(123), cfg.ConsistencySeed)
	assert.Equal(t, 100*time.Millisecond, cfg.Debounce)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 10, cfg.FreePerMinute)
	assert.False(t, cfg.TrustProxy)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.GenerateURL)
	assert.Empty(t, cfg.RedisURL)
	assert.Equal(t, "localhost:8080", cfg.Addr())
}

func TestParse_EnvironmentDefaults(t *testing.T) {
	t.Setenv("BLINK_PORT", "3000")
	t.Setenv("BLINK_DEBOUNCE", "250ms")
	t.Setenv("BLINK_REDIS_URL", "redis://localhost:6379/1")
	t.Setenv("TOGETHER_API_KEY", "server-key")

	cfg, err := Parse(nil, &bytes.Buffer{})
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Debounce)
	assert.Equal(t, "redis://localhost:6379/1", cfg.RedisURL)
	assert.Equal(t, "server-key", cfg.TogetherAPIKey)
}

func TestParse_TrustProxy(t *testing.T) {
	cfg, err := ParseWithEnv([]string{"--trust-proxy"}, &bytes.Buffer{}, defaultEnv(t))
	require.NoError(t, err)
	assert.True(t, cfg.TrustProxy)

	t.Setenv("BLINK_TRUST_PROXY", "true")
	cfg, err = Parse(nil, &bytes.Buffer{})
	require.NoError(t, err)
	assert.True(t, cfg.TrustProxy)
}

func TestParse_FlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("BLINK_PORT", "3000")

	cfg, err := Parse([]string{"--port", "4000", "--log-level", "debug"}, &bytes.Buffer{})
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr error
	}{
		{"port too low", []string{"--port", "80"}, ErrInvalidPort},
		{"port too high", []string{"--port", "70000"}, ErrInvalidPort},
		{"steps zero", []string{"--steps", "0"}, ErrInvalidSteps},
		{"steps too high", []string{"--steps", "51"}, ErrInvalidSteps},
		{"width not multiple", []string{"--width", "1000"}, ErrInvalidWidth},
		{"height too small", []string{"--height", "32"}, ErrInvalidHeight},
		{"negative debounce", []string{"--debounce", "-1ms"}, ErrInvalidDebounce},
		{"debounce too long", []string{"--debounce", "10s"}, ErrInvalidDebounce},
		{"zero timeout", []string{"--request-timeout", "0s"}, ErrInvalidTimeout},
		{"negative free rate", []string{"--free-per-minute", "-1"}, ErrInvalidRateLimit},
		{"bad together scheme", []string{"--together-url", "ftp://example.com"}, ErrInvalidURL},
		{"generate url without host", []string{"--generate-url", "http://"}, ErrInvalidURL},
		{"bad log level", []string{"--log-level", "trace"}, ErrInvalidLogLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseWithEnv(tt.args, &bytes.Buffer{}, defaultEnv(t))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParse_HelpAndVersion(t *testing.T) {
	var out bytes.Buffer
	_, err := ParseWithEnv([]string{"--help"}, &out, defaultEnv(t))
	assert.ErrorIs(t, err, ErrShowHelp)
	assert.Contains(t, out.String(), "USAGE:")

	out.Reset()
	_, err = ParseWithEnv([]string{"--version"}, &out, defaultEnv(t))
	assert.ErrorIs(t, err, ErrShowVersion)
	assert.Equal(t, "blink "+Version+"\n", out.String())
}

func TestParse_UnknownFlag(t *testing.T) {
	_, err := ParseWithEnv([]string{"--nope"}, &bytes.Buffer{}, defaultEnv(t))
	assert.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("BLINK_STEPS=7\n"), 0o600))

	// Registers cleanup so the variable does not leak into other tests.
	t.Setenv("BLINK_STEPS", "")
	require.NoError(t, os.Unsetenv("BLINK_STEPS"))

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), path))

	e, err := LoadEnv()
	require.NoError(t, err)
	assert.Equal(t, 7, e.Steps)
}
