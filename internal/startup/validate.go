// Package startup provides startup validation and initialization for blink.
//
// It builds the application components from a config.Config and checks that
// an optional remote generation service is reachable before the server
// starts accepting requests.
package startup

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/hurricanerix/blink/internal/config"
	"github.com/hurricanerix/blink/internal/logging"
)

// ErrGeneratorUnreachable is returned when the remote generation service
// does not answer its health check.
var ErrGeneratorUnreachable = errors.New("generation service not reachable")

const (
	// healthTimeout is the timeout for the remote health check
	healthTimeout = 5 * time.Second

	// healthPath is requested from the remote generation service
	healthPath = "/healthz"
)

// ValidateGenerator checks that the remote generation service behind
// generateURL is up by requesting its health endpoint.
// Returns nil if the service answers with a 2xx status.
func ValidateGenerator(ctx context.Context, generateURL string) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	parsedURL, err := url.Parse(generateURL)
	if err != nil {
		return fmt.Errorf("%w: invalid URL: %v", ErrGeneratorUnreachable, err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("%w: URL must use http or https scheme, got: %s", ErrGeneratorUnreachable, parsedURL.Scheme)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("%w: URL must have a host", ErrGeneratorUnreachable)
	}

	// Only the host is kept from the configured URL.
	parsedURL.Path = healthPath
	parsedURL.RawQuery = ""
	parsedURL.Fragment = ""
	healthURL := parsedURL.String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return fmt.Errorf("%w at %s: failed to create request: %v", ErrGeneratorUnreachable, healthURL, err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		var netErr *net.OpError
		if errors.As(err, &netErr) && errors.Is(netErr.Err, syscall.ECONNREFUSED) {
			return fmt.Errorf("%w at %s: connection refused", ErrGeneratorUnreachable, healthURL)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w at %s: connection timeout", ErrGeneratorUnreachable, healthURL)
		}
		return fmt.Errorf("%w at %s: %v", ErrGeneratorUnreachable, healthURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("%w at %s: unexpected status code %d", ErrGeneratorUnreachable, healthURL, resp.StatusCode)
}

// Validate runs the startup checks that apply to cfg. Missing server-side
// credentials only produce a warning since users can supply their own key.
func Validate(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	if cfg.GenerateURL != "" {
		if err := ValidateGenerator(ctx, cfg.GenerateURL); err != nil {
			return err
		}
		logger.Info("Connected to generation service at %s", cfg.GenerateURL)
		return nil
	}

	if cfg.TogetherAPIKey == "" {
		logger.Warn("No server-side Together API key configured; users must supply their own")
	}
	return nil
}
