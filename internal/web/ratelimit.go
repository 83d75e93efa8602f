package web

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hurricanerix/blink/internal/imagegen"
	"github.com/hurricanerix/blink/internal/metrics"
)

const (
	// MaxInputEventsPerSecond limits prompt, style and selection updates per session.
	MaxInputEventsPerSecond = 30

	// InputEventBurst is the input event burst allowance.
	InputEventBurst = 60

	// NoRequestsLeftMessage is returned when the free tier is exhausted.
	NoRequestsLeftMessage = "No requests left. Add your own API key or try again in a minute."

	// cleanupInterval is how often to check for stale limiters
	cleanupInterval = 5 * time.Minute

	// maxLimiterAge is the maximum idle time before a limiter is dropped
	maxLimiterAge = 30 * time.Minute
)

type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// rateLimiter keeps one token bucket per key.
type rateLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

// newRateLimiter creates a limiter allowing limit events per second with
// the given burst. A zero limit allows everything.
func newRateLimiter(limit rate.Limit, burst int) *rateLimiter {
	return &rateLimiter{
		limit:   limit,
		burst:   burst,
		clients: make(map[string]*clientLimiter),
	}
}

// newPerMinuteLimiter allows n events per minute per key.
func newPerMinuteLimiter(n int) *rateLimiter {
	if n <= 0 {
		return newRateLimiter(0, 0)
	}
	return newRateLimiter(rate.Every(time.Minute/time.Duration(n)), n)
}

// allow reports whether key may proceed and consumes a token if so.
func (rl *rateLimiter) allow(key string) bool {
	if rl.limit == 0 {
		return true
	}

	rl.mu.Lock()
	c, ok := rl.clients[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[key] = c
	}
	c.lastAccess = time.Now()
	rl.mu.Unlock()

	return c.limiter.Allow()
}

// size returns the number of tracked keys.
func (rl *rateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// cleanupStale drops limiters idle for longer than maxAge.
func (rl *rateLimiter) cleanupStale(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for key, c := range rl.clients {
		if now.Sub(c.lastAccess) > maxAge {
			delete(rl.clients, key)
		}
	}
}

// startCleanup periodically drops stale limiters until ctx is cancelled.
func (rl *rateLimiter) startCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.cleanupStale(maxLimiterAge)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// freeTier wraps gen so requests without a user API key are limited under key.
func (rl *rateLimiter) freeTier(gen imagegen.Generator, key string) imagegen.Generator {
	return imagegen.GeneratorFunc(func(ctx context.Context, req imagegen.GenerateRequest) (imagegen.ImageResult, error) {
		if strings.TrimSpace(req.UserAPIKey) == "" && !rl.allow(key) {
			metrics.RateLimited.Inc()
			return imagegen.ImageResult{}, imagegen.NewRequestError(http.StatusTooManyRequests, NoRequestsLeftMessage)
		}
		return gen.Generate(ctx, req)
	})
}

// clientIP returns the address the free tier is keyed on. X-Forwarded-For
// is client-controlled, so its first entry is used only when trustProxy is
// set, meaning a reverse proxy in front of the server overwrites it.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if ip := strings.TrimSpace(strings.Split(fwd, ",")[0]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
