package session

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/hurricanerix/blink/internal/logging"
	"github.com/hurricanerix/blink/internal/metrics"
)

const (
	// InactivityTimeout is how long a session can be inactive before cleanup.
	InactivityTimeout = 24 * time.Hour

	// CleanupInterval is how often to run cleanup.
	CleanupInterval = 1 * time.Hour

	// MaxSessions is the maximum number of sessions before LRU eviction.
	MaxSessions = 1000

	restoreTimeout = 5 * time.Second
)

// Factory creates the session for a new session ID.
type Factory func(id string) *Session

// ManagerOptions configures a SessionManager. Zero values use the defaults
// above.
type ManagerOptions struct {
	MaxSessions       int
	InactivityTimeout time.Duration
	CleanupInterval   time.Duration
	Logger            *logging.Logger
}

// SessionManager provides thread-safe management of prompt sessions keyed by
// session ID.
//
// At most MaxSessions sessions are kept; adding one more evicts the least
// recently used. A background goroutine removes sessions that have been
// inactive for longer than InactivityTimeout. Removed sessions are closed,
// which cancels their in-flight requests and drops their images.
type SessionManager struct {
	factory Factory
	logger  *logging.Logger
	timeout time.Duration

	mu       sync.Mutex
	sessions *lru.Cache
	// restoring holds a channel per session whose history is still loading.
	// It is closed once the session is ready for input.
	restoring map[string]chan struct{}

	closing       sync.WaitGroup
	cancelCleanup context.CancelFunc
	cleanupDone   chan struct{}
}

// NewSessionManager creates a manager and starts its cleanup goroutine.
func NewSessionManager(factory Factory, opts ManagerOptions) (*SessionManager, error) {
	if factory == nil {
		return nil, errors.New("session factory is required")
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = MaxSessions
	}
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = InactivityTimeout
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = CleanupInterval
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}

	sm := &SessionManager{
		factory:     factory,
		logger:      opts.Logger,
		timeout:     opts.InactivityTimeout,
		restoring:   make(map[string]chan struct{}),
		cleanupDone: make(chan struct{}),
	}

	cache, err := lru.NewWithEvict(opts.MaxSessions, sm.onEvict)
	if err != nil {
		return nil, err
	}
	sm.sessions = cache

	ctx, cancel := context.WithCancel(context.Background())
	sm.cancelCleanup = cancel
	go sm.cleanupLoop(ctx, opts.CleanupInterval)

	return sm, nil
}

// GetOrCreate returns the session for id, creating it and restoring its
// history if it does not exist. Concurrent callers for a session that is
// still restoring wait until the restore finishes or ctx ends.
func (sm *SessionManager) GetOrCreate(ctx context.Context, id string) *Session {
	sm.mu.Lock()
	if v, ok := sm.sessions.Get(id); ok {
		ready := sm.restoring[id]
		sm.mu.Unlock()
		s := v.(*Session)
		if ready != nil {
			select {
			case <-ready:
			case <-ctx.Done():
			}
		}
		s.Touch()
		return s
	}

	s := sm.factory(id)
	ready := make(chan struct{})
	sm.restoring[id] = ready
	sm.sessions.Add(id, s)
	metrics.ActiveSessions.Set(float64(sm.sessions.Len()))
	sm.mu.Unlock()

	defer func() {
		sm.mu.Lock()
		delete(sm.restoring, id)
		sm.mu.Unlock()
		close(ready)
	}()

	restoreCtx, cancel := context.WithTimeout(ctx, restoreTimeout)
	defer cancel()
	if err := s.Restore(restoreCtx); err != nil {
		sm.logger.Warn("Failed to restore session %s: %v", id, err)
	}
	return s
}

// Get returns the session for id without creating it.
func (sm *SessionManager) Get(id string) (*Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	v, ok := sm.sessions.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Delete closes and removes the session with the given ID.
// If the session doesn't exist, this is a no-op.
func (sm *SessionManager) Delete(id string) {
	sm.mu.Lock()
	sm.sessions.Remove(id)
	metrics.ActiveSessions.Set(float64(sm.sessions.Len()))
	sm.mu.Unlock()
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.sessions.Len()
}

// Shutdown stops the cleanup goroutine, closes every session and waits for
// them to finish.
func (sm *SessionManager) Shutdown() {
	if sm.cancelCleanup != nil {
		sm.cancelCleanup()
		<-sm.cleanupDone
	}
	sm.mu.Lock()
	sm.sessions.Purge()
	metrics.ActiveSessions.Set(0)
	sm.mu.Unlock()
	sm.closing.Wait()
}

// onEvict closes a removed session. Closing waits for in-flight requests,
// so it runs off the caller's goroutine.
func (sm *SessionManager) onEvict(key, value interface{}) {
	s, ok := value.(*Session)
	if !ok {
		return
	}
	sm.closing.Add(1)
	go func() {
		defer sm.closing.Done()
		s.Close()
		sm.logger.Debug("Closed session %v", key)
	}()
}

func (sm *SessionManager) cleanupLoop(ctx context.Context, interval time.Duration) {
	defer close(sm.cleanupDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.cleanupInactiveSessions()
		}
	}
}

// cleanupInactiveSessions removes sessions idle for longer than the timeout.
func (sm *SessionManager) cleanupInactiveSessions() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := time.Now()
	removed := 0
	for _, key := range sm.sessions.Keys() {
		v, ok := sm.sessions.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(v.(*Session).LastActivity()) > sm.timeout {
			sm.sessions.Remove(key)
			removed++
		}
	}

	if removed > 0 {
		metrics.ActiveSessions.Set(float64(sm.sessions.Len()))
		sm.logger.Info("Cleaned up %d inactive sessions (total: %d)", removed, sm.sessions.Len())
	}
}
