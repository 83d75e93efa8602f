package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurricanerix/blink/internal/imagegen"
)

func newTestManager(t *testing.T, opts ManagerOptions, history HistoryStore) (*SessionManager, *fakeImages) {
	t.Helper()
	images := newFakeImages()
	gen := imagegen.NewMockGenerator()
	sm, err := NewSessionManager(func(id string) *Session {
		return New(Options{ID: id, Generator: gen, Images: images, History: history})
	}, opts)
	require.NoError(t, err)
	t.Cleanup(sm.Shutdown)
	return sm, images
}

func TestSessionManager_GetOrCreate(t *testing.T) {
	sm, _ := newTestManager(t, ManagerOptions{}, nil)
	ctx := context.Background()

	a := sm.GetOrCreate(ctx, "a")
	assert.Same(t, a, sm.GetOrCreate(ctx, "a"))
	assert.NotSame(t, a, sm.GetOrCreate(ctx, "b"))
	assert.Equal(t, 2, sm.Count())

	got, ok := sm.Get("a")
	require.True(t, ok)
	assert.Same(t, a, got)

	_, ok = sm.Get("missing")
	assert.False(t, ok)
}

func TestSessionManager_Delete(t *testing.T) {
	sm, _ := newTestManager(t, ManagerOptions{}, nil)
	s := sm.GetOrCreate(context.Background(), "a")

	sm.Delete("a")
	sm.Delete("a")
	assert.Equal(t, 0, sm.Count())

	require.Eventually(t, func() bool {
		return s.SetPrompt("x") == ErrClosed
	}, waitFor, tick)
}

func TestSessionManager_EvictsLeastRecentlyUsed(t *testing.T) {
	sm, images := newTestManager(t, ManagerOptions{MaxSessions: 2}, nil)
	ctx := context.Background()

	first := sm.GetOrCreate(ctx, "s0")
	require.NoError(t, first.SetPrompt("a cat"))
	require.Eventually(t, func() bool { return images.Len() == 1 }, waitFor, tick)

	sm.GetOrCreate(ctx, "s1")
	sm.GetOrCreate(ctx, "s2")

	assert.Equal(t, 2, sm.Count())
	_, ok := sm.Get("s0")
	assert.False(t, ok)
	require.Eventually(t, func() bool { return images.Len() == 0 }, waitFor, tick, "evicted session drops its images")
}

func TestSessionManager_RestoresHistory(t *testing.T) {
	history := newFakeHistory()
	gens := []Generation{{ID: "g1", Key: "a cat", Prompt: "a cat"}}
	for _, g := range gens {
		require.NoError(t, history.Append(context.Background(), "returning", g))
	}

	sm, _ := newTestManager(t, ManagerOptions{}, history)
	s := sm.GetOrCreate(context.Background(), "returning")
	assert.Equal(t, gens, s.State().Generations)
}

func TestSessionManager_WaitsForRestore(t *testing.T) {
	history := newFakeHistory()
	gen := Generation{ID: "g1", Key: "a cat", Prompt: "a cat"}
	require.NoError(t, history.Append(context.Background(), "returning", gen))
	history.block = make(chan struct{})

	sm, _ := newTestManager(t, ManagerOptions{}, history)
	ctx := context.Background()

	first := make(chan *Session, 1)
	go func() { first <- sm.GetOrCreate(ctx, "returning") }()
	require.Eventually(t, func() bool { return sm.Count() == 1 }, waitFor, tick)

	second := make(chan *Session, 1)
	go func() { second <- sm.GetOrCreate(ctx, "returning") }()

	select {
	case <-second:
		t.Fatal("session handed out before its history was restored")
	case <-time.After(30 * time.Millisecond):
	}

	close(history.block)
	a := <-first
	b := <-second
	assert.Same(t, a, b)
	assert.Equal(t, []Generation{gen}, b.State().Generations)
}

func TestSessionManager_RestoreWaitHonoursContext(t *testing.T) {
	history := newFakeHistory()
	history.block = make(chan struct{})
	defer close(history.block)

	sm, _ := newTestManager(t, ManagerOptions{}, history)

	go sm.GetOrCreate(context.Background(), "slow")
	require.Eventually(t, func() bool { return sm.Count() == 1 }, waitFor, tick)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		sm.GetOrCreate(ctx, "slow")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("GetOrCreate ignored a cancelled context")
	}
}

func TestSessionManager_CleanupInactive(t *testing.T) {
	sm, _ := newTestManager(t, ManagerOptions{InactivityTimeout: time.Hour}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		sm.GetOrCreate(ctx, fmt.Sprint("s", i))
	}
	stale, _ := sm.Get("s1")
	stale.lastActivity.Store(time.Now().Add(-2 * time.Hour).UnixNano())

	sm.cleanupInactiveSessions()

	assert.Equal(t, 2, sm.Count())
	_, ok := sm.Get("s1")
	assert.False(t, ok)
}

func TestNewSessionManager_RequiresFactory(t *testing.T) {
	_, err := NewSessionManager(nil, ManagerOptions{})
	assert.Error(t, err)
}
