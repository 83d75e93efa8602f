package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurricanerix/blink/internal/imagegen"
	"github.com/hurricanerix/blink/internal/session"
)

func generation(prompt, style string) session.Generation {
	return session.Generation{
		ID:     uuid.New().String(),
		Key:    session.CacheKey(prompt, style),
		Prompt: prompt,
		Image:  imagegen.ImageResult{B64JSON: "AAAA", Timings: imagegen.Timings{Inference: 120}},
	}
}

// exerciseStore runs the behaviour every HistoryStore must share.
func exerciseStore(t *testing.T, s session.HistoryStore) {
	t.Helper()
	ctx := context.Background()
	sid := uuid.New().String()

	gens, err := s.Load(ctx, sid)
	require.NoError(t, err)
	assert.Empty(t, gens)

	first := generation("a cat", "retro")
	second := generation("a dog", "")
	require.NoError(t, s.Append(ctx, sid, first))
	require.NoError(t, s.Append(ctx, sid, second))

	gens, err = s.Load(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, []session.Generation{first, second}, gens)

	other, err := s.Load(ctx, uuid.New().String())
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, s.Delete(ctx, sid))
	gens, err = s.Load(ctx, sid)
	require.NoError(t, err)
	assert.Empty(t, gens)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStore_LoadReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, "sid", generation("a cat", "")))

	gens, err := s.Load(ctx, "sid")
	require.NoError(t, err)
	gens[0].Prompt = "changed"

	again, err := s.Load(ctx, "sid")
	require.NoError(t, err)
	assert.Equal(t, "a cat", again[0].Prompt)
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("BLINK_TEST_REDIS_URL")
	if url == "" {
		t.Skip("BLINK_TEST_REDIS_URL not set")
	}

	s, err := NewRedisStore(context.Background(), url, time.Minute)
	require.NoError(t, err)
	defer s.Close()

	exerciseStore(t, s)
}

func TestNewRedisStore_BadURL(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "not a url", time.Minute)
	assert.Error(t, err)
}

func TestRedisStore_LoadReportsConnectionErrors(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	s := NewRedisStoreWithClient(client, time.Minute)
	defer s.Close()

	gens, err := s.Load(context.Background(), "sid")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load history")
	assert.Nil(t, gens)
}
