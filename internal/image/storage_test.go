package image

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurricanerix/blink/internal/logging"
)

var pngHeader = []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0x0d, 0x49, 0x48, 0x44, 0x52}

func TestStorage_PutAndGet(t *testing.T) {
	s := NewStorage()
	id := uuid.New().String()

	require.NoError(t, s.Put(id, pngHeader))

	data, mime, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, pngHeader, data)
	assert.Equal(t, "image/png", mime)
	assert.Equal(t, 1, s.Count())
}

func TestStorage_GetReturnsCopy(t *testing.T) {
	s := NewStorage()
	id := uuid.New().String()
	require.NoError(t, s.Put(id, append([]byte(nil), pngHeader...)))

	data, _, err := s.Get(id)
	require.NoError(t, err)
	data[0] = 0

	again, _, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, byte(0x89), again[0])
}

func TestStorage_Errors(t *testing.T) {
	s := NewStorage()

	tests := []struct {
		name    string
		id      string
		data    []byte
		wantErr error
	}{
		{"invalid id", "not-a-uuid", pngHeader, ErrInvalidID},
		{"empty data", uuid.New().String(), nil, ErrEmptyImage},
		{"too large", uuid.New().String(), make([]byte, MaxImageSize+1), ErrImageTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, s.Put(tt.id, tt.data), tt.wantErr)
		})
	}

	_, _, err := s.Get("12345678")
	assert.ErrorIs(t, err, ErrInvalidID)
	_, _, err = s.Get(uuid.New().String())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStorage_Delete(t *testing.T) {
	s := NewStorage()
	a, b := uuid.New().String(), uuid.New().String()
	require.NoError(t, s.Put(a, pngHeader))
	require.NoError(t, s.Put(b, pngHeader))

	assert.Equal(t, 2, s.Delete(a, b, uuid.New().String()))
	assert.Equal(t, 0, s.Count())
	assert.Equal(t, 0, s.Delete(a))
}

func TestStorage_CleanupByAge(t *testing.T) {
	s := NewStorage()
	now := time.Now()
	s.now = func() time.Time { return now }

	old, fresh := uuid.New().String(), uuid.New().String()
	require.NoError(t, s.Put(old, pngHeader))
	now = now.Add(MaxAge / 2)
	require.NoError(t, s.Put(fresh, pngHeader))
	now = now.Add(MaxAge/2 + time.Minute)

	s.cleanup(logging.Nop())

	_, _, err := s.Get(old)
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = s.Get(fresh)
	assert.NoError(t, err)
}

func TestStorage_CleanupLRU(t *testing.T) {
	s := NewStorage()
	now := time.Now()
	s.now = func() time.Time { return now }

	ids := make([]string, MaxImages+2)
	for i := range ids {
		ids[i] = uuid.New().String()
		now = now.Add(time.Millisecond)
		require.NoError(t, s.Put(ids[i], pngHeader))
	}
	// Touch the oldest so the next two are evicted instead.
	now = now.Add(time.Millisecond)
	_, _, err := s.Get(ids[0])
	require.NoError(t, err)

	s.cleanup(logging.Nop())

	assert.Equal(t, MaxImages, s.Count())
	_, _, err = s.Get(ids[0])
	assert.NoError(t, err)
	_, _, err = s.Get(ids[1])
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = s.Get(ids[2])
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStorage_Concurrent(t *testing.T) {
	s := NewStorage()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := uuid.New().String()
			assert.NoError(t, s.Put(id, pngHeader))
			_, _, err := s.Get(id)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, s.Count())
}

func TestStorage_StartCleanupStops(t *testing.T) {
	s := NewStorage()
	ctx, cancel := context.WithCancel(context.Background())
	s.StartCleanup(ctx, logging.Nop())
	cancel()
}
