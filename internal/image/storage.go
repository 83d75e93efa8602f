// Package image keeps generated images in memory so the page can load them
// by URL instead of inlining base64 payloads.
package image

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/hurricanerix/blink/internal/logging"
)

const (
	// MaxImages is the maximum number of images to keep in storage
	MaxImages = 1000
	// MaxAge is the maximum age of an image before cleanup
	MaxAge = 24 * time.Hour
	// CleanupInterval is how often cleanup runs
	CleanupInterval = 10 * time.Minute
	// MaxImageSize is the maximum size of a single image (10MB)
	MaxImageSize = 10 * 1024 * 1024
)

var (
	// ErrNotFound indicates the requested image does not exist
	ErrNotFound = errors.New("image not found")
	// ErrInvalidID indicates the provided image ID is invalid
	ErrInvalidID = errors.New("invalid image ID")
	// ErrImageTooLarge indicates the image exceeds the maximum allowed size
	ErrImageTooLarge = errors.New("image exceeds maximum size")
	// ErrEmptyImage indicates no bytes were given
	ErrEmptyImage = errors.New("empty image data")
)

type storedImage struct {
	Data       []byte
	MIME       string
	CreatedAt  time.Time
	AccessedAt time.Time
}

// Storage provides thread-safe in-memory image storage keyed by generation ID.
type Storage struct {
	mu     sync.RWMutex
	images map[string]*storedImage
	now    func() time.Time
}

// NewStorage creates an empty storage.
func NewStorage() *Storage {
	return &Storage{
		images: make(map[string]*storedImage),
		now:    time.Now,
	}
}

// Put stores data under id, replacing any previous image with that ID.
// The MIME type is sniffed from the bytes.
func (s *Storage) Put(id string, data []byte) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrInvalidID
	}
	if len(data) == 0 {
		return ErrEmptyImage
	}
	if len(data) > MaxImageSize {
		return ErrImageTooLarge
	}

	now := s.now()
	img := &storedImage{
		Data:       data,
		MIME:       mimetype.Detect(data).String(),
		CreatedAt:  now,
		AccessedAt: now,
	}

	s.mu.Lock()
	s.images[id] = img
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the image bytes and their MIME type.
func (s *Storage) Get(id string) ([]byte, string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, "", ErrInvalidID
	}

	s.mu.Lock()
	img, exists := s.images[id]
	if exists {
		img.AccessedAt = s.now()
	}
	s.mu.Unlock()

	if !exists {
		return nil, "", ErrNotFound
	}

	data := make([]byte, len(img.Data))
	copy(data, img.Data)
	return data, img.MIME, nil
}

// Count returns number of stored images
func (s *Storage) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.images)
}

// Delete removes the images with the given IDs and returns how many existed.
func (s *Storage) Delete(ids ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := s.images[id]; ok {
			delete(s.images, id)
			n++
		}
	}
	return n
}

// StartCleanup starts a background goroutine that periodically removes
// images older than MaxAge and enforces MaxImages by LRU. It runs until ctx
// is cancelled.
func (s *Storage) StartCleanup(ctx context.Context, logger *logging.Logger) {
	ticker := time.NewTicker(CleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Debug("Image cleanup goroutine stopping")
				return
			case <-ticker.C:
				s.cleanup(logger)
			}
		}
	}()
}

func (s *Storage) cleanup(logger *logging.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	initialCount := len(s.images)

	for id, img := range s.images {
		if now.Sub(img.CreatedAt) > MaxAge {
			delete(s.images, id)
		}
	}

	if excess := len(s.images) - MaxImages; excess > 0 {
		type entry struct {
			id         string
			accessedAt time.Time
		}
		entries := make([]entry, 0, len(s.images))
		for id, img := range s.images {
			entries = append(entries, entry{id: id, accessedAt: img.AccessedAt})
		}
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].accessedAt.Before(entries[j].accessedAt)
		})
		for _, e := range entries[:excess] {
			delete(s.images, e.id)
		}
	}

	if finalCount := len(s.images); initialCount != finalCount {
		logger.Debug("Image cleanup: %d -> %d images", initialCount, finalCount)
	}
}
