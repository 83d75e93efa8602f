package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bep/debounce"
	"github.com/google/uuid"

	"github.com/hurricanerix/blink/internal/imagegen"
	"github.com/hurricanerix/blink/internal/logging"
	"github.com/hurricanerix/blink/internal/query"
	"github.com/hurricanerix/blink/internal/style"
)

// DefaultDebounce is the delay between the last keystroke and the request.
const DefaultDebounce = 100 * time.Millisecond

// persistTimeout bounds one history write.
const persistTimeout = 5 * time.Second

var (
	// ErrUnknownStyle indicates a style value not in the catalog
	ErrUnknownStyle = errors.New("unknown style")
	// ErrIndexOutOfRange indicates a history index that does not exist
	ErrIndexOutOfRange = errors.New("history index out of range")
	// ErrClosed indicates the session has been closed
	ErrClosed = errors.New("session closed")
)

// HistoryStore persists generations across process restarts.
type HistoryStore interface {
	Load(ctx context.Context, sessionID string) ([]Generation, error)
	Append(ctx context.Context, sessionID string, gen Generation) error
	Delete(ctx context.Context, sessionID string) error
}

// ImageStore holds decoded image bytes by generation ID.
type ImageStore interface {
	Put(id string, data []byte) error
	Delete(ids ...string) int
}

// Observer receives a view after every state change, in order.
// Publish is called with the session lock held and must not call back
// into the session.
type Observer interface {
	Publish(sessionID string, v View)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(sessionID string, v View)

// Publish calls f.
func (f ObserverFunc) Publish(sessionID string, v View) {
	f(sessionID, v)
}

// Options configures a Session. Generator is required.
type Options struct {
	ID        string
	Generator imagegen.Generator
	Styles    *style.Catalog
	Debounce  time.Duration
	Images    ImageStore
	History   HistoryStore
	Observer  Observer
	Logger    *logging.Logger
	// NewID generates generation IDs. Defaults to random UUIDs.
	NewID func() string
}

// cached is what the query cache keeps per key.
type cached struct {
	result imagegen.ImageResult
	data   []byte
}

// Session is the controller for one user's prompt session. All methods are
// safe for concurrent use.
type Session struct {
	id       string
	gen      imagegen.Generator
	styles   *style.Catalog
	images   ImageStore
	history  HistoryStore
	observer Observer
	logger   *logging.Logger
	newID    func() string

	delay     time.Duration
	debounced func(f func())

	ctx    context.Context
	cancel context.CancelFunc
	cache  *query.Cache[cached]
	wg     sync.WaitGroup

	mu      sync.Mutex
	state   State
	pending map[string]bool
	closed  bool
	// promptSeq is the highest client sequence applied by SetPromptSeq.
	promptSeq uint64
	// persisted is closed when the most recent history write finishes.
	persisted chan struct{}

	lastActivity atomic.Int64
}

// New creates a session in the initial state.
func New(opts Options) *Session {
	if opts.ID == "" {
		opts.ID = uuid.New().String()
	}
	if opts.Styles == nil {
		opts.Styles = style.Builtin()
	}
	if opts.Debounce < 0 {
		opts.Debounce = 0
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       opts.ID,
		gen:      opts.Generator,
		styles:   opts.Styles,
		images:   opts.Images,
		history:  opts.History,
		observer: opts.Observer,
		logger:   opts.Logger.With("session", opts.ID),
		newID:    opts.NewID,
		delay:    opts.Debounce,
		ctx:      ctx,
		cancel:   cancel,
		cache:    query.New[cached](ctx),
		state:    NewState(),
		pending:  make(map[string]bool),
	}
	if s.delay > 0 {
		s.debounced = debounce.New(s.delay)
	}
	s.Touch()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Touch records activity now.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the last recorded activity.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// State returns a snapshot of the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// View returns the render model of the current state.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return NewView(s.state, s.styles)
}

// PublishCurrent sends the current view to the observer. It holds the
// session lock like every state change, so it cannot overtake a newer view.
func (s *Session) PublishCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.observer != nil {
		s.observer.Publish(s.id, NewView(s.state, s.styles))
	}
}

// Generation returns the history entry with the given ID.
func (s *Session) Generation(id string) (Generation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.state.Generations {
		if g.ID == id {
			return g, true
		}
	}
	return Generation{}, false
}

// SetPrompt updates the raw prompt. The request follows once the prompt has
// been stable for the debounce delay.
func (s *Session) SetPrompt(prompt string) error {
	_, err := s.SetPromptSeq(prompt, 0)
	return err
}

// SetPromptSeq is SetPrompt for clients that number their edits. An edit
// whose seq is not above the last applied one arrived out of order and is
// dropped; applied reports whether prompt was taken. A zero seq is always
// applied.
func (s *Session) SetPromptSeq(prompt string, seq uint64) (applied bool, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrClosed
	}
	if seq != 0 {
		if seq <= s.promptSeq {
			s.mu.Unlock()
			s.logger.Debug("Dropped stale prompt edit %d (last %d)", seq, s.promptSeq)
			return false, nil
		}
		s.promptSeq = seq
	}
	s.dispatchLocked(PromptChanged{Prompt: prompt})
	s.mu.Unlock()

	if s.debounced == nil {
		s.settle(prompt)
		return true, nil
	}
	s.debounced(func() { s.settle(prompt) })
	return true, nil
}

// settle promotes prompt to the debounced prompt unless a newer keystroke
// superseded it.
func (s *Session) settle(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.state.Prompt != prompt || s.state.DebouncedPrompt == prompt {
		return
	}
	s.dispatchLocked(PromptDebounced{Prompt: prompt})
	s.refreshLocked()
}

// SetStyle selects a style by value; "" clears it.
func (s *Session) SetStyle(value string) error {
	if !s.styles.Valid(value) {
		return fmt.Errorf("%w: %q", ErrUnknownStyle, value)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prev := s.state.CacheKey()
	s.dispatchLocked(StyleSelected{Style: value})
	if s.state.CacheKey() != prev {
		s.refreshLocked()
	}
	return nil
}

// SetAPIKey sets the user's API key override. It applies to the next request.
func (s *Session) SetAPIKey(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.dispatchLocked(APIKeyChanged{Key: key})
	return nil
}

// SetConsistencyMode toggles consistency mode. It applies to the next request.
func (s *Session) SetConsistencyMode(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.dispatchLocked(ConsistencyModeChanged{Enabled: enabled})
	return nil
}

// Select displays the history entry at index.
func (s *Session) Select(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if index < 0 || index >= len(s.state.Generations) {
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	s.dispatchLocked(GenerationSelected{Index: index})
	return nil
}

// Restore loads persisted history into a session that has none yet.
// Restored results also seed the cache so their keys are not fetched again.
func (s *Session) Restore(ctx context.Context) error {
	if s.history == nil {
		return nil
	}
	gens, err := s.history.Load(ctx, s.id)
	if err != nil {
		return fmt.Errorf("restore history: %w", err)
	}
	if len(gens) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	before := len(s.state.Generations)
	s.dispatchLocked(HistoryRestored{Generations: gens})
	if before == 0 {
		for _, g := range s.state.Generations {
			s.cache.Set(g.Key, cached{result: g.Image})
		}
		s.logger.Debug("Restored %d generations", len(s.state.Generations))
	}
	return nil
}

// Close cancels in-flight requests, waits for them and for pending history
// writes to finish, and drops the session's images. History in the
// HistoryStore is kept.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cancel()
	gens := s.state.Generations
	s.mu.Unlock()

	s.wg.Wait()

	if s.images != nil && len(gens) > 0 {
		ids := make([]string, len(gens))
		for i, g := range gens {
			ids[i] = g.ID
		}
		s.images.Delete(ids...)
	}
}

func (s *Session) dispatchLocked(a Action) {
	s.state = Reduce(s.state, a)
	if s.observer != nil {
		s.observer.Publish(s.id, NewView(s.state, s.styles))
	}
}

// refreshLocked issues the request the current state calls for, if any.
func (s *Session) refreshLocked() {
	if !s.state.RequestEnabled() {
		return
	}
	key := s.state.CacheKey()

	if c, ok := s.cache.Get(key); ok {
		s.succeedLocked(key, s.state.DebouncedPrompt, c)
		return
	}

	s.dispatchLocked(RequestStarted{Key: key})
	if s.pending[key] {
		return
	}
	s.pending[key] = true

	req := s.state.Request()
	s.wg.Add(1)
	go s.fetch(key, req)
}

func (s *Session) fetch(key string, req imagegen.GenerateRequest) {
	defer s.wg.Done()

	s.logger.Debug("Requesting image for %q (style %q)", req.Prompt, req.Style)
	c, err := s.cache.Fetch(s.ctx, key, func(ctx context.Context) (cached, error) {
		res, err := s.gen.Generate(ctx, req)
		if err != nil {
			return cached{}, err
		}
		data, _, err := imagegen.DecodeImage(res.B64JSON)
		if err != nil {
			return cached{}, imagegen.NewRequestError(http.StatusBadGateway, err.Error())
		}
		return cached{result: res, data: data}, nil
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, key)
	if s.closed {
		return
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Warn("Image request failed: %v", err)
		s.dispatchLocked(RequestFailed{Key: key, Message: imagegen.Message(err)})
		return
	}
	s.succeedLocked(key, req.Prompt, c)
}

// succeedLocked delivers a result and persists it if it became a new
// history entry.
func (s *Session) succeedLocked(key, prompt string, c cached) {
	before := len(s.state.Generations)
	id := s.newID()
	s.dispatchLocked(RequestSucceeded{Key: key, ID: id, Prompt: prompt, Image: c.result})
	if len(s.state.Generations) == before {
		return
	}
	gen := s.state.Generations[len(s.state.Generations)-1]

	if s.images != nil && len(c.data) > 0 {
		if err := s.images.Put(gen.ID, c.data); err != nil {
			s.logger.Warn("Failed to store image %s: %v", gen.ID, err)
		}
	}
	if s.history != nil {
		s.persistLocked(gen)
	}
}

// persistLocked appends gen to the history store off the session lock.
// Writes are chained so the store sees generations in history order, and
// Close waits for them. They are not cancelled by Close: an evicted session
// keeps its history.
func (s *Session) persistLocked(gen Generation) {
	prev := s.persisted
	done := make(chan struct{})
	s.persisted = done

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := s.history.Append(ctx, s.id, gen); err != nil {
			s.logger.Warn("Failed to persist generation %s: %v", gen.ID, err)
		}
	}()
}
