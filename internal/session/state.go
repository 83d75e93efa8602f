// Package session holds the state of one prompt-driven image session and the
// rules that move it forward.
//
// State is plain data. Every transition is an Action applied by Reduce, which
// never mutates its input. Session wraps the reducer with the side effects:
// debouncing, issuing generation requests and publishing views.
package session

import (
	"strings"

	"github.com/hurricanerix/blink/internal/imagegen"
)

// NoActiveIndex marks a state with nothing selected for display.
const NoActiveIndex = -1

// Generation is one successful, distinct generation. It is never modified
// after it is appended to the history.
type Generation struct {
	ID     string               `json:"id"`
	Key    string               `json:"key"`
	Prompt string               `json:"prompt"`
	Image  imagegen.ImageResult `json:"image"`
}

// State is the complete state of a session.
type State struct {
	Prompt          string
	DebouncedPrompt string
	Style           string
	APIKey          string
	ConsistencyMode bool

	// Generations is append-only and holds at most one entry per cache key.
	Generations []Generation
	// ActiveIndex is NoActiveIndex or a valid index into Generations.
	ActiveIndex int

	// Fetching is true while the request for PendingKey is outstanding.
	Fetching   bool
	PendingKey string
	// Err is the message of the last failed request for the current key.
	Err string
}

// NewState returns the initial state.
func NewState() State {
	return State{ActiveIndex: NoActiveIndex}
}

// CacheKey identifies a generation request by its debounced prompt and style.
func CacheKey(prompt, style string) string {
	return prompt + style
}

// CacheKey returns the key of the request the state currently calls for.
func (s State) CacheKey() string {
	return CacheKey(s.DebouncedPrompt, s.Style)
}

// Debouncing reports whether the raw prompt has not yet settled.
func (s State) Debouncing() bool {
	return s.Prompt != s.DebouncedPrompt
}

// RequestEnabled reports whether the debounced prompt warrants a request.
func (s State) RequestEnabled() bool {
	return strings.TrimSpace(s.DebouncedPrompt) != ""
}

// Request builds the generation request for the current state.
func (s State) Request() imagegen.GenerateRequest {
	return imagegen.GenerateRequest{
		Prompt:        s.DebouncedPrompt,
		Style:         s.Style,
		UserAPIKey:    s.APIKey,
		IterativeMode: s.ConsistencyMode,
	}
}

// Active returns the generation selected for display.
// Nothing is displayed while the prompt is empty.
func (s State) Active() (Generation, bool) {
	if s.Prompt == "" || s.ActiveIndex < 0 || s.ActiveIndex >= len(s.Generations) {
		return Generation{}, false
	}
	return s.Generations[s.ActiveIndex], true
}

// ActiveImage returns the image selected for display.
func (s State) ActiveImage() (imagegen.ImageResult, bool) {
	g, ok := s.Active()
	return g.Image, ok
}

// ShowPlaceholder reports whether the introductory placeholder is shown
// instead of an image.
func (s State) ShowPlaceholder() bool {
	_, ok := s.Active()
	return !ok
}

// IndexOf returns the index of the generation with key, or -1.
func (s State) IndexOf(key string) int {
	return indexOf(s.Generations, key)
}

// Action is a named state transition.
type Action interface {
	action()
}

// PromptChanged records a keystroke-level prompt change.
type PromptChanged struct{ Prompt string }

// PromptDebounced records that the prompt settled.
type PromptDebounced struct{ Prompt string }

// StyleSelected records a style choice; "" means no style.
type StyleSelected struct{ Style string }

// APIKeyChanged records the user's API key override.
type APIKeyChanged struct{ Key string }

// ConsistencyModeChanged toggles consistency mode.
type ConsistencyModeChanged struct{ Enabled bool }

// RequestStarted records that a request for Key is outstanding.
type RequestStarted struct{ Key string }

// RequestSucceeded delivers the image for Key.
type RequestSucceeded struct {
	Key    string
	ID     string
	Prompt string
	Image  imagegen.ImageResult
}

// RequestFailed delivers the failure message for Key.
type RequestFailed struct {
	Key     string
	Message string
}

// GenerationSelected selects a history entry for display.
type GenerationSelected struct{ Index int }

// HistoryRestored loads previously persisted generations.
type HistoryRestored struct{ Generations []Generation }

func (PromptChanged) action()          {}
func (PromptDebounced) action()        {}
func (StyleSelected) action()          {}
func (APIKeyChanged) action()          {}
func (ConsistencyModeChanged) action() {}
func (RequestStarted) action()         {}
func (RequestSucceeded) action()       {}
func (RequestFailed) action()          {}
func (GenerationSelected) action()     {}
func (HistoryRestored) action()        {}

// Reduce applies a to s and returns the new state.
// Results for a key other than the current one are ignored.
func Reduce(s State, a Action) State {
	switch a := a.(type) {
	case PromptChanged:
		s.Prompt = a.Prompt

	case PromptDebounced:
		prev := s.CacheKey()
		s.DebouncedPrompt = a.Prompt
		s = keyChanged(s, prev)

	case StyleSelected:
		prev := s.CacheKey()
		s.Style = a.Style
		s = keyChanged(s, prev)

	case APIKeyChanged:
		s.APIKey = a.Key

	case ConsistencyModeChanged:
		s.ConsistencyMode = a.Enabled

	case RequestStarted:
		if a.Key != s.CacheKey() || !s.RequestEnabled() {
			return s
		}
		s.Fetching = true
		s.PendingKey = a.Key
		s.Err = ""

	case RequestSucceeded:
		if a.Key != s.CacheKey() {
			return s
		}
		s.Fetching = false
		s.PendingKey = ""
		s.Err = ""
		// A key already in history keeps whatever entry is selected.
		if s.IndexOf(a.Key) >= 0 {
			return s
		}
		gens := make([]Generation, len(s.Generations), len(s.Generations)+1)
		copy(gens, s.Generations)
		s.Generations = append(gens, Generation{ID: a.ID, Key: a.Key, Prompt: a.Prompt, Image: a.Image})
		s.ActiveIndex = len(s.Generations) - 1

	case RequestFailed:
		if a.Key != s.CacheKey() {
			return s
		}
		s.Fetching = false
		s.PendingKey = ""
		s.Err = a.Message

	case GenerationSelected:
		if a.Index >= 0 && a.Index < len(s.Generations) {
			s.ActiveIndex = a.Index
		}

	case HistoryRestored:
		if len(s.Generations) > 0 || len(a.Generations) == 0 {
			return s
		}
		gens := make([]Generation, 0, len(a.Generations))
		for _, g := range a.Generations {
			if indexOf(gens, g.Key) < 0 {
				gens = append(gens, g)
			}
		}
		s.Generations = gens
		s.ActiveIndex = len(gens) - 1
	}
	return s
}

// keyChanged resets request status when the cache key moved away from prev.
func keyChanged(s State, prev string) State {
	if s.CacheKey() == prev {
		return s
	}
	s.Err = ""
	if s.PendingKey != s.CacheKey() {
		s.Fetching = false
		s.PendingKey = ""
	}
	return s
}

func indexOf(gens []Generation, key string) int {
	for i, g := range gens {
		if g.Key == key {
			return i
		}
	}
	return -1
}
