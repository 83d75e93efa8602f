package session

import (
	"github.com/hurricanerix/blink/internal/style"
)

// ImageView is a history entry as the page renders it.
type ImageView struct {
	Index     int     `json:"index"`
	ID        string  `json:"id"`
	Prompt    string  `json:"prompt"`
	URL       string  `json:"url"`
	Inference float64 `json:"inference"`
}

// View is the render model of a State. It never carries the API key.
type View struct {
	Prompt          string      `json:"prompt"`
	Style           string      `json:"style"`
	StyleLabel      string      `json:"styleLabel"`
	HasAPIKey       bool        `json:"hasApiKey"`
	ConsistencyMode bool        `json:"consistencyMode"`
	Fetching        bool        `json:"fetching"`
	Debouncing      bool        `json:"debouncing"`
	Error           string      `json:"error,omitempty"`
	ShowPlaceholder bool        `json:"showPlaceholder"`
	ActiveIndex     int         `json:"activeIndex"`
	Active          *ImageView  `json:"active,omitempty"`
	History         []ImageView `json:"history"`
}

// ImageURL is the path the web server serves a generation's image at.
func ImageURL(id string) string {
	return "/images/" + id
}

// NewView builds the render model for s.
func NewView(s State, styles *style.Catalog) View {
	v := View{
		Prompt:          s.Prompt,
		Style:           s.Style,
		HasAPIKey:       s.APIKey != "",
		ConsistencyMode: s.ConsistencyMode,
		Fetching:        s.Fetching,
		Debouncing:      s.Debouncing(),
		Error:           s.Err,
		ShowPlaceholder: s.ShowPlaceholder(),
		ActiveIndex:     s.ActiveIndex,
		History:         make([]ImageView, len(s.Generations)),
	}
	if styles != nil {
		v.StyleLabel = styles.Label(s.Style)
	}
	for i, g := range s.Generations {
		v.History[i] = ImageView{
			Index:     i,
			ID:        g.ID,
			Prompt:    g.Prompt,
			URL:       ImageURL(g.ID),
			Inference: g.Image.Timings.Inference,
		}
	}
	if _, ok := s.Active(); ok {
		active := v.History[s.ActiveIndex]
		v.Active = &active
	}
	return v
}
