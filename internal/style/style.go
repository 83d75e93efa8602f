// Package style holds the catalog of image styles a user can pick from.
//
// A style is identified by its value (for example "retro"). Applying a style
// appends its modifier sentence to the prompt before it is sent to the
// inference backend. The empty value means "no style".
package style

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed styles.yaml
var builtinYAML []byte

// ErrEmptyCatalog is returned when a catalog file defines no styles.
var ErrEmptyCatalog = errors.New("style catalog is empty")

// Style is one entry of the catalog.
type Style struct {
	Value    string `yaml:"value" json:"value"`
	Label    string `yaml:"label" json:"label"`
	Modifier string `yaml:"modifier" json:"-"`
}

// Catalog is an ordered, read-only set of styles.
type Catalog struct {
	styles []Style
	byKey  map[string]Style
}

// Builtin returns the catalog shipped with the binary.
func Builtin() *Catalog {
	c, err := Parse(builtinYAML)
	if err != nil {
		panic(fmt.Sprintf("builtin style catalog: %v", err))
	}
	return c
}

// LoadFile reads a YAML catalog from path.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read style catalog: %w", err)
	}
	return Parse(data)
}

// Parse builds a catalog from a YAML list of styles.
func Parse(data []byte) (*Catalog, error) {
	var styles []Style
	if err := yaml.Unmarshal(data, &styles); err != nil {
		return nil, fmt.Errorf("parse style catalog: %w", err)
	}
	if len(styles) == 0 {
		return nil, ErrEmptyCatalog
	}

	c := &Catalog{
		styles: make([]Style, 0, len(styles)),
		byKey:  make(map[string]Style, len(styles)),
	}
	for i, s := range styles {
		s.Value = strings.TrimSpace(s.Value)
		if s.Value == "" {
			return nil, fmt.Errorf("style %d: value is required", i)
		}
		if _, dup := c.byKey[s.Value]; dup {
			return nil, fmt.Errorf("style %q defined twice", s.Value)
		}
		if s.Label == "" {
			s.Label = s.Value
		}
		c.styles = append(c.styles, s)
		c.byKey[s.Value] = s
	}
	return c, nil
}

// All returns the styles in catalog order.
func (c *Catalog) All() []Style {
	out := make([]Style, len(c.styles))
	copy(out, c.styles)
	return out
}

// Lookup returns the style with the given value.
func (c *Catalog) Lookup(value string) (Style, bool) {
	s, ok := c.byKey[value]
	return s, ok
}

// Valid reports whether value names a style or is empty.
func (c *Catalog) Valid(value string) bool {
	if value == "" {
		return true
	}
	_, ok := c.byKey[value]
	return ok
}

// Label returns the display label for value, or "" if there is none.
func (c *Catalog) Label(value string) string {
	return c.byKey[value].Label
}

// Apply returns prompt with the style modifier appended.
// Unknown or empty styles leave the prompt unchanged.
func (c *Catalog) Apply(prompt, value string) string {
	s, ok := c.byKey[value]
	if !ok || s.Modifier == "" {
		return prompt
	}
	return prompt + ". " + s.Modifier
}
