package style

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltin(t *testing.T) {
	c := Builtin()

	var values []string
	for _, s := range c.All() {
		values = append(values, s.Value)
		assert.NotEmpty(t, s.Label, "style %s has no label", s.Value)
		assert.NotEmpty(t, s.Modifier, "style %s has no modifier", s.Value)
	}
	assert.Equal(t, []string{
		"pop-art", "minimal", "retro", "watercolor",
		"fantasy", "moody", "vibrant", "cinematic",
	}, values)
}

func TestCatalog_Lookup(t *testing.T) {
	c := Builtin()

	s, ok := c.Lookup("retro")
	require.True(t, ok)
	assert.Equal(t, "Retro", s.Label)

	_, ok = c.Lookup("baroque")
	assert.False(t, ok)

	assert.Equal(t, "Pop Art", c.Label("pop-art"))
	assert.Empty(t, c.Label(""))
}

func TestCatalog_Valid(t *testing.T) {
	c := Builtin()

	assert.True(t, c.Valid(""))
	assert.True(t, c.Valid("moody"))
	assert.False(t, c.Valid("Moody"))
	assert.False(t, c.Valid("unknown"))
}

func TestCatalog_Apply(t *testing.T) {
	c, err := Parse([]byte(`
- value: retro
  label: Retro
  modifier: Make it look old.
- value: plain
  label: Plain
`))
	require.NoError(t, err)

	tests := []struct {
		name   string
		prompt string
		style  string
		want   string
	}{
		{"no style", "a cat", "", "a cat"},
		{"known style", "a cat", "retro", "a cat. Make it look old."},
		{"style without modifier", "a cat", "plain", "a cat"},
		{"unknown style", "a cat", "baroque", "a cat"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Apply(tt.prompt, tt.style))
		})
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", ""},
		{"empty list", "[]"},
		{"missing value", "- label: Nope\n"},
		{"duplicate", "- value: a\n- value: a\n"},
		{"not yaml list", "value: a\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParse_DefaultsLabelToValue(t *testing.T) {
	c, err := Parse([]byte("- value: noir\n"))
	require.NoError(t, err)
	assert.Equal(t, "noir", c.Label("noir"))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "styles.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- value: noir\n  label: Noir\n  modifier: Black and white.\n"), 0o600))

	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, c.All(), 1)
	assert.Equal(t, "x. Black and white.", c.Apply("x", "noir"))

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
