package rbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	t.Parallel()

	m := NewMessage("acct", "opened", map[string]any{"x": 3})
	require.NotEmpty(t, m.ID)
	assert.Equal(t, "acct", m.API)
	assert.Equal(t, "opened", m.Name)
	assert.Equal(t, map[string]any{"x": 3}, m.Args)
	assert.Empty(t, m.Meta)
}

func TestMessageClone(t *testing.T) {
	t.Parallel()

	m := NewMessage("acct", "opened", map[string]any{"x": 3})
	m.Meta["trace"] = "abc"

	cp := m.Clone()
	cp.Args["x"] = 99
	cp.Meta["trace"] = "def"

	assert.Equal(t, 3, m.Args["x"], "original Args untouched by clone mutation")
	assert.Equal(t, "abc", m.Meta["trace"], "original Meta untouched by clone mutation")
	assert.Equal(t, m.ID, cp.ID)
}
