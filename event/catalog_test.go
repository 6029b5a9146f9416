package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCatalog(t *testing.T) {
	t.Run("builds lookup", func(t *testing.T) {
		c, err := NewCatalog(Definition{Type: "b"}, Definition{Type: "a", Command: true})
		require.NoError(t, err)

		def, ok := c.Lookup("a")
		assert.True(t, ok)
		assert.True(t, def.Command)

		_, ok = c.Lookup("c")
		assert.False(t, ok)

		assert.Equal(t, []string{"a", "b"}, c.Types())
		assert.Equal(t, 2, c.Len())
	})

	t.Run("rejects empty type", func(t *testing.T) {
		_, err := NewCatalog(Definition{Type: "  "})
		assert.ErrorIs(t, err, ErrEmptyType)
	})

	t.Run("rejects duplicates", func(t *testing.T) {
		_, err := NewCatalog(Definition{Type: "ping"}, Definition{Type: "ping", Command: true})
		assert.ErrorIs(t, err, ErrDuplicateType)
		assert.Contains(t, err.Error(), "ping")
	})
}

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()

	ping, ok := c.Lookup("ping")
	require.True(t, ok)
	assert.False(t, ping.Command)

	status, ok := c.Lookup("get-status")
	require.True(t, ok)
	assert.True(t, status.Command)
}
