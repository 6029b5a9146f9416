package event

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_Validate(t *testing.T) {
	v := NewValidator(nil)

	t.Run("notification", func(t *testing.T) {
		evt, err := v.Validate([]byte(`{"type":"ping","source":"sensor"}`))
		require.NoError(t, err)

		assert.Equal(t, "ping", evt.Type)
		assert.False(t, evt.Command)
		assert.Equal(t, "/ping", evt.Topic())
		assert.Equal(t, "sensor", evt.Fields["source"])
	})

	t.Run("command", func(t *testing.T) {
		evt, err := v.Validate([]byte(`{"type":"get-status"}`))
		require.NoError(t, err)

		assert.True(t, evt.Command)
		assert.Equal(t, "/get-status", evt.Topic())
	})

	t.Run("keeps numbers exact", func(t *testing.T) {
		evt, err := v.Validate([]byte(`{"type":"ping","seq":9007199254740993}`))
		require.NoError(t, err)

		assert.Equal(t, json.Number("9007199254740993"), evt.Fields["seq"])
	})

	invalidPayloads := map[string]string{
		"string":          `"not an object"`,
		"array":           `[{"type":"ping"}]`,
		"number":          `42`,
		"null":            `null`,
		"empty":           ``,
		"truncated":       `{"type":"ping"`,
		"trailing object": `{"type":"ping"}{"type":"ping"}`,
		"garbage":         `type=ping`,
	}
	for name, body := range invalidPayloads {
		t.Run("invalid payload "+name, func(t *testing.T) {
			_, err := v.Validate([]byte(body))
			assert.ErrorIs(t, err, ErrInvalidPayload)
		})
	}

	invalidTypes := map[string]string{
		"missing":       `{"id":"x"}`,
		"not a string":  `{"type":7}`,
		"null":          `{"type":null}`,
		"unknown":       `{"type":"reboot"}`,
		"case mismatch": `{"type":"PING"}`,
		"empty":         `{"type":""}`,
	}
	for name, body := range invalidTypes {
		t.Run("invalid type "+name, func(t *testing.T) {
			_, err := v.Validate([]byte(body))
			assert.ErrorIs(t, err, ErrInvalidType)
		})
	}

	t.Run("concurrent use", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := v.Validate([]byte(`{"type":"get-status"}`))
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
	})
}

func TestValidator_CustomCatalog(t *testing.T) {
	catalog, err := NewCatalog(Definition{Type: "order.created"}, Definition{Type: "order.lookup", Command: true})
	require.NoError(t, err)
	v := NewValidator(catalog)

	evt, err := v.Validate([]byte(`{"type":"order.lookup","orderId":"o-1"}`))
	require.NoError(t, err)
	assert.True(t, evt.Command)

	_, err = v.Validate([]byte(`{"type":"ping"}`))
	assert.ErrorIs(t, err, ErrInvalidType)
	assert.Same(t, catalog, v.Catalog())
}
