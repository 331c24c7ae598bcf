package resultcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKey(t *testing.T) {
	base := map[string]any{"prompt": "a red fox", "width": 512, "style": map[string]any{"b": 1, "a": 2}}

	t.Run("stable across map order", func(t *testing.T) {
		other := map[string]any{"style": map[string]any{"a": 2, "b": 1}, "width": 512, "prompt": "a red fox"}
		assert.Equal(t, Key("image", base, false), Key("image", other, false))
	})

	t.Run("credentials are ignored", func(t *testing.T) {
		withAuth := map[string]any{"prompt": "a red fox", "width": 512, "style": map[string]any{"b": 1, "a": 2}, "api_key": "sk_123", "Token": "t"}
		assert.Equal(t, Key("image", base, false), Key("image", withAuth, false))
	})

	t.Run("stream changes the key", func(t *testing.T) {
		assert.NotEqual(t, Key("image", base, false), Key("image", base, true))
	})

	t.Run("service type changes the key", func(t *testing.T) {
		assert.NotEqual(t, Key("image", base, false), Key("text", base, false))
	})

	t.Run("parameters change the key", func(t *testing.T) {
		changed := map[string]any{"prompt": "a red fox", "width": 1024, "style": map[string]any{"b": 1, "a": 2}}
		assert.NotEqual(t, Key("image", base, false), Key("image", changed, false))
	})

	t.Run("nil and empty params agree", func(t *testing.T) {
		assert.Equal(t, Key("text", nil, false), Key("text", map[string]any{}, false))
		assert.Len(t, Key("text", nil, false), 64)
	})
}
