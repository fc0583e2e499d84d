package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainContextSetGetRoundTrip(t *testing.T) {
	ctx := NewChainContext("chain-1")
	require.NoError(t, ctx.Set("token", "abc"))
	assert.Equal(t, "abc", ctx.Get("token", nil))
	assert.True(t, ctx.Has("token"))
	assert.Equal(t, "fallback", ctx.Get("missing", "fallback"))
}

func TestChainContextSetRejectsNonSerializable(t *testing.T) {
	ctx := NewChainContext("chain-1")
	err := ctx.Set("bad", make(chan int))
	assert.Error(t, err)
}

func TestChainContextSetDeepCopies(t *testing.T) {
	ctx := NewChainContext("chain-1")
	original := map[string]interface{}{"nested": "value"}
	require.NoError(t, ctx.Set("m", original))
	original["nested"] = "mutated"

	stored := ctx.Get("m", nil).(map[string]interface{})
	assert.Equal(t, "value", stored["nested"])
}

func TestChainContextSerializeDeserialize(t *testing.T) {
	ctx := NewChainContext("chain-1")
	require.NoError(t, ctx.Set("k", 42.0))
	blob := ctx.Serialize()

	restored := DeserializeChainContext(blob)
	assert.Equal(t, 42.0, restored.Get("k", nil))
}
