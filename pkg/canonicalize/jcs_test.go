package canonicalize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCSSortsKeys(t *testing.T) {
	out, err := JCS(map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1}`, string(out))
}

func TestJCSRespectsStructTags(t *testing.T) {
	type payload struct {
		Zed   string `json:"zed"`
		Alpha int    `json:"alpha"`
	}
	out, err := JCS(payload{Zed: "z", Alpha: 1})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":1,"zed":"z"}`, string(out))
}

func TestHashDeterministic(t *testing.T) {
	v := map[string]any{"entity": "agent-1", "score": 430}
	h1, err := Hash(v)
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"score": 430, "entity": "agent-1"})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.True(t, strings.HasPrefix(h1, HashPrefix))
}

func TestHashDiffersOnMutation(t *testing.T) {
	h1, err := Hash(map[string]any{"score": 430})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"score": 431})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}
