package modelstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetModelInfoByID(t *testing.T) {
	info := GetModelInfo("claude-sonnet-4-5")
	require.NotNil(t, info)
	assert.Equal(t, "anthropic", info.Provider)
	assert.Equal(t, 200000, info.ContextWindow)
}

func TestGetModelInfoByAlias(t *testing.T) {
	info := GetModelInfo("sonnet")
	require.NotNil(t, info)
	assert.Equal(t, "claude-sonnet-4-5", info.ID)

	info = GetModelInfo("gpt5")
	require.NotNil(t, info)
	assert.Equal(t, "openai", info.Provider)
}

func TestGetModelInfoUnknown(t *testing.T) {
	assert.Nil(t, GetModelInfo("made-up-model"))
}

func TestListModelsFiltersByProvider(t *testing.T) {
	all := ListModels("")
	assert.Equal(t, len(Models), len(all))

	anthropic := ListModels("anthropic")
	require.NotEmpty(t, anthropic)
	for _, m := range anthropic {
		assert.Equal(t, "anthropic", m.Provider)
	}
	assert.Less(t, len(anthropic), len(all))
}

func TestContextWindowFor(t *testing.T) {
	assert.Equal(t, 200000, ContextWindowFor("claude-sonnet-4-5"))
	assert.Equal(t, 0, ContextWindowFor("made-up-model"))
}
