package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCostComputesFromRegisteredRate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(ModelRate{
		Model:            "gpt-4",
		InputPerMillion:  30,
		OutputPerMillion: 60,
	}))

	cost := r.Cost("gpt-4", Usage{InputTokens: 1_000_000, OutputTokens: 500_000})
	assert.InDelta(t, 30+30, cost, 1e-9)
}

func TestCostSilentlyZeroForUnregisteredModel(t *testing.T) {
	r := NewRegistry()
	cost := r.Cost("unknown-model", Usage{InputTokens: 1000})
	assert.Equal(t, 0.0, cost)
}

func TestRegisterReplacesExistingRate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(ModelRate{Model: "gpt-4", InputPerMillion: 10}))
	require.NoError(t, r.Register(ModelRate{Model: "gpt-4", InputPerMillion: 20}))

	rate, ok := r.Rate("gpt-4")
	require.True(t, ok)
	assert.Equal(t, 20.0, rate.InputPerMillion)
}

func TestRegisterRejectsEmptyModel(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(ModelRate{Model: ""}))
}
