package modelclient

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gadgetcore/runtime/pricing"
)

type scriptedStream struct {
	chunks []Chunk
}

func (s *scriptedStream) Generate(ctx context.Context, req Request) (<-chan Chunk, error) {
	out := make(chan Chunk, len(s.chunks))
	for _, c := range s.chunks {
		out <- c
	}
	close(out)
	return out, nil
}

func newRegistryWithRate(t *testing.T) *pricing.Registry {
	t.Helper()
	reg := pricing.NewRegistry()
	require.NoError(t, reg.Register(pricing.ModelRate{
		Model:            "demo-model",
		InputPerMillion:  1,
		OutputPerMillion: 2,
		TiktokenEncoding: "cl100k_base",
	}))
	return reg
}

func TestCostReportingStreamReportsOnDoneChunk(t *testing.T) {
	inner := &scriptedStream{chunks: []Chunk{
		{Type: ChunkText, Text: "hello"},
		{Type: ChunkDone, Usage: pricing.Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000}},
	}}

	var reported float64
	wrapped := NewCostReportingStream(inner, newRegistryWithRate(t), func(amount float64) {
		reported += amount
	})

	ch, err := wrapped.Generate(context.Background(), Request{Model: "demo-model"})
	require.NoError(t, err)

	var gotText string
	for chunk := range ch {
		if chunk.Type == ChunkText {
			gotText += chunk.Text
		}
	}

	assert.Equal(t, "hello", gotText)
	assert.InDelta(t, 3.0, reported, 0.0001) // 1M input tokens * $1/M + 1M output tokens * $2/M
}

func TestCostReportingStreamSkipsZeroCostForUnregisteredModel(t *testing.T) {
	inner := &scriptedStream{chunks: []Chunk{
		{Type: ChunkDone, Usage: pricing.Usage{InputTokens: 10}},
	}}

	called := false
	wrapped := NewCostReportingStream(inner, newRegistryWithRate(t), func(amount float64) {
		called = true
	})

	ch, err := wrapped.Generate(context.Background(), Request{Model: "unregistered"})
	require.NoError(t, err)
	for range ch {
	}
	assert.False(t, called)
}

func TestCostReportingStreamNilReportIsSafe(t *testing.T) {
	inner := &scriptedStream{chunks: []Chunk{{Type: ChunkDone}}}
	wrapped := NewCostReportingStream(inner, newRegistryWithRate(t), nil)

	ch, err := wrapped.Generate(context.Background(), Request{Model: "demo-model"})
	require.NoError(t, err)
	for range ch {
	}
}

func TestCallConcatenatesTextChunks(t *testing.T) {
	inner := &scriptedStream{chunks: []Chunk{
		{Type: ChunkText, Text: "foo"},
		{Type: ChunkText, Text: "bar"},
		{Type: ChunkDone},
	}}
	wrapped := NewCostReportingStream(inner, newRegistryWithRate(t), nil)

	text, err := wrapped.Call(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "foobar", text)
}

func TestCallReturnsErrorFromErrorChunk(t *testing.T) {
	inner := &scriptedStream{chunks: []Chunk{
		{Type: ChunkError, Err: errors.New("boom")},
	}}
	wrapped := NewCostReportingStream(inner, newRegistryWithRate(t), nil)

	_, err := wrapped.Call(context.Background(), "prompt")
	require.Error(t, err)
	assert.Equal(t, "boom", err.Error())
}
