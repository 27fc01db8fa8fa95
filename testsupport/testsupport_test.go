package testsupport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gadgetcore/runtime/gadget"
	"github.com/gadgetcore/runtime/modelclient"
)

func TestFakeStreamReplaysScriptedBatchesInOrder(t *testing.T) {
	fs := NewFakeStream("first", "second")

	ch, err := fs.Generate(context.Background(), modelclient.Request{Model: "demo"})
	require.NoError(t, err)
	var got string
	for c := range ch {
		if c.Type == modelclient.ChunkText {
			got += c.Text
		}
	}
	assert.Equal(t, "first", got)

	ch, err = fs.Generate(context.Background(), modelclient.Request{Model: "demo"})
	require.NoError(t, err)
	got = ""
	for c := range ch {
		if c.Type == modelclient.ChunkText {
			got += c.Text
		}
	}
	assert.Equal(t, "second", got)
	assert.Equal(t, 2, fs.Calls())
}

func TestFakeStreamRepeatsLastBatchPastScriptedCalls(t *testing.T) {
	fs := NewFakeStream("only")
	for i := 0; i < 3; i++ {
		ch, err := fs.Generate(context.Background(), modelclient.Request{Model: "demo"})
		require.NoError(t, err)
		var got string
		for c := range ch {
			if c.Type == modelclient.ChunkText {
				got += c.Text
			}
		}
		assert.Equal(t, "only", got)
	}
}

func TestFakeStreamHonorsContextCancellation(t *testing.T) {
	fs := &FakeStream{
		Batches: [][]modelclient.Chunk{{{Type: modelclient.ChunkText, Text: "x"}}},
		Delay:   50 * time.Millisecond,
	}
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := fs.Generate(ctx, modelclient.Request{Model: "demo"})
	require.NoError(t, err)
	cancel()

	var count int
	for range ch {
		count++
	}
	assert.Equal(t, 0, count)
}

func TestFixedLatencyGadgetReturnsAfterDelay(t *testing.T) {
	g := &FixedLatencyGadget{NameValue: "slow", Delay: 5 * time.Millisecond, Result: gadget.Text("done")}
	ectx := gadget.NewContext(context.Background(), "inv", "node", nil, nil, nil, nil)
	res, err := g.Execute(context.Background(), ectx, nil)
	require.NoError(t, err)
	assert.Equal(t, "done", res.Text)
}

func TestFixedLatencyGadgetRespectsCancellation(t *testing.T) {
	g := &FixedLatencyGadget{NameValue: "slow", Delay: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	ectx := gadget.NewContext(ctx, "inv", "node", nil, nil, nil, nil)
	cancel()
	_, err := g.Execute(ctx, ectx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCyclicInvocationsFormsThreeCycle(t *testing.T) {
	invs := CyclicInvocations("noop")
	require.Len(t, invs, 3)
	byID := map[string][]string{}
	for _, inv := range invs {
		byID[inv.InvocationID] = inv.Dependencies
	}
	assert.Equal(t, []string{"c"}, byID["a"])
	assert.Equal(t, []string{"a"}, byID["b"])
	assert.Equal(t, []string{"b"}, byID["c"])
}
