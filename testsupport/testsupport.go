// Package testsupport provides testing utilities for the gadget runtime:
// a deterministic chunked model stream, a fixed-latency gadget, and a
// cycle-inducing dependency graph — never a production provider adapter.
package testsupport

import (
	"context"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/gadgetcore/runtime/gadget"
	"github.com/gadgetcore/runtime/modelclient"
	"github.com/gadgetcore/runtime/parser"
	"github.com/gadgetcore/runtime/pricing"
)

// FakeStream implements modelclient.Stream by replaying one scripted batch
// of chunks per call, each chunk released after Delay. Calling it more
// times than there are scripted batches replays the last one.
type FakeStream struct {
	Batches [][]modelclient.Chunk
	Delay   time.Duration

	calls int
}

// NewFakeStream builds a FakeStream from a flat list of response texts, one
// batch per call, each followed by a ChunkDone carrying usage.
func NewFakeStream(responses ...string) *FakeStream {
	batches := make([][]modelclient.Chunk, len(responses))
	for i, r := range responses {
		batches[i] = []modelclient.Chunk{
			{Type: modelclient.ChunkText, Text: r},
			{Type: modelclient.ChunkDone, Usage: pricing.Usage{InputTokens: 10, OutputTokens: 10}},
		}
	}
	return &FakeStream{Batches: batches}
}

// Calls reports how many times Generate has been invoked.
func (f *FakeStream) Calls() int { return f.calls }

// Generate implements modelclient.Stream.
func (f *FakeStream) Generate(ctx context.Context, req modelclient.Request) (<-chan modelclient.Chunk, error) {
	idx := f.calls
	if idx >= len(f.Batches) {
		idx = len(f.Batches) - 1
	}
	f.calls++

	batch := f.Batches[idx]
	out := make(chan modelclient.Chunk)
	go func() {
		defer close(out)
		for _, c := range batch {
			if f.Delay > 0 {
				select {
				case <-time.After(f.Delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// FixedLatencyGadget is a Gadget that sleeps for Delay and then returns
// Result unless the context is canceled first, useful for exercising the
// scheduler's timeout and cancellation paths.
type FixedLatencyGadget struct {
	NameValue string
	Delay     time.Duration
	Result    gadget.Result
	Err       error
}

func (g *FixedLatencyGadget) Name() string        { return g.NameValue }
func (g *FixedLatencyGadget) Description() string { return "fixed-latency test gadget" }
func (g *FixedLatencyGadget) Schema() *jsonschema.Schema { return nil }
func (g *FixedLatencyGadget) TimeoutMs() int      { return 0 }

func (g *FixedLatencyGadget) Execute(ctx context.Context, ectx *gadget.Context, params map[string]any) (gadget.Result, error) {
	select {
	case <-time.After(g.Delay):
		return g.Result, g.Err
	case <-ctx.Done():
		return gadget.Result{}, ctx.Err()
	}
}

// CyclicInvocations returns a batch of three invocation specs whose
// dependencies form a 3-cycle (a -> b -> c -> a), for scheduler cycle
// detection tests.
func CyclicInvocations(gadgetName string) []parser.Invocation {
	return []parser.Invocation{
		{GadgetName: gadgetName, InvocationID: "a", Dependencies: []string{"c"}},
		{GadgetName: gadgetName, InvocationID: "b", Dependencies: []string{"a"}},
		{GadgetName: gadgetName, InvocationID: "c", Dependencies: []string{"b"}},
	}
}
