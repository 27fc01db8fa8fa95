package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gadgetcore/runtime/conversation"
	"github.com/gadgetcore/runtime/cost"
	"github.com/gadgetcore/runtime/gadget"
	"github.com/gadgetcore/runtime/gadgeterr"
	"github.com/gadgetcore/runtime/modelclient"
	"github.com/gadgetcore/runtime/scheduler"
	"github.com/gadgetcore/runtime/tree"
)

// scriptedStream replays one canned chunk batch per call, in order; calling
// it more times than scripted reuses the last batch.
type scriptedStream struct {
	batches [][]modelclient.Chunk
	calls   int
}

func (s *scriptedStream) Generate(ctx context.Context, req modelclient.Request) (<-chan modelclient.Chunk, error) {
	idx := s.calls
	if idx >= len(s.batches) {
		idx = len(s.batches) - 1
	}
	s.calls++
	out := make(chan modelclient.Chunk, len(s.batches[idx]))
	for _, c := range s.batches[idx] {
		out <- c
	}
	close(out)
	return out, nil
}

func textBatch(text string) []modelclient.Chunk {
	return []modelclient.Chunk{{Type: modelclient.ChunkText, Text: text}, {Type: modelclient.ChunkDone}}
}

func newTestAgent(t *testing.T, cfg Config, llm modelclient.Stream, reg *gadget.Registry) (*Agent, *conversation.Conversation, *tree.Tree) {
	t.Helper()
	conv := conversation.New("")
	tr := tree.New()
	sched := &scheduler.Scheduler{Registry: reg, Tree: tr, DefaultTimeout: time.Second}
	agent := New(cfg, conv, llm, sched, tr, nil, &cost.Accumulator{}, nil, nil)
	return agent, conv, tr
}

func drain(t *testing.T, agent *Agent, ctx context.Context) []Event {
	t.Helper()
	var events []Event
	for ev, err := range agent.Run(ctx) {
		require.NoError(t, err)
		events = append(events, ev)
		if ev.Type == EventTerminated {
			break
		}
	}
	return events
}

func TestTextOnlyTerminatePolicyEndsLoop(t *testing.T) {
	llm := &scriptedStream{batches: [][]modelclient.Chunk{textBatch("all done, no gadgets needed")}}
	agent, conv, _ := newTestAgent(t, Config{Model: "demo", TextOnlyPolicy: TextOnlyTerminate}, llm, gadget.NewRegistry())

	events := drain(t, agent, context.Background())
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventTerminated, last.Type)
	assert.Equal(t, gadgeterr.ReasonTaskComplete, last.Reason)
	assert.Equal(t, 1, conv.Len())
}

func TestTextOnlyAcknowledgeReentersLoop(t *testing.T) {
	llm := &scriptedStream{batches: [][]modelclient.Chunk{textBatch("thinking..."), textBatch("still thinking...")}}
	agent, conv, _ := newTestAgent(t, Config{Model: "demo", TextOnlyPolicy: TextOnlyAcknowledge, MaxIterations: 2}, llm, gadget.NewRegistry())

	events := drain(t, agent, context.Background())
	last := events[len(events)-1]
	assert.Equal(t, EventTerminated, last.Type)
	assert.Equal(t, gadgeterr.ReasonIterationLimit, last.Reason)
	// Each iteration appends an assistant message plus a synthesized "continue".
	assert.Equal(t, 4, conv.Len())
}

func TestBudgetExhaustedTerminatesBeforeCall(t *testing.T) {
	llm := &scriptedStream{batches: [][]modelclient.Chunk{textBatch("should never run")}}
	agent, _, _ := newTestAgent(t, Config{Model: "demo", Budget: 1.0, TextOnlyPolicy: TextOnlyTerminate}, llm, gadget.NewRegistry())
	agent.cost.Add(2.0)

	events := drain(t, agent, context.Background())
	require.Len(t, events, 1)
	assert.Equal(t, EventTerminated, events[0].Type)
	assert.Equal(t, gadgeterr.ReasonBudgetExhausted, events[0].Reason)
	assert.Equal(t, 0, llm.calls)
}

func TestCancellationTerminatesImmediately(t *testing.T) {
	llm := &scriptedStream{batches: [][]modelclient.Chunk{textBatch("should never run")}}
	agent, _, _ := newTestAgent(t, Config{Model: "demo", TextOnlyPolicy: TextOnlyTerminate}, llm, gadget.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	events := drain(t, agent, ctx)
	require.Len(t, events, 1)
	assert.Equal(t, gadgeterr.ReasonCancelled, events[0].Reason)
}

func TestInvocationDispatchAndResultAppendedToConversation(t *testing.T) {
	reg := gadget.NewRegistry()
	require.NoError(t, reg.Register(gadget.New(gadget.Spec{
		Name: "echo",
		Execute: func(ctx context.Context, ectx *gadget.Context, params map[string]any) (gadget.Result, error) {
			return gadget.Text("echoed"), nil
		},
	})))

	responseText := "!!!GADGET_START:echo:gc_1\n!!!ARG:msg\nhi\n!!!GADGET_END:\n"
	llm := &scriptedStream{batches: [][]modelclient.Chunk{textBatch(responseText)}}
	agent, conv, _ := newTestAgent(t, Config{Model: "demo", TextOnlyPolicy: TextOnlyTerminate, MaxIterations: 1}, llm, reg)

	events := drain(t, agent, context.Background())
	last := events[len(events)-1]
	assert.Equal(t, EventTerminated, last.Type)
	assert.Equal(t, gadgeterr.ReasonIterationLimit, last.Reason)

	msgs := conv.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, conversation.RoleAssistant, msgs[0].Role)
	assert.Equal(t, conversation.RoleUser, msgs[1].Role)
	assert.Contains(t, msgs[1].Content, "Result (gc_1): echoed")
}

func TestTaskCompleteGadgetTerminatesLoop(t *testing.T) {
	reg := gadget.NewRegistry()
	require.NoError(t, reg.Register(gadget.New(gadget.Spec{
		Name: "finisher",
		Execute: func(ctx context.Context, ectx *gadget.Context, params map[string]any) (gadget.Result, error) {
			return gadget.Result{}, &gadget.TaskComplete{Message: "wrapped up"}
		},
	})))

	responseText := "!!!GADGET_START:finisher:gc_1\n!!!GADGET_END:\n"
	llm := &scriptedStream{batches: [][]modelclient.Chunk{textBatch(responseText)}}
	agent, _, _ := newTestAgent(t, Config{Model: "demo", TextOnlyPolicy: TextOnlyTerminate}, llm, reg)

	events := drain(t, agent, context.Background())
	last := events[len(events)-1]
	assert.Equal(t, EventTerminated, last.Type)
	assert.Equal(t, gadgeterr.ReasonTaskComplete, last.Reason)
}

func TestGadgetSpawnsSubagentSharingTreeAndCost(t *testing.T) {
	reg := gadget.NewRegistry()
	require.NoError(t, reg.Register(gadget.New(gadget.Spec{
		Name: "leaf",
		Execute: func(ctx context.Context, ectx *gadget.Context, params map[string]any) (gadget.Result, error) {
			return gadget.Result{Text: "leaf done", Cost: 3.5}, nil
		},
	})))
	require.NoError(t, reg.Register(gadget.New(gadget.Spec{
		Name: "spawner",
		Execute: func(ctx context.Context, ectx *gadget.Context, params map[string]any) (gadget.Result, error) {
			result, err := ectx.SpawnSubagent(ctx, gadget.SubagentRequest{
				SystemPrompt:  "",
				UserMessage:   "go",
				MaxIterations: 1,
			})
			if err != nil {
				return gadget.Result{}, err
			}
			ectx.ReportCost(1.5)
			return gadget.Text(result.Text), nil
		},
	})))

	outerResponse := "!!!GADGET_START:spawner:gc_1\n!!!GADGET_END:\n"
	childResponse := "Evaluating\n!!!GADGET_START:leaf:gc_1\n!!!GADGET_END:\n"
	llm := &scriptedStream{batches: [][]modelclient.Chunk{textBatch(outerResponse), textBatch(childResponse)}}

	agent, conv, tr := newTestAgent(t, Config{Model: "demo", TextOnlyPolicy: TextOnlyTerminate, MaxIterations: 1}, llm, reg)

	events := drain(t, agent, context.Background())
	last := events[len(events)-1]
	assert.Equal(t, EventTerminated, last.Type)
	assert.Equal(t, gadgeterr.ReasonIterationLimit, last.Reason)
	require.Equal(t, 2, llm.calls)

	msgs := conv.Messages()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Content, "Result (gc_1): Evaluating")

	var spawnerNodeID string
	for _, n := range tr.Snapshot() {
		if n.Kind == tree.KindGadget && n.Name == "spawner" {
			spawnerNodeID = n.ID
		}
	}
	require.NotEmpty(t, spawnerNodeID)

	var childLLMNode *tree.Node
	for _, n := range tr.Snapshot() {
		n := n
		if n.Kind == tree.KindLLMCall && n.ParentID == spawnerNodeID {
			childLLMNode = &n
		}
	}
	require.NotNil(t, childLLMNode, "the subagent's LLM call must be parented at the spawning gadget's node")
	assert.Equal(t, 1, childLLMNode.Iteration)

	// Subtree cost rolls up the spawner's own reported cost plus its
	// subagent's descendant costs, with no double-counting.
	assert.Equal(t, 5.0, tr.GetSubtreeCost(spawnerNodeID))
}

func TestParseErrorInvocationRecordsErrorResult(t *testing.T) {
	reg := gadget.NewRegistry()
	// A start marker that never closes: unterminated at end of stream.
	responseText := "!!!GADGET_START:ghost:gc_1\n"
	llm := &scriptedStream{batches: [][]modelclient.Chunk{textBatch(responseText)}}
	agent, conv, _ := newTestAgent(t, Config{Model: "demo", TextOnlyPolicy: TextOnlyTerminate, MaxIterations: 1}, llm, reg)

	_ = drain(t, agent, context.Background())
	msgs := conv.Messages()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Content, "Result (gc_1):")
}
