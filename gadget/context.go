package gadget

import (
	"context"
	"fmt"
)

// Context is the execution context handed to a gadget for one invocation. It
// bundles the cost reporter callback, the cancellation signal, a read-only
// snapshot of agent configuration, an optional cost-reporting LLM client for
// gadgets that themselves make model calls, and an optional subagent spawner
// (spec.md "Subagent sharing", S6).
type Context struct {
	ctx          context.Context
	invocationID string
	nodeID       string
	reportCost   func(amount float64)
	config       map[string]any
	llm          LLMCaller
	spawn        SpawnFunc
}

// LLMCaller is the minimal surface a cost-reporting model client exposes to
// a gadget; the concrete stream adapter lives in package modelclient and is
// wrapped so every call auto-reports cost against the shared accumulator.
type LLMCaller interface {
	Call(ctx context.Context, prompt string) (text string, err error)
}

// SubagentRequest configures a child agent a gadget may spawn. The child is
// rooted at this invocation's own execution tree node and shares the parent
// agent's tree, cost accumulator, and rate-limit tracker — the "shared
// mutable state across subagents" spec.md requires be passed through the
// gadget's execution context rather than recreated.
type SubagentRequest struct {
	Model         string  // "" reuses the parent agent's model
	SystemPrompt  string
	UserMessage   string
	MaxIterations int     // 0 reuses the parent agent's bound
	Budget        float64 // 0 reuses the parent agent's bound
}

// SubagentResult is a completed subagent's outcome: its final textual
// response, and its subtree cost already rolled up from the shared execution
// tree (tree.Tree.GetSubtreeCost), so callers never double-count.
type SubagentResult struct {
	Text string
	Cost float64
}

// SpawnFunc builds and runs a subagent to completion, bound to the calling
// invocation's own tree node so every LLM call and further gadget dispatch
// the subagent makes is recorded as a descendant of that node.
type SpawnFunc func(ctx context.Context, req SubagentRequest) (SubagentResult, error)

// NewContext builds an execution context. reportCost and spawn may be nil;
// a nil spawn means the scheduler that dispatched this invocation was not
// wired with a subagent factory, and SpawnSubagent will report that.
func NewContext(ctx context.Context, invocationID, nodeID string, reportCost func(float64), config map[string]any, llm LLMCaller, spawn SpawnFunc) *Context {
	if reportCost == nil {
		reportCost = func(float64) {}
	}
	return &Context{
		ctx:          ctx,
		invocationID: invocationID,
		nodeID:       nodeID,
		reportCost:   reportCost,
		config:       config,
		llm:          llm,
		spawn:        spawn,
	}
}

// Signal returns the cancellation context. Gadgets that want cooperative
// cancellation should select on Signal().Done().
func (c *Context) Signal() context.Context { return c.ctx }

// InvocationID returns the stable id of the invocation being executed.
func (c *Context) InvocationID() string { return c.invocationID }

// NodeID returns the execution tree node id assigned to this invocation.
func (c *Context) NodeID() string { return c.nodeID }

// ReportCost folds amount into the shared cost accumulator immediately.
func (c *Context) ReportCost(amount float64) {
	if amount != 0 {
		c.reportCost(amount)
	}
}

// Config returns the read-only agent configuration snapshot.
func (c *Context) Config() map[string]any { return c.config }

// LLM returns the cost-reporting model caller, or nil if none was wired.
func (c *Context) LLM() LLMCaller { return c.llm }

// SpawnSubagent builds and runs a child agent sharing this invocation's
// tree, cost accumulator, and rate-limit tracker, rooted at this
// invocation's own node (spec.md "Subagent sharing", S6). It returns an
// error if the scheduler that dispatched this invocation was not wired with
// a subagent factory.
func (c *Context) SpawnSubagent(ctx context.Context, req SubagentRequest) (SubagentResult, error) {
	if c.spawn == nil {
		return SubagentResult{}, fmt.Errorf("gadget: subagent spawning is not configured for this execution context")
	}
	return c.spawn(ctx, req)
}
