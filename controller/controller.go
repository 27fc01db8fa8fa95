// Package controller drives the iteration loop: one model call per
// iteration, streamed through the parser, classified, handed to the
// scheduler, and folded back into the conversation — repeating until one of
// four independent termination bounds fires.
package controller

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/gadgetcore/runtime/conversation"
	"github.com/gadgetcore/runtime/cost"
	"github.com/gadgetcore/runtime/gadget"
	"github.com/gadgetcore/runtime/gadgeterr"
	"github.com/gadgetcore/runtime/modelclient"
	"github.com/gadgetcore/runtime/observability"
	"github.com/gadgetcore/runtime/parser"
	"github.com/gadgetcore/runtime/pricing"
	"github.com/gadgetcore/runtime/ratelimit"
	"github.com/gadgetcore/runtime/retry"
	"github.com/gadgetcore/runtime/scheduler"
	"github.com/gadgetcore/runtime/tree"
)

// TextOnlyPolicy governs what happens when a response carries prose but no
// gadget invocations.
type TextOnlyPolicy string

const (
	TextOnlyTerminate    TextOnlyPolicy = "terminate"
	TextOnlyAcknowledge  TextOnlyPolicy = "acknowledge"
	TextOnlyWaitForInput TextOnlyPolicy = "wait_for_input"
	TextOnlyCustom       TextOnlyPolicy = "custom"
)

// PreCallAction is the pre-call hook's verdict for the upcoming model call.
type PreCallAction int

const (
	ActionProceed PreCallAction = iota
	ActionSkip
	ActionModify
)

// PreCallDecision is what a PreCallHook returns.
type PreCallDecision struct {
	Action   PreCallAction
	Messages []conversation.Message // only consulted when Action == ActionModify
}

// PreCallHook may skip, modify, or redirect the upcoming model call.
type PreCallHook func(ctx context.Context, messages []conversation.Message) PreCallDecision

// CustomTextOnlyHandler is invoked under TextOnlyCustom; it returns whether
// the loop should terminate and, if not, an optional message to append
// before re-entering.
type CustomTextOnlyHandler func(ctx context.Context, prose string) (terminate bool, followUp string, err error)

// Config is the per-agent configuration the controller is built from.
type Config struct {
	Model                  string
	Budget                 float64 // USD; 0 = unlimited
	MaxIterations          int     // 0 = unlimited
	TextOnlyPolicy         TextOnlyPolicy
	CustomTextOnlyHandler  CustomTextOnlyHandler
	TextWrappingGadgetName string // "" = prose becomes an assistant preamble instead
	ParserConfig           parser.Config
	SchedulerMode          scheduler.Mode
	SchedulerLimits        scheduler.Limits
	AgentConfig            map[string]any
	PreCall                PreCallHook
	HumanInput             scheduler.HumanInputFunc
	TextSubscriber         func(text string) // optional pass-through for streamed prose
	Observability          *observability.Manager // nil disables span/metric recording

	// RootNodeID is "" for a top-level agent, or the execution tree node id
	// of the gadget invocation that spawned this agent as a subagent. Every
	// LLM-call node this agent adds is parented there (spec.md "Subagent
	// sharing", S6).
	RootNodeID string
}

// EventType discriminates one emitted Event.
type EventType int

const (
	EventText EventType = iota
	EventLLMCallStarted
	EventLLMCallCompleted
	EventInvocationStarted
	EventInvocationCompleted
	EventTerminated
)

// Event is one unit the controller's loop yields.
type Event struct {
	Type      EventType
	Iteration int
	Text      string
	Model     string
	NodeID    string
	Outcome   *scheduler.Outcome
	Reason    gadgeterr.Reason
}

// Agent is the iteration controller. Build with New.
type Agent struct {
	cfg    Config
	conv   *conversation.Conversation
	llm    modelclient.Stream
	sched  *scheduler.Scheduler
	tree   *tree.Tree
	prices *pricing.Registry
	cost   *cost.Accumulator
	rate   *ratelimit.Tracker
	retry  *retry.Harness

	iteration int
}

// New builds an iteration controller sharing tree/cost/rate state with the
// rest of the agent (and, transitively, any subagent).
func New(cfg Config, conv *conversation.Conversation, llm modelclient.Stream, sched *scheduler.Scheduler, tr *tree.Tree, prices *pricing.Registry, accumulator *cost.Accumulator, rate *ratelimit.Tracker, retryHarness *retry.Harness) *Agent {
	if cfg.ParserConfig.StartPrefix == "" {
		cfg.ParserConfig = parser.DefaultConfig()
	}
	if retryHarness == nil {
		retryHarness = retry.New(retry.Config{})
	}
	a := &Agent{
		cfg:    cfg,
		conv:   conv,
		llm:    llm,
		sched:  sched,
		tree:   tr,
		prices: prices,
		cost:   accumulator,
		rate:   rate,
		retry:  retryHarness,
	}
	// The first agent built against a given scheduler installs the subagent
	// factory for its whole tree, root and every descendant alike — they
	// all share the same tree/cost/rate state, so it doesn't matter which
	// agent's closure ends up serving a later spawn request.
	if sched != nil && sched.SubagentFactory == nil {
		sched.SubagentFactory = a.spawnSubagent
	}
	return a
}

// spawnSubagent builds and runs a child agent rooted at rootNodeID, sharing
// this agent's tree, cost accumulator, rate-limit tracker, scheduler, model
// stream, and retry harness (spec.md "Subagent sharing", S6).
func (a *Agent) spawnSubagent(ctx context.Context, rootNodeID string, req gadget.SubagentRequest) (gadget.SubagentResult, error) {
	model := req.Model
	if model == "" {
		model = a.cfg.Model
	}
	maxIterations := req.MaxIterations
	if maxIterations == 0 {
		maxIterations = a.cfg.MaxIterations
	}
	budget := req.Budget
	if budget == 0 {
		budget = a.cfg.Budget
	}

	childCfg := a.cfg
	childCfg.Model = model
	childCfg.MaxIterations = maxIterations
	childCfg.Budget = budget
	childCfg.RootNodeID = rootNodeID

	childConv := conversation.New(req.SystemPrompt)
	childConv.AppendUser(req.UserMessage)

	child := New(childCfg, childConv, a.llm, a.sched, a.tree, a.prices, a.cost, a.rate, a.retry)

	var texts []string
	for ev, err := range child.Run(ctx) {
		if err != nil {
			return gadget.SubagentResult{}, fmt.Errorf("controller: subagent failed: %w", err)
		}
		if ev.Type == EventText {
			texts = append(texts, ev.Text)
		}
		if ev.Type == EventTerminated {
			break
		}
	}

	return gadget.SubagentResult{
		Text: strings.Join(texts, "\n"),
		Cost: a.tree.GetSubtreeCost(rootNodeID),
	}, nil
}

// Run drives the loop, yielding events until termination. Ranging with
// `for event, err := range agent.Run(ctx)` and returning false from the
// range body (via break) stops the loop early and releases the iterator.
func (a *Agent) Run(ctx context.Context) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			if reason, terminated := a.checkBounds(ctx); terminated {
				yield(Event{Type: EventTerminated, Iteration: a.iteration, Reason: reason}, nil)
				return
			}

			messages := a.conv.Messages()
			if a.cfg.PreCall != nil {
				decision := a.cfg.PreCall(ctx, messages)
				switch decision.Action {
				case ActionSkip:
					continue
				case ActionModify:
					messages = decision.Messages
				}
			}

			cont, err := a.runIteration(ctx, messages, yield)
			if err != nil {
				if !yield(Event{Type: EventTerminated, Iteration: a.iteration, Reason: gadgeterr.ReasonProviderFatal}, err) {
					return
				}
				return
			}
			if !cont {
				return
			}
		}
	}
}

// checkBounds evaluates the four independent termination bounds in order.
func (a *Agent) checkBounds(ctx context.Context) (gadgeterr.Reason, bool) {
	if ctx.Err() != nil {
		return gadgeterr.ReasonCancelled, true
	}
	if a.cfg.Budget > 0 && a.cost != nil && a.cost.Total() >= a.cfg.Budget {
		return gadgeterr.ReasonBudgetExhausted, true
	}
	if a.cfg.MaxIterations > 0 && a.iteration >= a.cfg.MaxIterations {
		return gadgeterr.ReasonIterationLimit, true
	}
	return "", false
}

// runIteration performs one full model-call-and-scheduling cycle. It returns
// (true, nil) to keep looping, (false, nil) when a terminal event was
// already yielded or the caller stopped ranging, and a non-nil error for a
// failure the loop cannot recover from (a rejected rate-limit reservation, a
// failed model call, or a failure while handling the invocations).
func (a *Agent) runIteration(ctx context.Context, messages []conversation.Message, yield func(Event, error) bool) (bool, error) {
	a.iteration++
	iterationNum := a.iteration

	estimatedTokens := a.estimateTokens(messages)
	var reservation *ratelimit.Reservation
	if a.rate != nil {
		res, err := a.rate.Reserve(time.Now(), estimatedTokens)
		if err != nil {
			return false, err
		}
		reservation = res
	}

	llmNodeID := a.tree.AddLLMCall(a.cfg.RootNodeID, iterationNum, a.cfg.Model)
	if !yield(Event{Type: EventLLMCallStarted, Iteration: iterationNum, Model: a.cfg.Model, NodeID: llmNodeID}, nil) {
		return false, nil
	}

	var span trace.Span
	spanCtx := ctx
	var obsTracer observability.SpanTracer
	if a.cfg.Observability != nil {
		obsTracer = a.cfg.Observability.Tracer()
		spanCtx, span = obsTracer.StartLLMCall(ctx, a.cfg.Model, iterationNum)
		a.cfg.Observability.Metrics().RecordIteration(ctx, a.cfg.Model)
	}

	type chunkResult struct {
		chunks []modelclient.Chunk
	}
	var collected chunkResult
	err := a.retry.Do(spanCtx, func(rctx context.Context) error {
		collected.chunks = nil
		ch, genErr := a.llm.Generate(rctx, modelclient.Request{Model: a.cfg.Model, Messages: messages})
		if genErr != nil {
			return genErr
		}
		for chunk := range ch {
			if chunk.Type == modelclient.ChunkError {
				return chunk.Err
			}
			collected.chunks = append(collected.chunks, chunk)
		}
		return nil
	})
	if err != nil {
		if obsTracer != nil {
			obsTracer.RecordError(span, err)
			span.End()
		}
		return false, fmt.Errorf("controller: model call failed: %w", err)
	}

	responseID := fmt.Sprintf("r_%d", iterationNum)
	var fired bool
	p := parser.New(a.cfg.ParserConfig, responseID, func(text string) {
		if fired {
			return
		}
		if a.cfg.TextSubscriber != nil {
			a.cfg.TextSubscriber(text)
		}
		if !yield(Event{Type: EventText, Iteration: iterationNum, Text: text}, nil) {
			fired = true
		}
	})

	var usage pricing.Usage
	var responseText strings.Builder
	for _, chunk := range collected.chunks {
		if chunk.Type == modelclient.ChunkText {
			p.Feed(chunk.Text)
			responseText.WriteString(chunk.Text)
		}
		if chunk.Type == modelclient.ChunkDone {
			usage = chunk.Usage
		}
	}
	invocations := p.Close()
	if usage.OutputTokens == 0 && a.prices != nil && responseText.Len() > 0 {
		if n, countErr := a.prices.CountTokens(a.cfg.Model, responseText.String()); countErr == nil {
			usage.OutputTokens = int64(n)
		}
	}

	// Even if the caller already stopped ranging mid-stream (fired), the
	// tree node and cost/rate bookkeeping for this call must still be
	// finalized — it already happened on the wire, the caller just isn't
	// watching anymore.
	callCost := 0.0
	if a.prices != nil {
		callCost = a.prices.Cost(a.cfg.Model, usage)
	}
	_ = a.tree.CompleteLLMCall(llmNodeID, tree.Usage{
		PromptTokens:     int(usage.InputTokens),
		CompletionTokens: int(usage.OutputTokens),
		TotalTokens:      int(usage.InputTokens + usage.OutputTokens),
	}, callCost, p.Prose())
	if callCost != 0 && a.cost != nil {
		a.cost.Add(callCost)
	}
	if a.rate != nil {
		a.rate.Commit(reservation, usage.InputTokens+usage.OutputTokens, time.Now())
	}
	if obsTracer != nil {
		obsTracer.AddLLMUsage(span, usage.InputTokens, usage.OutputTokens)
		span.End()
	}
	if fired {
		return false, nil
	}
	if !yield(Event{Type: EventLLMCallCompleted, Iteration: iterationNum, Model: a.cfg.Model, NodeID: llmNodeID}, nil) {
		return false, nil
	}

	prose := p.Prose()
	hasInvocations := len(invocations) > 0

	if !hasInvocations {
		return a.handleTextOnly(ctx, prose, yield)
	}

	return a.handleInvocations(ctx, llmNodeID, prose, invocations, yield)
}

func (a *Agent) estimateTokens(messages []conversation.Message) int64 {
	if a.prices == nil {
		return 0
	}
	var total int64
	for _, m := range messages {
		n, err := a.prices.CountTokens(a.cfg.Model, m.Content)
		if err != nil {
			continue
		}
		total += int64(n)
	}
	return total
}

func (a *Agent) handleTextOnly(ctx context.Context, prose string, yield func(Event, error) bool) (bool, error) {
	switch a.cfg.TextOnlyPolicy {
	case TextOnlyAcknowledge:
		a.conv.AppendAssistant(prose)
		a.conv.AppendAcknowledge()
		return true, nil
	case TextOnlyWaitForInput:
		a.conv.AppendAssistant(prose)
		if a.cfg.HumanInput == nil {
			return false, fmt.Errorf("controller: wait_for_input policy requires a human-input collaborator")
		}
		answer, err := a.cfg.HumanInput(ctx, prose)
		if err != nil {
			return false, fmt.Errorf("controller: human input collaborator failed: %w", err)
		}
		a.conv.AppendUser(answer)
		return true, nil
	case TextOnlyCustom:
		a.conv.AppendAssistant(prose)
		if a.cfg.CustomTextOnlyHandler == nil {
			return false, fmt.Errorf("controller: custom text-only policy requires a handler")
		}
		terminate, followUp, err := a.cfg.CustomTextOnlyHandler(ctx, prose)
		if err != nil {
			return false, err
		}
		if terminate {
			yield(Event{Type: EventTerminated, Iteration: a.iteration, Reason: gadgeterr.ReasonTaskComplete}, nil)
			return false, nil
		}
		if followUp != "" {
			a.conv.AppendUser(followUp)
		}
		return true, nil
	default: // TextOnlyTerminate, or unset
		a.conv.AppendAssistant(prose)
		yield(Event{Type: EventTerminated, Iteration: a.iteration, Reason: gadgeterr.ReasonTaskComplete}, nil)
		return false, nil
	}
}

func (a *Agent) handleInvocations(ctx context.Context, llmNodeID string, prose string, invocations []parser.Invocation, yield func(Event, error) bool) (bool, error) {
	if prose != "" {
		if a.cfg.TextWrappingGadgetName != "" {
			deps := make([]string, 0, len(invocations))
			for _, inv := range invocations {
				deps = append(deps, inv.InvocationID)
			}
			invocations = append(invocations, parser.Invocation{
				GadgetName:   a.cfg.TextWrappingGadgetName,
				InvocationID: fmt.Sprintf("%s_prose", llmNodeID),
				Dependencies: deps,
				Parameters:   map[string]any{"text": prose},
			})
		} else {
			a.conv.AppendAssistant(prose)
			_ = a.tree.AddText(llmNodeID, prose)
		}
	}

	for _, inv := range invocations {
		if !yield(Event{Type: EventInvocationStarted, Iteration: a.iteration, Text: inv.GadgetName}, nil) {
			return false, nil
		}
	}

	outcomes, err := a.sched.Run(ctx, llmNodeID, invocations, a.cfg.SchedulerMode, a.cfg.SchedulerLimits)
	if err != nil {
		return false, fmt.Errorf("controller: scheduler run failed: %w", err)
	}

	breaksLoop := false
	for i := range outcomes {
		o := &outcomes[i]
		assistantBlock := conversation.RenderInvocationBlock(a.cfg.ParserConfig, o.Invocation)
		resultText := o.ResultText
		if o.Err != nil {
			resultText = o.Err.Error()
		}
		a.conv.AppendInvocationResult(assistantBlock, o.Invocation.InvocationID, resultText, o.Media)

		if !yield(Event{Type: EventInvocationCompleted, Iteration: a.iteration, Outcome: o, NodeID: o.NodeID}, nil) {
			return false, nil
		}
		if o.BreaksLoop {
			breaksLoop = true
		}
	}

	if breaksLoop {
		yield(Event{Type: EventTerminated, Iteration: a.iteration, Reason: gadgeterr.ReasonTaskComplete}, nil)
		return false, nil
	}

	return true, nil
}
