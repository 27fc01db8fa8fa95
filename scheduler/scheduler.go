// Package scheduler resolves a batch of parsed invocations into a dependency
// DAG, dispatches ready gadgets with bounded concurrency, and folds their
// outcomes back into the execution tree. It owns the per-invocation
// lifecycle (lookup, coerce, execute, classify) described for the executor,
// but never touches the conversation log directly — that is the
// controller's job, using the ordered results this package returns.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gadgetcore/runtime/cost"
	"github.com/gadgetcore/runtime/gadget"
	"github.com/gadgetcore/runtime/gadgeterr"
	"github.com/gadgetcore/runtime/modelclient"
	"github.com/gadgetcore/runtime/observability"
	"github.com/gadgetcore/runtime/parser"
	"github.com/gadgetcore/runtime/pricing"
	"github.com/gadgetcore/runtime/tree"
)

// Mode selects how ready invocations within a layer are dispatched.
type Mode int

const (
	// ModeParallel runs every currently ready invocation concurrently.
	ModeParallel Mode = iota
	// ModeSequential runs at most one invocation at a time, in the textual
	// order the invocations appeared in the response.
	ModeSequential
)

// Limits bounds a single Run call.
type Limits struct {
	// MaxConcurrent caps simultaneously-running invocations under
	// ModeParallel. 0 means unlimited.
	MaxConcurrent int
	// MaxGadgetsPerResponse caps how many invocations from this batch may
	// be dispatched in total. 0 means unlimited. The bound is applied after
	// the first N invocations have been dispatched; already-dispatched
	// invocations always finish, and the remainder are skipped with an
	// explanatory result.
	MaxGadgetsPerResponse int
}

// HumanInputFunc asks the external human-input collaborator a question and
// returns their answer.
type HumanInputFunc func(ctx context.Context, question string) (string, error)

// MediaStore persists a gadget-produced media item and returns a stable id
// referenced by the result message seen by the model.
type MediaStore interface {
	Save(ctx context.Context, m gadget.Media) (id string, err error)
}

// PassthroughMediaStore returns the Media's own ID unchanged, assigning one
// from the Source field if ID is empty. It is the default used when no
// external store is configured.
type PassthroughMediaStore struct{}

func (PassthroughMediaStore) Save(_ context.Context, m gadget.Media) (string, error) {
	if m.ID != "" {
		return m.ID, nil
	}
	return m.Source, nil
}

// Scheduler dispatches one response's batch of invocations against a gadget
// registry, recording every step in the shared execution tree.
type Scheduler struct {
	Registry        *gadget.Registry
	Tree            *tree.Tree
	Prices          *pricing.Registry
	DefaultTimeout  time.Duration
	HumanInput      HumanInputFunc
	Media           MediaStore
	LLM             modelclient.Stream // nil disables ctx.llm for gadgets
	AgentConfig     map[string]any
	CostAccumulator *cost.Accumulator      // nil disables shared cost reporting
	Observability   *observability.Manager // nil disables span/metric recording

	// SubagentFactory builds and runs a child agent rooted at rootNodeID
	// (the spawning gadget's own tree node), sharing this scheduler's tree,
	// cost accumulator, and rate-limit tracker. It is wired in by
	// controller.New; nil disables gadget-initiated subagents (spec.md
	// "Subagent sharing", S6).
	SubagentFactory func(ctx context.Context, rootNodeID string, req gadget.SubagentRequest) (gadget.SubagentResult, error)
}

func (s *Scheduler) tracer() observability.SpanTracer {
	if s.Observability == nil {
		return nil
	}
	return s.Observability.Tracer()
}

func (s *Scheduler) metrics() observability.MeterRecorder {
	if s.Observability == nil {
		return nil
	}
	return s.Observability.Metrics()
}

// Outcome is one invocation's terminal result, in the order needed for
// conversation insertion — textual/response order, independent of the
// order in which the invocations actually finished running.
type Outcome struct {
	Invocation parser.Invocation
	NodeID     string
	ResultText string
	Media      []gadget.Media
	Cost       float64
	BreaksLoop bool
	Skipped    bool
	Err        error
}

// invocationState tracks the per-invocation lifecycle:
// pending -> ready -> running -> (completed | errored | skipped | aborted | timed_out).
type invocationState int

const (
	statePending invocationState = iota
	stateReady
	stateRunning
	stateDone
)

// Run resolves dependencies among invs, dispatches ready gadgets under mode
// and limits, and returns one Outcome per invocation in invs' original
// textual order.
func (s *Scheduler) Run(ctx context.Context, parentLLMNodeID string, invs []parser.Invocation, mode Mode, limits Limits) ([]Outcome, error) {
	if len(invs) == 0 {
		return nil, nil
	}

	byID := make(map[string]int, len(invs))
	for i, inv := range invs {
		id := inv.InvocationID
		if id == "" {
			id = fmt.Sprintf("gc_%d", i)
		}
		byID[id] = i
	}

	cyclic, unknownDeps := resolveGraph(invs, byID)

	outcomes := make([]*Outcome, len(invs))
	for i, inv := range invs {
		outcomes[i] = &Outcome{Invocation: inv}
	}

	// Invocations carrying a parse error never reach dependency resolution
	// or dispatch; they are reported as-is.
	failed := make(map[string]string) // invocationId -> reason, for skip propagation
	for i, inv := range invs {
		id := invocationIDOf(inv, i)
		if inv.ParseError != nil {
			outcomes[i].Err = gadgeterr.Wrap(gadgeterr.ReasonParseError, "invocation failed to parse", inv.ParseError)
			failed[id] = outcomes[i].Err.Error()
		}
		if desc, ok := cyclic[id]; ok {
			outcomes[i].Err = gadgeterr.New(gadgeterr.ReasonCycleDetected, desc)
			failed[id] = desc
		}
		if missing, ok := unknownDeps[id]; ok {
			msg := fmt.Sprintf("unknown dependency %v", missing)
			outcomes[i].Err = gadgeterr.New(gadgeterr.ReasonDependencyFailed, msg)
			failed[id] = msg
		}
	}

	states := make([]invocationState, len(invs))
	for i := range invs {
		id := invocationIDOf(invs[i], i)
		if _, bad := failed[id]; bad {
			states[i] = stateDone
		}
	}

	dispatched := 0
	maxDispatch := limits.MaxGadgetsPerResponse

	for {
		ready := readyIndices(invs, byID, states, failed)
		if len(ready) == 0 {
			break
		}
		if mode == ModeSequential {
			ready = ready[:1]
		}

		var toRun []int
		for _, idx := range ready {
			if maxDispatch > 0 && dispatched >= maxDispatch {
				id := invocationIDOf(invs[idx], idx)
				outcomes[idx].Skipped = true
				outcomes[idx].Err = gadgeterr.New(gadgeterr.ReasonMaxPerResponse,
					fmt.Sprintf("skipped: response exceeded the %d-gadget dispatch limit", limits.MaxGadgetsPerResponse))
				failed[id] = outcomes[idx].Err.Error()
				states[idx] = stateDone
				continue
			}
			states[idx] = stateRunning
			dispatched++
			toRun = append(toRun, idx)
		}
		if len(toRun) == 0 {
			continue
		}

		group, gctx := errgroup.WithContext(ctx)
		concurrency := limits.MaxConcurrent
		if mode == ModeSequential {
			concurrency = 1
		}
		if concurrency > 0 {
			group.SetLimit(concurrency)
		}

		for _, idx := range toRun {
			idx := idx
			group.Go(func() error {
				s.execute(gctx, parentLLMNodeID, invs[idx], outcomes[idx])
				return nil
			})
		}
		_ = group.Wait()

		for _, idx := range toRun {
			states[idx] = stateDone
			if outcomes[idx].Err != nil || outcomes[idx].Skipped {
				failed[invocationIDOf(invs[idx], idx)] = describeFailure(outcomes[idx])
			}
		}
	}

	// Any invocation never reached (blocked transitively behind a failed
	// dependency) is marked skipped here.
	for i := range invs {
		if states[i] == stateDone {
			continue
		}
		id := invocationIDOf(invs[i], i)
		reason, blocked := failed[id]
		if !blocked {
			reason = blockingReason(invs[i], byID, failed)
		}
		outcomes[i].Skipped = true
		outcomes[i].Err = gadgeterr.New(gadgeterr.ReasonDependencyFailed, reason)
	}

	// Every invocation gets a tree node, even ones that never reached
	// dispatch (parse error, cycle, unknown dependency, or transitive
	// skip), so the tree is a complete record of what happened to the
	// batch.
	for i, o := range outcomes {
		if o.NodeID != "" {
			continue
		}
		id := invocationIDOf(invs[i], i)
		nodeID := s.Tree.AddGadget(parentLLMNodeID, id, invs[i].GadgetName, invs[i].Parameters, invs[i].Dependencies)
		o.NodeID = nodeID
		_ = s.Tree.CompleteGadget(nodeID, tree.GadgetOutcome{
			Err:     o.Err,
			Skipped: o.Skipped,
		})
	}

	result := make([]Outcome, len(outcomes))
	for i, o := range outcomes {
		result[i] = *o
	}
	return result, nil
}

func describeFailure(o *Outcome) string {
	if o.Err != nil {
		return o.Err.Error()
	}
	return "skipped"
}

func blockingReason(inv parser.Invocation, byID map[string]int, failed map[string]string) string {
	for _, dep := range inv.Dependencies {
		if reason, ok := failed[dep]; ok {
			return fmt.Sprintf("dependency %q failed: %s", dep, reason)
		}
	}
	return "blocked by a failed dependency"
}

func invocationIDOf(inv parser.Invocation, idx int) string {
	if inv.InvocationID != "" {
		return inv.InvocationID
	}
	return fmt.Sprintf("gc_%d", idx)
}

// readyIndices returns, in textual order, every not-yet-done invocation
// whose dependencies are all done-and-successful.
func readyIndices(invs []parser.Invocation, byID map[string]int, states []invocationState, failed map[string]string) []int {
	var ready []int
	for i, inv := range invs {
		if states[i] != statePending {
			continue
		}
		allDepsClear := true
		for _, dep := range inv.Dependencies {
			depIdx, known := byID[dep]
			if !known {
				allDepsClear = false
				break
			}
			if states[depIdx] != stateDone {
				allDepsClear = false
				break
			}
			if _, bad := failed[dep]; bad {
				allDepsClear = false
				break
			}
		}
		if allDepsClear {
			ready = append(ready, i)
		}
	}
	return ready
}

// resolveGraph runs Kahn's algorithm over the declared dependency edges. It
// returns the set of invocation ids caught in a cycle (directly or
// transitively, since their indegree can never fully drain) mapped to a
// human-readable cycle description, plus any invocation whose declared
// dependency does not exist in this batch.
func resolveGraph(invs []parser.Invocation, byID map[string]int) (cyclic map[string]string, unknownDeps map[string][]string) {
	indegree := make(map[string]int, len(invs))
	dependents := make(map[string][]string)
	unknownDeps = make(map[string][]string)

	ids := make([]string, len(invs))
	for i, inv := range invs {
		id := invocationIDOf(inv, i)
		ids[i] = id
		indegree[id] = 0
	}
	for i, inv := range invs {
		id := ids[i]
		for _, dep := range inv.Dependencies {
			if _, ok := byID[dep]; !ok {
				unknownDeps[id] = append(unknownDeps[id], dep)
				continue
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var queue []string
	for _, id := range ids {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	processed := make(map[string]bool, len(ids))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed[id] = true
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	cyclic = make(map[string]string)
	var stuck []string
	for _, id := range ids {
		if !processed[id] {
			stuck = append(stuck, id)
		}
	}
	if len(stuck) > 0 {
		sort.Strings(stuck)
		desc := fmt.Sprintf("dependency cycle detected among invocations %v", stuck)
		for _, id := range stuck {
			cyclic[id] = desc
		}
	}
	return cyclic, unknownDeps
}
