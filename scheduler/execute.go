package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/gadgetcore/runtime/gadget"
	"github.com/gadgetcore/runtime/gadgeterr"
	"github.com/gadgetcore/runtime/modelclient"
	"github.com/gadgetcore/runtime/parser"
	"github.com/gadgetcore/runtime/tree"
)

type execResult struct {
	res gadget.Result
	err error
}

func (s *Scheduler) execute(ctx context.Context, parentLLMNodeID string, inv parser.Invocation, out *Outcome) {
	id := invocationIDOf(inv, 0)
	if inv.InvocationID != "" {
		id = inv.InvocationID
	}

	nodeID := s.Tree.AddGadget(parentLLMNodeID, id, inv.GadgetName, inv.Parameters, inv.Dependencies)
	out.NodeID = nodeID
	_ = s.Tree.StartGadget(nodeID)

	start := time.Now()
	var span trace.Span
	if t := s.tracer(); t != nil {
		ctx, span = t.StartGadgetExecution(ctx, inv.GadgetName, id)
		defer func() {
			t.RecordError(span, out.Err)
			span.End()
		}()
	}
	defer func() {
		if m := s.metrics(); m != nil {
			m.RecordGadgetExecution(ctx, inv.GadgetName, time.Since(start), out.Err)
		}
	}()

	g, err := s.Registry.MustLookup(inv.GadgetName)
	if err != nil {
		out.Err = gadgeterr.Wrap(gadgeterr.ReasonRegistryMiss, err.Error(), err)
		s.finish(nodeID, out)
		return
	}

	params, err := gadget.Coerce(g.Schema(), inv.Parameters)
	if err != nil {
		out.Err = gadgeterr.Wrap(gadgeterr.ReasonSchemaValidation, "parameter validation failed", err)
		s.finish(nodeID, out)
		return
	}

	var (
		mu    sync.Mutex
		total float64
	)
	reportCost := func(amount float64) {
		if amount == 0 {
			return
		}
		mu.Lock()
		total += amount
		mu.Unlock()
		if s.CostAccumulator != nil {
			s.CostAccumulator.Add(amount)
		}
	}

	var llmCaller gadget.LLMCaller
	if s.LLM != nil {
		llmCaller = modelclient.NewCostReportingStream(s.LLM, s.Prices, reportCost)
	}

	timeoutMs := g.TimeoutMs()
	if timeoutMs <= 0 {
		timeoutMs = int(s.DefaultTimeout / time.Millisecond)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeoutMs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var spawn gadget.SpawnFunc
	if s.SubagentFactory != nil {
		spawn = func(spawnCtx context.Context, req gadget.SubagentRequest) (gadget.SubagentResult, error) {
			return s.SubagentFactory(spawnCtx, nodeID, req)
		}
	}

	ectx := gadget.NewContext(runCtx, id, nodeID, reportCost, s.AgentConfig, llmCaller, spawn)

	resultCh := make(chan execResult, 1)
	go func() {
		res, err := g.Execute(runCtx, ectx, params)
		resultCh <- execResult{res: res, err: err}
	}()

	select {
	case r := <-resultCh:
		s.classify(nodeID, r, total, out)
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			// The cancellation signal is already asserted (runCtx.Done()
			// just fired); yield once so a cooperative gadget observing
			// ectx.Signal() gets a chance to react before we finalize.
			runtime.Gosched()
			out.Err = gadgeterr.New(gadgeterr.ReasonTimeout,
				fmt.Sprintf("gadget %q exceeded its %dms timeout", inv.GadgetName, timeoutMs))
		} else {
			out.Err = gadgeterr.Wrap(gadgeterr.ReasonAborted, "execution aborted", runCtx.Err())
		}
		out.Cost = total
	}

	s.finish(nodeID, out)
}

func (s *Scheduler) classify(nodeID string, r execResult, reportedCost float64, out *Outcome) {
	if r.err != nil {
		var taskComplete *gadget.TaskComplete
		if errors.As(r.err, &taskComplete) {
			out.ResultText = taskComplete.Message
			out.BreaksLoop = true
			out.Cost = reportedCost
			return
		}

		var humanInput *gadget.HumanInputRequired
		if errors.As(r.err, &humanInput) {
			if s.HumanInput == nil {
				out.Err = gadgeterr.New(gadgeterr.ReasonHumanInputUnavail,
					"gadget requested human input but no collaborator is configured")
				out.Cost = reportedCost
				return
			}
			answer, askErr := s.HumanInput(context.Background(), humanInput.Question)
			if askErr != nil {
				out.Err = gadgeterr.Wrap(gadgeterr.ReasonHumanInputUnavail, "human input collaborator failed", askErr)
				out.Cost = reportedCost
				return
			}
			out.ResultText = answer
			out.Cost = reportedCost
			return
		}

		out.Err = gadgeterr.Wrap(gadgeterr.ReasonExecutionError, "gadget execution failed", r.err)
		out.Cost = reportedCost
		return
	}

	out.ResultText = r.res.Text
	out.Cost = reportedCost + r.res.Cost
	if r.res.Cost > 0 && s.CostAccumulator != nil {
		s.CostAccumulator.Add(r.res.Cost)
	}

	if len(r.res.Media) == 0 {
		return
	}
	store := s.Media
	if store == nil {
		store = PassthroughMediaStore{}
	}
	stored := make([]gadget.Media, 0, len(r.res.Media))
	for _, m := range r.res.Media {
		savedID, err := store.Save(context.Background(), m)
		if err != nil {
			continue
		}
		m.ID = savedID
		stored = append(stored, m)
	}
	out.Media = stored
}

func (s *Scheduler) finish(nodeID string, out *Outcome) {
	_ = s.Tree.CompleteGadget(nodeID, tree.GadgetOutcome{
		Result:  out.ResultText,
		Err:     out.Err,
		Skipped: out.Skipped,
		Cost:    out.Cost,
		Media:   out.Media,
	})
}
