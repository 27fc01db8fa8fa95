// Command gadgetrun is a small demonstration harness: it loads a YAML agent
// configuration, registers a couple of illustrative gadgets, and drives the
// iteration controller against a scripted FakeStream — a runnable
// demonstration of wiring, not a gadget library of its own. No real network
// calls are made.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/gadgetcore/runtime/config"
	"github.com/gadgetcore/runtime/controller"
	"github.com/gadgetcore/runtime/conversation"
	"github.com/gadgetcore/runtime/cost"
	"github.com/gadgetcore/runtime/gadget"
	"github.com/gadgetcore/runtime/logger"
	"github.com/gadgetcore/runtime/observability"
	"github.com/gadgetcore/runtime/parser"
	"github.com/gadgetcore/runtime/pricing"
	"github.com/gadgetcore/runtime/ratelimit"
	"github.com/gadgetcore/runtime/retry"
	"github.com/gadgetcore/runtime/scheduler"
	"github.com/gadgetcore/runtime/testsupport"
	"github.com/gadgetcore/runtime/tree"
)

// CLI defines the gadgetrun command-line interface.
type CLI struct {
	Run RunCmd `cmd:"" help:"Run an agent against a scripted conversation."`
}

// RunCmd loads an agent config and drives it through a scripted exchange.
type RunCmd struct {
	Config  string   `short:"c" help:"Path to the agent YAML config." required:""`
	Agent   string   `short:"a" help:"Agent name within the config to run." default:"main"`
	Script  []string `help:"Scripted model responses to feed the FakeStream, one per iteration."`
	Message string   `short:"m" help:"Seed user message." default:"hello"`
}

func (c *RunCmd) Run() error {
	_ = config.LoadEnvFiles()

	level, _ := logger.ParseLevel(os.Getenv("GADGETRUN_LOG_LEVEL"))
	logger.Init(level, os.Stderr, "simple")
	log := logger.GetLogger()

	cfg, err := config.LoadConfig(c.Config)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	agentCfg, ok := cfg.GetAgent(c.Agent)
	if !ok {
		return fmt.Errorf("agent %q not found in %s", c.Agent, c.Config)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	prices := pricing.NewRegistry()
	for _, m := range cfg.Models {
		if err := prices.Register(pricing.ModelRate{
			Model:                   m.Model,
			InputPerMillion:         m.InputPerMillion,
			OutputPerMillion:        m.OutputPerMillion,
			CachedInputPerMillion:   m.CachedInputPerMillion,
			CacheCreationPerMillion: m.CacheCreationPerMillion,
			ReasoningPerMillion:     m.ReasoningPerMillion,
			TiktokenEncoding:        m.TiktokenEncoding,
		}); err != nil {
			return fmt.Errorf("registering model pricing %q: %w", m.Model, err)
		}
	}

	registry := gadget.NewRegistry()
	if len(agentCfg.Gadgets) == 0 {
		_ = registry.Register(newEchoGadget())
		_ = registry.Register(newCalculatorGadget())
	} else {
		available := map[string]gadget.Gadget{
			"echo":       newEchoGadget(),
			"calculator": newCalculatorGadget(),
		}
		for _, gc := range agentCfg.Gadgets {
			if !gc.IsEnabled() {
				continue
			}
			g, known := available[gc.Name]
			if !known {
				return fmt.Errorf("unknown gadget %q in agent %q", gc.Name, c.Agent)
			}
			if err := registry.Register(g); err != nil {
				return fmt.Errorf("registering gadget %q: %w", gc.Name, err)
			}
		}
	}

	costAccumulator := &cost.Accumulator{}
	tr := tree.New()

	obsCfg := agentCfg.Observability
	obsManager, err := observability.NewManager(ctx, &obsCfg, costAccumulator.Total)
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	defer func() { _ = obsManager.Shutdown(context.Background()) }()

	sched := &scheduler.Scheduler{
		Registry:        registry,
		Tree:            tr,
		Prices:          prices,
		DefaultTimeout:  agentCfg.DefaultTimeout,
		CostAccumulator: costAccumulator,
		Observability:   obsManager,
	}

	rateLimiter := ratelimit.New(ratelimit.Limits{
		RequestsPerMinute: agentCfg.RateLimit.RequestsPerMinute,
		TokensPerMinute:   agentCfg.RateLimit.TokensPerMinute,
		TokensPerDay:      agentCfg.RateLimit.TokensPerDay,
		SafetyMargin:      agentCfg.RateLimit.SafetyMargin,
	})

	var strategy retry.Strategy
	switch agentCfg.Retry.Strategy {
	case "linear":
		strategy = retry.StrategyLinear
	case "fixed":
		strategy = retry.StrategyFixed
	default:
		strategy = retry.StrategyExponential
	}
	retryHarness := retry.New(retry.Config{
		MaxRetries: agentCfg.Retry.MaxRetries,
		MinBackoff: agentCfg.Retry.MinBackoff,
		MaxBackoff: agentCfg.Retry.MaxBackoff,
		Strategy:   strategy,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			log.Warn("retrying model call", "attempt", attempt, "error", err, "wait", wait)
		},
	})

	conv := conversation.New(agentCfg.SystemPrompt)
	conv.AppendUser(c.Message)

	script := c.Script
	if len(script) == 0 {
		script = []string{"all done, nothing more to do"}
	}
	llm := testsupport.NewFakeStream(script...)

	schedMode := scheduler.ModeParallel
	if agentCfg.Scheduler.Mode == "sequential" {
		schedMode = scheduler.ModeSequential
	}

	ctrlCfg := controller.Config{
		Model:                  agentCfg.Model,
		Budget:                 agentCfg.Budget,
		MaxIterations:          agentCfg.MaxIterations,
		TextOnlyPolicy:         controller.TextOnlyPolicy(agentCfg.TextOnlyPolicy),
		TextWrappingGadgetName: agentCfg.TextWrappingGadgetName,
		ParserConfig:           parserConfigFrom(agentCfg),
		SchedulerMode:          schedMode,
		SchedulerLimits: scheduler.Limits{
			MaxConcurrent:         agentCfg.Scheduler.MaxConcurrent,
			MaxGadgetsPerResponse: agentCfg.Scheduler.MaxGadgetsPerResponse,
		},
		Observability: obsManager,
	}

	agent := controller.New(ctrlCfg, conv, llm, sched, tr, prices, costAccumulator, rateLimiter, retryHarness)

	for ev, err := range agent.Run(ctx) {
		if err != nil {
			return fmt.Errorf("agent run failed: %w", err)
		}
		logEvent(log, ev)
		if ev.Type == controller.EventTerminated {
			break
		}
	}

	fmt.Printf("\nfinal cost: $%.4f\n", costAccumulator.Total())
	return nil
}

// parserConfigFrom converts the YAML-facing parser config into the
// marker-prefix config the controller's parser actually consumes.
func parserConfigFrom(cfg *config.AgentConfig) parser.Config {
	pc := parser.Config{
		StartPrefix: cfg.Parser.StartPrefix,
		EndPrefix:   cfg.Parser.EndPrefix,
		ArgPrefix:   cfg.Parser.ArgPrefix,
		Strict:      cfg.Parser.Strict,
	}
	if pc.StartPrefix == "" {
		return parser.DefaultConfig()
	}
	return pc
}

func logEvent(log *slog.Logger, ev controller.Event) {
	switch ev.Type {
	case controller.EventText:
		fmt.Printf("[text] %s\n", ev.Text)
	case controller.EventLLMCallStarted:
		log.Debug("llm call started", "iteration", ev.Iteration, "model", ev.Model)
	case controller.EventLLMCallCompleted:
		log.Debug("llm call completed", "iteration", ev.Iteration, "model", ev.Model)
	case controller.EventInvocationStarted:
		fmt.Printf("[gadget] %s starting\n", ev.Text)
	case controller.EventInvocationCompleted:
		if ev.Outcome != nil {
			fmt.Printf("[gadget] %s -> %s\n", ev.Outcome.Invocation.GadgetName, ev.Outcome.ResultText)
		}
	case controller.EventTerminated:
		fmt.Printf("[terminated] reason=%s\n", ev.Reason)
	}
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("gadgetrun"),
		kong.Description("Demo harness for the gadget-calling agent runtime."),
		kong.UsageOnError(),
	)
	kctx.FatalIfErrorf(kctx.Run())
}
