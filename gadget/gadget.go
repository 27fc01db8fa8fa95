// Package gadget defines the contract a callable capability must satisfy to
// be invoked by the scheduler, plus the registry that owns gadget instances
// for the lifetime of an agent run.
//
// A gadget's declared shape flattens the class-based and function-based
// creation paths the original system supported into a single capability
// record: name, description, a parameter schema used for both validation and
// coercion, an optional per-gadget timeout, and an execute operation.
package gadget

import (
	"context"
	"time"

	"github.com/invopop/jsonschema"
)

// Media is a binary payload a gadget returns, referenced by stable id in the
// conversation once the media store has accepted it.
type Media struct {
	ID       string
	MIMEType string
	Data     []byte
	Source   string
}

// Result is what a gadget execution produces: a text result visible to the
// model, an optional self-reported cost, and optional media.
type Result struct {
	Text  string
	Cost  float64
	Media []Media
}

// Text wraps a plain string result with zero cost, matching the "plain text
// return" classification in the executor's result handling.
func Text(s string) Result { return Result{Text: s} }

// Gadget is the capability contract. Implementations are registered once and
// invoked concurrently across many invocations; Execute must be safe for
// concurrent use.
type Gadget interface {
	Name() string
	Description() string
	// Schema describes the gadget's parameters as a JSON Schema, used both
	// to document the gadget to the model and to drive coercion of parsed
	// string values (see Coerce in schema.go).
	Schema() *jsonschema.Schema
	// TimeoutMs is the gadget's own timeout, or 0 to use the executor's
	// configured default.
	TimeoutMs() int
	// Execute runs the gadget. ctx carries the per-invocation cancellation
	// signal (see Context.Signal). Special control-flow conditions — task
	// completion, a human-input request, an observed abort, a timeout — are
	// communicated as typed errors in the gadgeterr/gadget package rather
	// than panics, so the executor can classify them without a generic
	// recover().
	Execute(ctx context.Context, ectx *Context, params map[string]any) (Result, error)
}

// TaskComplete is returned by a gadget to signal the controller should stop
// the loop with a successful terminal event.
type TaskComplete struct{ Message string }

func (e *TaskComplete) Error() string { return e.Message }

// HumanInputRequired is returned by a gadget that needs to ask the external
// human-input collaborator a question before it can finish.
type HumanInputRequired struct{ Question string }

func (e *HumanInputRequired) Error() string { return e.Question }

// simpleGadget is the concrete record produced by New and Typed.
type simpleGadget struct {
	name        string
	description string
	schema      *jsonschema.Schema
	timeoutMs   int
	execute     func(ctx context.Context, ectx *Context, params map[string]any) (Result, error)
}

func (g *simpleGadget) Name() string             { return g.name }
func (g *simpleGadget) Description() string      { return g.description }
func (g *simpleGadget) Schema() *jsonschema.Schema { return g.schema }
func (g *simpleGadget) TimeoutMs() int           { return g.timeoutMs }
func (g *simpleGadget) Execute(ctx context.Context, ectx *Context, params map[string]any) (Result, error) {
	return g.execute(ctx, ectx, params)
}

// Spec is the plain-data description used by New to build a Gadget. It is
// the "function-based creation path" the design notes describe: any
// capability, however it was originally expressed, flattens to this record.
type Spec struct {
	Name        string
	Description string
	Schema      *jsonschema.Schema
	Timeout     time.Duration
	Execute     func(ctx context.Context, ectx *Context, params map[string]any) (Result, error)
}

// New builds a Gadget from a Spec.
func New(spec Spec) Gadget {
	return &simpleGadget{
		name:        spec.Name,
		description: spec.Description,
		schema:      spec.Schema,
		timeoutMs:   int(spec.Timeout / time.Millisecond),
		execute:     spec.Execute,
	}
}

// Typed builds a Gadget whose parameters schema is reflected from a Go
// struct P, and whose raw map[string]any parameters are decoded into P
// (via Decode, schema.go) before the supplied function runs. This is the
// generic-friendly counterpart of New for gadgets that prefer a typed
// parameter struct over manual map access.
func Typed[P any](name, description string, timeout time.Duration, fn func(ctx context.Context, ectx *Context, params *P) (Result, error)) Gadget {
	reflector := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	schema := reflector.Reflect(new(P))

	return &simpleGadget{
		name:        name,
		description: description,
		schema:      schema,
		timeoutMs:   int(timeout / time.Millisecond),
		execute: func(ctx context.Context, ectx *Context, raw map[string]any) (Result, error) {
			var params P
			if err := Decode(raw, &params); err != nil {
				return Result{}, err
			}
			return fn(ctx, ectx, &params)
		},
	}
}
