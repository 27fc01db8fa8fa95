// Package modelclient defines the streaming model interface the controller
// drives each iteration, plus a cost-reporting wrapper so that every call
// made through it — a gadget's nested call via ctx.llm — folds its cost into
// the shared accumulator without the caller having to remember to.
package modelclient

import (
	"context"

	"github.com/gadgetcore/runtime/conversation"
	"github.com/gadgetcore/runtime/pricing"
)

// Request is one model call: the rendered message list plus the model name
// to use for pricing and routing.
type Request struct {
	Model    string
	Messages []conversation.Message
}

// ChunkType classifies one streamed chunk.
type ChunkType int

const (
	ChunkText ChunkType = iota
	ChunkDone
	ChunkError
)

// Chunk is one unit of a streamed response. Done chunks carry the final
// token usage; Error chunks carry the terminal error and close the stream.
type Chunk struct {
	Type  ChunkType
	Text  string
	Usage pricing.Usage
	Err   error
}

// Stream is the provider-agnostic contract the controller drives. A call
// returns immediately with a channel of chunks; the channel is closed after
// a Done or Error chunk is sent. Implementations must respect ctx
// cancellation by closing the channel promptly.
type Stream interface {
	Generate(ctx context.Context, req Request) (<-chan Chunk, error)
}

// CostReportingStream wraps a Stream so that every completed call's cost —
// computed from the Done chunk's usage against the pricing registry — is
// folded into report automatically, with no action required from the
// caller. This is the concrete type behind a gadget's ctx.llm; the
// controller calls its Stream directly and prices each call itself.
type CostReportingStream struct {
	inner  Stream
	prices *pricing.Registry
	report func(amount float64)
}

// NewCostReportingStream builds a wrapper. report may be nil, in which case
// costs are computed but discarded (useful for a dry-run client).
func NewCostReportingStream(inner Stream, prices *pricing.Registry, report func(amount float64)) *CostReportingStream {
	if report == nil {
		report = func(float64) {}
	}
	return &CostReportingStream{inner: inner, prices: prices, report: report}
}

// Generate proxies to the inner stream, intercepting the Done chunk to
// compute and report cost before forwarding it.
func (c *CostReportingStream) Generate(ctx context.Context, req Request) (<-chan Chunk, error) {
	upstream, err := c.inner.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		for chunk := range upstream {
			if chunk.Type == ChunkDone && c.prices != nil {
				cost := c.prices.Cost(req.Model, chunk.Usage)
				if cost != 0 {
					c.report(cost)
				}
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Call implements gadget.LLMCaller: a single-shot, non-streaming call that
// concatenates all text chunks and reports cost exactly like Generate.
// Gadgets that only need a final string (not incremental deltas) use this
// instead of consuming the channel themselves.
func (c *CostReportingStream) Call(ctx context.Context, prompt string) (string, error) {
	req := Request{Messages: []conversation.Message{{Role: conversation.RoleUser, Content: prompt}}}
	ch, err := c.Generate(ctx, req)
	if err != nil {
		return "", err
	}

	var text string
	for chunk := range ch {
		switch chunk.Type {
		case ChunkText:
			text += chunk.Text
		case ChunkError:
			return "", chunk.Err
		}
	}
	return text, nil
}
