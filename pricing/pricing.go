// Package pricing implements the "model registry" collaborator the cost
// model is derived from: given a model id and usage counts, it returns a
// USD cost. Missing model data is non-fatal — cost silently stays at zero.
package pricing

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/gadgetcore/runtime/pkg/registry"
)

// Usage is the token accounting a completed LLM call reports. Any field may
// be zero when a provider's usage report omits it.
type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	CachedInputTokens   int64
	CacheCreationTokens int64
	ReasoningTokens     int64
}

// ModelRate is a single model's per-million-token pricing, plus the
// tiktoken encoding to fall back to when a provider omits token counts.
type ModelRate struct {
	Model                   string
	InputPerMillion         float64
	OutputPerMillion        float64
	CachedInputPerMillion   float64
	CacheCreationPerMillion float64
	ReasoningPerMillion     float64
	TiktokenEncoding        string // e.g. "cl100k_base"; defaults to cl100k_base
}

// Registry is a BaseRegistry[ModelRate]-backed pricing table.
type Registry struct {
	base *registry.BaseRegistry[ModelRate]

	encMu     sync.RWMutex
	encodings map[string]*tiktoken.Tiktoken
}

// NewRegistry builds an empty pricing registry.
func NewRegistry() *Registry {
	return &Registry{
		base:      registry.NewBaseRegistry[ModelRate](),
		encodings: make(map[string]*tiktoken.Tiktoken),
	}
}

// Register adds or replaces a model's rate.
func (r *Registry) Register(rate ModelRate) error {
	if rate.Model == "" {
		return fmt.Errorf("pricing: model id cannot be empty")
	}
	_ = r.base.Remove(rate.Model) // replace semantics: last registration wins
	return r.base.Register(rate.Model, rate)
}

// Rate returns the registered rate for model, if any.
func (r *Registry) Rate(model string) (ModelRate, bool) {
	return r.base.Get(model)
}

// Cost computes the USD cost of usage against model's registered rate.
// An unregistered model is non-fatal: the cost is silently zero.
func (r *Registry) Cost(model string, usage Usage) float64 {
	rate, ok := r.Rate(model)
	if !ok {
		return 0
	}
	const perMillion = 1_000_000.0
	total := float64(usage.InputTokens) / perMillion * rate.InputPerMillion
	total += float64(usage.OutputTokens) / perMillion * rate.OutputPerMillion
	total += float64(usage.CachedInputTokens) / perMillion * rate.CachedInputPerMillion
	total += float64(usage.CacheCreationTokens) / perMillion * rate.CacheCreationPerMillion
	total += float64(usage.ReasoningTokens) / perMillion * rate.ReasoningPerMillion
	return total
}

// CountTokens falls back to tiktoken-go's encoder when a provider's usage
// report omits a token count (e.g. a streaming adapter that only reports
// deltas). It uses the model's registered encoding if present, otherwise
// cl100k_base.
func (r *Registry) CountTokens(model, text string) (int, error) {
	encodingName := "cl100k_base"
	if rate, ok := r.Rate(model); ok && rate.TiktokenEncoding != "" {
		encodingName = rate.TiktokenEncoding
	}

	enc, err := r.encoding(encodingName)
	if err != nil {
		return 0, fmt.Errorf("pricing: load encoding %q: %w", encodingName, err)
	}
	return len(enc.Encode(text, nil, nil)), nil
}

func (r *Registry) encoding(name string) (*tiktoken.Tiktoken, error) {
	r.encMu.RLock()
	enc, ok := r.encodings[name]
	r.encMu.RUnlock()
	if ok {
		return enc, nil
	}

	r.encMu.Lock()
	defer r.encMu.Unlock()
	if enc, ok := r.encodings[name]; ok {
		return enc, nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, err
	}
	r.encodings[name] = enc
	return enc, nil
}
