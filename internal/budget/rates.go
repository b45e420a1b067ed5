// Package budget computes daily spend allowances, accumulates per-session
// LLM cost in integer micro-currency units, and trips a hard circuit breaker
// when a session runs away. 1 unit = 1e-6 of the base currency.
package budget

import "sync"

// ModelRate prices a model in micro-currency per million tokens.
type ModelRate struct {
	InputPer1M  int64 `yaml:"input_per_1m"`
	OutputPer1M int64 `yaml:"output_per_1m"`
}

// defaultRates covers the models the pipeline routes to. Rates are pure
// configuration; the config layer can replace the whole table at runtime.
var defaultRates = map[string]ModelRate{
	"claude-sonnet-4-5":     {InputPer1M: 3_000_000, OutputPer1M: 15_000_000},
	"claude-3-7-sonnet":     {InputPer1M: 3_000_000, OutputPer1M: 15_000_000},
	"gpt-4o":                {InputPer1M: 2_500_000, OutputPer1M: 10_000_000},
	"gpt-4o-mini":           {InputPer1M: 150_000, OutputPer1M: 600_000},
	"gemini-2.5-flash":      {InputPer1M: 75_000, OutputPer1M: 300_000},
	"gemini-2.5-flash-lite": {InputPer1M: 0, OutputPer1M: 0},
}

// defaultFallback prices unrecognized models at the most expensive known
// rate so an unmapped model can never under-bill.
var defaultFallback = ModelRate{InputPer1M: 3_000_000, OutputPer1M: 15_000_000}

// RateTable maps model names to rates with a safe fallback. It is replaced
// wholesale on config reload, never mutated per-entry.
type RateTable struct {
	mu       sync.RWMutex
	rates    map[string]ModelRate
	fallback ModelRate
}

// NewRateTable builds a table. A nil rates map selects the built-in table; a
// zero fallback selects the built-in fallback.
func NewRateTable(rates map[string]ModelRate, fallback ModelRate) *RateTable {
	if rates == nil {
		rates = defaultRates
	}
	if fallback == (ModelRate{}) {
		fallback = defaultFallback
	}
	copied := make(map[string]ModelRate, len(rates))
	for k, v := range rates {
		copied[k] = v
	}
	return &RateTable{rates: copied, fallback: fallback}
}

// Lookup returns the rate for a model, falling back for unknown names.
func (rt *RateTable) Lookup(model string) ModelRate {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if r, ok := rt.rates[model]; ok {
		return r
	}
	return rt.fallback
}

// Replace swaps the whole table, used by config hot reload.
func (rt *RateTable) Replace(rates map[string]ModelRate, fallback ModelRate) {
	if len(rates) == 0 {
		return
	}
	copied := make(map[string]ModelRate, len(rates))
	for k, v := range rates {
		copied[k] = v
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.rates = copied
	if fallback != (ModelRate{}) {
		rt.fallback = fallback
	}
}

// Cost computes the micro-currency cost of one call at this rate.
func (r ModelRate) Cost(inputTokens, outputTokens int64) int64 {
	return (inputTokens*r.InputPer1M + outputTokens*r.OutputPer1M) / 1_000_000
}
