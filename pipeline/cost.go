package pipeline

import (
	"fmt"
	"sync"
	"time"
)

// ModelPricing gives USD cost per 1M tokens for a model.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// defaultModelPricing covers the three Model-Call Adapter providers wired in
// pipeline/model (anthropic, openai, google). Update as providers reprice.
var defaultModelPricing = map[string]ModelPricing{
	"gpt-4o":                     {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":                {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4-turbo":                {InputPer1M: 10.00, OutputPer1M: 30.00},
	"claude-3-5-sonnet-20241022": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-opus-20240229":     {InputPer1M: 15.00, OutputPer1M: 75.00},
	"claude-3-haiku-20240307":    {InputPer1M: 0.25, OutputPer1M: 1.25},
	"gemini-1.5-pro":             {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-1.5-flash":           {InputPer1M: 0.075, OutputPer1M: 0.30},
}

// LLMCall records one Model-Call Adapter invocation for cost attribution.
type LLMCall struct {
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Timestamp    time.Time
	StageID      string
}

// CostTracker accumulates token usage and USD cost per run, attributing
// each call to the stage that made it. Separate from RunState.Accumulators
// because cost is an operational concern read by operators, not a value
// that flows through checkpoints and replay (spec §4.5).
type CostTracker struct {
	RunID      string
	Currency   string
	Pricing    map[string]ModelPricing
	Calls      []LLMCall
	TotalCost  float64
	ModelCosts map[string]float64

	mu      sync.RWMutex
	enabled bool
}

// NewCostTracker constructs a tracker seeded with defaultModelPricing.
func NewCostTracker(runID, currency string) *CostTracker {
	return &CostTracker{
		RunID:      runID,
		Currency:   currency,
		Pricing:    defaultModelPricing,
		Calls:      make([]LLMCall, 0, 16),
		ModelCosts: make(map[string]float64),
		enabled:    true,
	}
}

// RecordLLMCall computes cost for a completed model call and folds it into
// the cumulative totals. Unknown models are recorded at zero cost rather
// than rejected, since a new model landing ahead of a pricing-table update
// shouldn't break the pipeline.
func (ct *CostTracker) RecordLLMCall(model string, inputTokens, outputTokens int, stageID string) {
	if ct == nil || !ct.enabled {
		return
	}

	ct.mu.Lock()
	defer ct.mu.Unlock()

	pricing := ct.Pricing[model]
	cost := (float64(inputTokens)/1_000_000.0)*pricing.InputPer1M + (float64(outputTokens)/1_000_000.0)*pricing.OutputPer1M

	ct.Calls = append(ct.Calls, LLMCall{
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      cost,
		Timestamp:    time.Now(),
		StageID:      stageID,
	})
	ct.TotalCost += cost
	ct.ModelCosts[model] += cost
}

func (ct *CostTracker) GetTotalCost() float64 {
	if ct == nil {
		return 0
	}
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.TotalCost
}

func (ct *CostTracker) GetCostByModel() map[string]float64 {
	if ct == nil {
		return nil
	}
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	costs := make(map[string]float64, len(ct.ModelCosts))
	for model, cost := range ct.ModelCosts {
		costs[model] = cost
	}
	return costs
}

func (ct *CostTracker) GetCallHistory() []LLMCall {
	if ct == nil {
		return nil
	}
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	calls := make([]LLMCall, len(ct.Calls))
	copy(calls, ct.Calls)
	return calls
}

// SetCustomPricing overrides the default table, e.g. for an enterprise rate.
func (ct *CostTracker) SetCustomPricing(model string, inputPer1M, outputPer1M float64) {
	if ct == nil {
		return
	}
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.Pricing == nil {
		ct.Pricing = make(map[string]ModelPricing)
	}
	ct.Pricing[model] = ModelPricing{InputPer1M: inputPer1M, OutputPer1M: outputPer1M}
}

func (ct *CostTracker) Disable() {
	if ct == nil {
		return
	}
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.enabled = false
}

func (ct *CostTracker) Enable() {
	if ct == nil {
		return
	}
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.enabled = true
}

func (ct *CostTracker) String() string {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return fmt.Sprintf("CostTracker{RunID: %s, Calls: %d, TotalCost: $%.4f %s}",
		ct.RunID, len(ct.Calls), ct.TotalCost, ct.Currency)
}
