package ledger

import (
	"github.com/zen-systems/modelgate/pkg/adapter"
	"github.com/zen-systems/modelgate/pkg/config"
)

const currency = "USD"

// NormalizeUsage fills TotalTokens when a provider omits it.
func NormalizeUsage(u *adapter.Usage) adapter.Usage {
	if u == nil {
		return adapter.Usage{}
	}
	usage := *u
	if usage.TotalTokens == 0 && (usage.PromptTokens > 0 || usage.CompletionTokens > 0) {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage
}

// EstimateCost prices usage with a model's per-1k rates. It reports false
// when the model carries no pricing.
func EstimateCost(pricing config.ModelPricing, usage adapter.Usage) (adapter.Cost, bool) {
	if pricing.PromptPer1K == 0 && pricing.CompletionPer1K == 0 {
		return adapter.Cost{Currency: currency}, false
	}

	promptCost := (float64(usage.PromptTokens) / 1000.0) * pricing.PromptPer1K
	completionCost := (float64(usage.CompletionTokens) / 1000.0) * pricing.CompletionPer1K
	return adapter.Cost{
		Currency:     currency,
		Amount:       promptCost + completionCost,
		IsEstimate:   true,
		PricingModel: "per_1k_tokens",
	}, true
}

// Totals sums usage and cost over successful attempts.
func Totals(attempts []adapter.CallReport) (adapter.Usage, adapter.Cost) {
	var usage adapter.Usage
	cost := adapter.Cost{Currency: currency}
	for _, a := range attempts {
		if a.Result != adapter.ResultOK {
			continue
		}
		usage = addUsage(usage, a.Usage)
		cost.Amount += a.Cost.Amount
		if a.Cost.IsEstimate {
			cost.IsEstimate = true
			cost.PricingModel = a.Cost.PricingModel
		}
	}
	return usage, cost
}

func addUsage(a adapter.Usage, b adapter.Usage) adapter.Usage {
	return adapter.Usage{
		PromptTokens:     a.PromptTokens + b.PromptTokens,
		CompletionTokens: a.CompletionTokens + b.CompletionTokens,
		TotalTokens:      a.TotalTokens + b.TotalTokens,
	}
}
