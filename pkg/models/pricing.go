package models

// ModelPricing defines per-1K token costs for a model. Match is a substring
// used when no exact model entry exists (e.g. "haiku").
type ModelPricing struct {
	Model          string  `json:"model,omitempty" yaml:"model"`
	Match          string  `json:"match,omitempty" yaml:"match"`
	PromptCost     float64 `json:"prompt_cost_per_1k" yaml:"prompt_cost_per_1k"`
	CompletionCost float64 `json:"completion_cost_per_1k" yaml:"completion_cost_per_1k"`
}

// Cost returns the estimated cost of a call.
func (p ModelPricing) Cost(inputTokens, outputTokens int) float64 {
	return (float64(inputTokens)/1000)*p.PromptCost +
		(float64(outputTokens)/1000)*p.CompletionCost
}
