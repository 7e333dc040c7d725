package llm

import "strconv"

// ModelPricing holds per-token pricing for a model (USD per token).
type ModelPricing struct {
	InputPerToken  float64
	OutputPerToken float64
}

// defaultPricing provides fallback pricing for common models.
var defaultPricing = map[string]ModelPricing{
	"openai/gpt-4o":               {InputPerToken: 2.5 / 1_000_000, OutputPerToken: 10.0 / 1_000_000},
	"openai/gpt-4o-mini":          {InputPerToken: 0.15 / 1_000_000, OutputPerToken: 0.6 / 1_000_000},
	"anthropic/claude-3.5-sonnet": {InputPerToken: 3.0 / 1_000_000, OutputPerToken: 15.0 / 1_000_000},
	"anthropic/claude-sonnet-4":   {InputPerToken: 3.0 / 1_000_000, OutputPerToken: 15.0 / 1_000_000},
	"google/gemini-2.0-flash-001": {InputPerToken: 0.1 / 1_000_000, OutputPerToken: 0.4 / 1_000_000},
	"gemini-1.5-flash":            {InputPerToken: 0.075 / 1_000_000, OutputPerToken: 0.3 / 1_000_000},
	"gemini-1.5-pro":              {InputPerToken: 1.25 / 1_000_000, OutputPerToken: 5.0 / 1_000_000},
	"deepseek/deepseek-chat":      {InputPerToken: 0.27 / 1_000_000, OutputPerToken: 1.1 / 1_000_000},
}

// EstimateCost prices token usage from the built-in table. Unknown models
// cost zero.
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	p, ok := defaultPricing[model]
	if !ok {
		return 0
	}
	return float64(promptTokens)*p.InputPerToken + float64(completionTokens)*p.OutputPerToken
}

// costFromHeader parses the x-openrouter-cost header value.
func costFromHeader(v string) (float64, bool) {
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
