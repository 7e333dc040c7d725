// Package runctx holds the per-run execution context: the market snapshot
// and the results of the steps completed so far.
package runctx

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/colaisr/research-flow-sub000/pkg/marketdata"
	"github.com/colaisr/research-flow-sub000/pkg/schema"
)

// Preview lengths, in runes.
const (
	OutputPreviewRunes  = 300
	IncludePreviewRunes = 500
)

// Status of a step result.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// StepResult is the immutable record of one executed step.
type StepResult struct {
	StepName         string        `json:"step_name"`
	SystemPrompt     string        `json:"system_prompt,omitempty"`
	UserPrompt       string        `json:"user_prompt,omitempty"`
	Output           string        `json:"output,omitempty"`
	Model            string        `json:"model,omitempty"`
	PromptTokens     int           `json:"prompt_tokens,omitempty"`
	CompletionTokens int           `json:"completion_tokens,omitempty"`
	Cost             float64       `json:"cost,omitempty"`
	Status           Status        `json:"status"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	ErrorDetail      string        `json:"error_detail,omitempty"`
	Duration         time.Duration `json:"duration,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

// Tokens returns prompt plus completion tokens.
func (r StepResult) Tokens() int {
	return r.PromptTokens + r.CompletionTokens
}

// Context is owned by exactly one run and is never shared.
type Context struct {
	Instrument string
	Timeframe  string
	Market     *marketdata.Snapshot

	results map[string]StepResult
	order   []string
	logger  *slog.Logger
}

// New creates an empty context for a run.
func New(instrument, timeframe string, snap *marketdata.Snapshot, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		Instrument: instrument,
		Timeframe:  timeframe,
		Market:     snap,
		results:    make(map[string]StepResult),
		logger:     logger,
	}
}

// Get returns the result recorded for a step.
func (c *Context) Get(name string) (StepResult, bool) {
	r, ok := c.results[name]
	return r, ok
}

// Set records a step result. The context only grows: a name already present
// keeps its position in Completed.
func (c *Context) Set(name string, r StepResult) {
	if _, ok := c.results[name]; !ok {
		c.order = append(c.order, name)
	}
	c.results[name] = r
}

// Completed lists recorded steps in completion order.
func (c *Context) Completed() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Include renders the include-context block for a directive. Steps that have
// not produced output are omitted and logged.
func (c *Context) Include(ic *schema.IncludeContext) string {
	if ic == nil || len(ic.Steps) == 0 {
		return ""
	}
	summary := ic.EffectiveFormat() == schema.FormatSummary

	var blocks []string
	for _, name := range ic.Steps {
		r, ok := c.results[name]
		if !ok || r.Status != StatusSuccess {
			c.logger.Warn("include_context step has no output", "step", name)
			continue
		}
		text := r.Output
		if summary {
			text = Preview(text, IncludePreviewRunes)
		}
		blocks = append(blocks, fmt.Sprintf("=== Context from %s ===\n%s", name, text))
	}
	return strings.Join(blocks, "\n\n")
}

// Preview truncates s to n runes, marking the cut with an ellipsis.
func Preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// Env exposes the context to step guard expressions: instrument, timeframe,
// current_price, candles, completed, status (step → status) and outputs
// (step → output, successful steps only).
func (c *Context) Env() map[string]any {
	outputs := make(map[string]string, len(c.results))
	status := make(map[string]string, len(c.results))
	for name, r := range c.results {
		status[name] = string(r.Status)
		if r.Status == StatusSuccess {
			outputs[name] = r.Output
		}
	}
	price, _ := c.Market.LastClose()
	candles := 0
	if c.Market != nil {
		candles = len(c.Market.Candles)
	}
	return map[string]any{
		"instrument":    c.Instrument,
		"timeframe":     c.Timeframe,
		"current_price": price,
		"candles":       candles,
		"completed":     c.Completed(),
		"status":        status,
		"outputs":       outputs,
	}
}
