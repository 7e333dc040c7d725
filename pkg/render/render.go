// Package render resolves a step's prompt template against the run context.
package render

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/colaisr/research-flow-sub000/pkg/marketdata"
	"github.com/colaisr/research-flow-sub000/pkg/plan"
	"github.com/colaisr/research-flow-sub000/pkg/runctx"
	"github.com/colaisr/research-flow-sub000/pkg/schema"
)

// DefaultContextWindow is the number of runes taken on each side of a tool
// placeholder when extracting parameters.
const DefaultContextWindow = 400

// Standard placeholders available to every step.
var StandardTokens = []string{
	"instrument",
	"timeframe",
	"market_data_summary",
	"market_data_source",
	"num_candles",
	"current_price",
}

// OutputSuffix turns a step name into its output placeholder.
const OutputSuffix = "_output"

// ToolResolver fills a tool placeholder. Implementations never fail; errors
// come back as inline notices.
type ToolResolver interface {
	Resolve(ctx context.Context, ref schema.ToolReference, window string, stepCtx map[string]any, model string) string
}

// Renderer resolves templates.
type Renderer struct {
	Tools  ToolResolver
	Logger *slog.Logger
}

// Render produces the user prompt for step. Unknown tokens are reported as a
// ConfigurationError before any tool is invoked. model is the model selected
// for the step; tool extraction uses it unless the reference names its own.
func (r *Renderer) Render(ctx context.Context, p *plan.Plan, step *plan.Step, rc *runctx.Context, model string) (string, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tmpl := step.UserPromptTemplate
	segs := Tokenize(tmpl)

	outputs := make(map[string]string, len(p.Steps))
	for _, s := range p.Steps {
		outputs[s.Name+OutputSuffix] = s.Name
	}
	standard := make(map[string]bool, len(StandardTokens))
	for _, t := range StandardTokens {
		standard[t] = true
	}

	path := fmt.Sprintf("steps[%d].user_prompt_template", step.Index)
	for _, s := range segs {
		if !s.IsToken() {
			continue
		}
		if _, ok := step.ToolRef(s.Token); ok {
			continue
		}
		if standard[s.Token] {
			continue
		}
		if _, ok := outputs[s.Token]; ok {
			continue
		}
		return "", &schema.ConfigurationError{
			Path:    path,
			Message: fmt.Sprintf("unknown placeholder {%s} in step %q", s.Token, step.Name),
			Valid:   validTokens(step, p),
		}
	}

	candles := step.Candles()
	if rc.Market != nil && candles > len(rc.Market.Candles) {
		candles = len(rc.Market.Candles)
	}
	full := step.FullContext()
	stepCtx := map[string]any{
		"step":       step.Name,
		"instrument": rc.Instrument,
		"timeframe":  rc.Timeframe,
	}

	var b strings.Builder
	for _, s := range segs {
		if !s.IsToken() {
			b.WriteString(rewriteCandlePhrases(s.Literal, candles))
			continue
		}
		if ref, ok := step.ToolRef(s.Token); ok {
			b.WriteString(r.resolveTool(ctx, tmpl, s, ref, stepCtx, step, model, logger))
			continue
		}
		if standard[s.Token] {
			b.WriteString(standardValue(s.Token, rc, candles))
			continue
		}
		name := outputs[s.Token]
		res, ok := rc.Get(name)
		if !ok || res.Status != runctx.StatusSuccess {
			b.WriteString(fmt.Sprintf("[%s output not available]", name))
			continue
		}
		if full {
			b.WriteString(res.Output)
		} else {
			b.WriteString(runctx.Preview(res.Output, runctx.OutputPreviewRunes))
		}
	}
	body := b.String()

	if step.IncludeContext != nil {
		if block := rc.Include(step.IncludeContext); block != "" {
			if step.IncludeContext.EffectivePlacement() == schema.PlacementAfter {
				body = body + "\n\n" + block
			} else {
				body = block + "\n\n" + body
			}
		}
	}
	return body, nil
}

func (r *Renderer) resolveTool(ctx context.Context, tmpl string, s Segment, ref schema.ToolReference,
	stepCtx map[string]any, step *plan.Step, model string, logger *slog.Logger) string {
	if r.Tools == nil {
		logger.Warn("tool placeholder without tool resolver", "step", step.Name, "tool", ref.ToolID)
		return fmt.Sprintf("[Tool %s failed: no tool resolver configured]", ref.ToolID)
	}
	width := ref.ExtractionConfig.ContextWindow
	if width <= 0 {
		width = DefaultContextWindow
	}
	if ref.ExtractionConfig.Model != "" {
		model = ref.ExtractionConfig.Model
	}
	if model == "" {
		model = step.Model
	}
	return r.Tools.Resolve(ctx, ref, Window(tmpl, s.Start, s.End, width), stepCtx, model)
}

// Window returns up to width runes either side of tmpl[start:end], including
// the placeholder itself.
func Window(tmpl string, start, end, width int) string {
	before := []rune(tmpl[:start])
	after := []rune(tmpl[end:])
	if len(before) > width {
		before = before[len(before)-width:]
	}
	if len(after) > width {
		after = after[:width]
	}
	return string(before) + tmpl[start:end] + string(after)
}

func standardValue(token string, rc *runctx.Context, candles int) string {
	switch token {
	case "instrument":
		return rc.Instrument
	case "timeframe":
		return rc.Timeframe
	case "market_data_summary":
		if rc.Market == nil {
			return marketdata.FormatSummary(nil, candles)
		}
		return marketdata.FormatSummary(rc.Market.Candles, candles)
	case "market_data_source":
		if rc.Market == nil || rc.Market.Source == "" {
			return "unknown"
		}
		return rc.Market.Source
	case "num_candles":
		return strconv.Itoa(candles)
	case "current_price":
		if c, ok := rc.Market.LastClose(); ok {
			return marketdata.FormatPrice(c)
		}
		return "unknown"
	}
	return ""
}

func validTokens(step *plan.Step, p *plan.Plan) []string {
	var out []string
	for _, t := range StandardTokens {
		out = append(out, "{"+t+"}")
	}
	for _, s := range p.Steps {
		out = append(out, "{"+s.Name+OutputSuffix+"}")
	}
	for _, ref := range step.ToolReferences {
		out = append(out, "{"+ref.VariableName+"}")
	}
	sort.Strings(out)
	return out
}

// candlePhrase matches hard-coded counts such as "last 20 candles" left in
// templates written before num_candles existed.
var candlePhrase = regexp.MustCompile(`(?i)\b(last|past|previous)\s+(\d+)\s+(candles|bars)\b`)

func rewriteCandlePhrases(s string, candles int) string {
	if candles <= 0 {
		return s
	}
	n := strconv.Itoa(candles)
	return candlePhrase.ReplaceAllString(s, "${1} "+n+" ${3}")
}
