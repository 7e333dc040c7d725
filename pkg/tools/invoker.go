package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/colaisr/research-flow-sub000/pkg/llm"
	"github.com/colaisr/research-flow-sub000/pkg/metrics"
	"github.com/colaisr/research-flow-sub000/pkg/schema"
	"github.com/colaisr/research-flow-sub000/pkg/trace"
)

// Call is one tool execution.
type Call struct {
	Def     *schema.ToolDefinition
	Params  map[string]any
	StepCtx map[string]any // step, instrument, timeframe
}

// str returns a string parameter, falling back to the step context.
func (c Call) str(key string) string {
	if v, ok := c.Params[key].(string); ok && v != "" {
		return v
	}
	if v, ok := c.StepCtx[key].(string); ok {
		return v
	}
	return ""
}

// Executor runs tools of one class.
type Executor interface {
	Execute(ctx context.Context, call Call) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, call Call) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, call Call) (string, error) { return f(ctx, call) }

// Invoker resolves tool placeholders for the template renderer.
type Invoker struct {
	Registry  Registry
	Model     llm.Client // parameter extraction; nil means defaults only
	Cache     *ExtractionCache
	Executors map[schema.ToolClass]Executor
	Logger    *slog.Logger
	Trace     *trace.Writer
	Metrics   *metrics.Metrics
}

// Resolve returns the text that replaces the placeholder for ref. It never
// fails: problems come back as an inline "[Tool <id> failed: ...]" notice so
// the step can still run.
func (iv *Invoker) Resolve(ctx context.Context, ref schema.ToolReference, window string, stepCtx map[string]any, model string) string {
	logger := iv.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("tool", ref.ToolID, "variable", ref.VariableName)

	if iv.Registry == nil {
		return iv.fail(logger, ref.ToolID, "", nil, false, fmt.Errorf("no tool registry configured"))
	}
	def, err := iv.Registry.Load(ctx, ref.ToolID)
	if err != nil {
		return iv.fail(logger, ref.ToolID, "", nil, false, err)
	}

	params, cached := iv.extract(ctx, logger, def, ref, window, stepCtx, model)

	exec := iv.Executors[def.Class]
	if exec == nil {
		return iv.fail(logger, def.ID, def.Class, params, cached, fmt.Errorf("no executor for class %s", def.Class))
	}
	out, err := exec.Execute(ctx, Call{Def: def, Params: params, StepCtx: stepCtx})
	if err != nil {
		return iv.fail(logger, def.ID, def.Class, params, cached, err)
	}

	logger.Debug("tool resolved", "class", def.Class, "cached", cached, "bytes", len(out))
	iv.Trace.EmitToolResolved(def.ID, cached, params, nil)
	iv.Metrics.ToolInvoked(string(def.Class), true)
	return out
}

func (iv *Invoker) fail(logger *slog.Logger, id string, class schema.ToolClass, params map[string]any, cached bool, err error) string {
	logger.Warn("tool failed", "error", err)
	iv.Trace.EmitToolResolved(id, cached, params, &trace.Failure{Kind: trace.FailureTool, Message: err.Error()})
	iv.Metrics.ToolInvoked(string(class), false)
	return Notice(id, err)
}

// Notice formats a tool failure for inline substitution.
func Notice(id string, err error) string {
	return fmt.Sprintf("[Tool %s failed: %v]", id, err)
}

// extract derives call parameters. Static references and a missing model
// use the configured defaults as-is. The boolean reports a cache hit.
func (iv *Invoker) extract(ctx context.Context, logger *slog.Logger, def *schema.ToolDefinition, ref schema.ToolReference,
	window string, stepCtx map[string]any, model string) (map[string]any, bool) {
	cfg := ref.ExtractionConfig
	if cfg.Method == schema.ExtractStatic || iv.Model == nil {
		return copyParams(cfg.Defaults), false
	}
	if cfg.Model != "" {
		model = cfg.Model
	}

	key := CacheKey(window, stepCtx, def.ID, model)
	if hit, ok := iv.Cache.Get(key); ok {
		iv.Metrics.CacheLookup(true)
		return mergeParams(cfg.Defaults, hit), true
	}
	iv.Metrics.CacheLookup(false)

	resp, err := iv.Model.Call(ctx, llm.Request{
		Model:        model,
		SystemPrompt: extractionSystemPrompt(def),
		UserPrompt:   extractionUserPrompt(def, ref, window, stepCtx),
		Temperature:  0,
		MaxTokens:    400,
	})
	if err != nil {
		logger.Warn("parameter extraction failed; using defaults", "model", model, "error", err)
		return copyParams(cfg.Defaults), false
	}
	extracted := ParseParams(resp.Text)
	iv.Cache.Add(key, extracted)
	return mergeParams(cfg.Defaults, extracted), false
}
