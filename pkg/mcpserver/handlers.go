package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/colaisr/research-flow-sub000/pkg/config"
	"github.com/colaisr/research-flow-sub000/pkg/schema"
	"github.com/colaisr/research-flow-sub000/pkg/tools"
	"github.com/colaisr/research-flow-sub000/pkg/validate"
	"github.com/colaisr/research-flow-sub000/pkg/wiring"
)

func (h *Handlers) config() *config.Config {
	if h.Config == nil {
		return config.Default()
	}
	cp := *h.Config
	return &cp
}

// HandleValidate implements the rflow/validate tool.
func (h *Handlers) HandleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	path, _ := args["path"].(string)
	if path == "" {
		return errorResult("path argument is required"), nil
	}
	kind, _ := args["kind"].(string)
	if kind == "" && isToolsFile(path) {
		kind = "tools"
	}

	if kind == "tools" {
		f, errs := validate.ValidateToolRegistryFile(path)
		if validate.HasErrors(errs) {
			return errorResult(formatErrors(errs)), nil
		}
		return textResult(fmt.Sprintf("✓ %s is valid (%d tools)%s", path, len(f.Tools), formatWarnings(errs))), nil
	}

	opts, err := h.validateOptions()
	if err != nil {
		return errorResult(err.Error()), nil
	}
	p, errs := validate.ValidateFile(path, opts)
	if validate.HasErrors(errs) {
		return errorResult(formatErrors(errs)), nil
	}
	return textResult(fmt.Sprintf("✓ %s is valid (%d steps)%s", displayName(p, path), len(p.Steps), formatWarnings(errs))), nil
}

// validateOptions checks tool references against the configured registry.
func (h *Handlers) validateOptions() (validate.Options, error) {
	cfg := h.config()
	if cfg.ToolsFile == "" {
		return validate.Options{}, nil
	}
	m := tools.NewManager()
	if err := m.LoadFile(cfg.ToolsFile); err != nil {
		return validate.Options{}, err
	}
	return validate.Options{Tools: m}, nil
}

// HandleSchema implements the rflow/schema tool.
func (h *Handlers) HandleSchema(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	schemaType, _ := args["type"].(string)

	var (
		data []byte
		err  error
	)
	switch schemaType {
	case "pipeline":
		data, err = schema.GeneratePipelineJSONSchema()
	case "tool", "tools":
		data, err = schema.GenerateToolJSONSchema()
	default:
		return errorResult(fmt.Sprintf("unknown schema type %q; use 'pipeline' or 'tool'", schemaType)), nil
	}
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(string(data)), nil
}

// HandleExec implements the rflow/exec tool. The mock provider is the default
// so agents do not spend model credits by accident; with it, market data is
// synthetic unless a market source is named.
func (h *Handlers) HandleExec(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	path, _ := args["path"].(string)
	instrument, _ := args["instrument"].(string)
	timeframe, _ := args["timeframe"].(string)
	if path == "" || instrument == "" || timeframe == "" {
		return errorResult("path, instrument and timeframe arguments are required"), nil
	}
	provider, _ := args["provider"].(string)
	if provider == "" {
		provider = config.ProviderMock
	}
	market, _ := args["market"].(string)
	if market == "" && provider == config.ProviderMock {
		market = config.MarketSynthetic
	}

	opts, err := h.validateOptions()
	if err != nil {
		return errorResult(err.Error()), nil
	}
	p, errs := validate.ValidateFile(path, opts)
	if validate.HasErrors(errs) {
		return errorResult(formatErrors(errs)), nil
	}

	rt, err := wiring.Build(ctx, h.config(), h.Logger, wiring.Options{Provider: provider, Market: market})
	if err != nil {
		return errorResult(err.Error()), nil
	}
	defer rt.Close()

	run, err := rt.NewRun(ctx, p, instrument, timeframe)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	res := run.Run(ctx)
	run.Close()

	steps := make([]map[string]any, 0, len(res.Steps))
	for _, s := range res.Steps {
		entry := map[string]any{
			"step":   s.StepName,
			"status": s.Status,
			"model":  s.Model,
			"tokens": s.Tokens(),
		}
		if s.Output != "" {
			entry["output"] = s.Output
		}
		if s.ErrorMessage != "" {
			entry["error"] = s.ErrorMessage
		}
		steps = append(steps, entry)
	}
	response := map[string]any{
		"run_id":       res.RunID,
		"state":        res.State,
		"provider":     provider,
		"duration":     res.Duration.String(),
		"total_tokens": res.TotalTokens,
		"total_cost":   res.TotalCost,
		"steps":        steps,
	}
	if res.Error != nil {
		response["error"] = res.Error.Error()
	}
	if run.TracePath != "" {
		response["trace"] = run.TracePath
	}

	data, _ := json.MarshalIndent(response, "", "  ")
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(string(data))},
		IsError: res.Error != nil,
	}, nil
}

// HandleRuns implements the rflow/runs tool.
func (h *Handlers) HandleRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	id, _ := args["id"].(string)
	limit := 20
	if v, ok := args["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}

	rt, err := wiring.Build(ctx, h.config(), h.Logger, wiring.Options{Provider: config.ProviderMock})
	if err != nil {
		return errorResult(err.Error()), nil
	}
	defer rt.Close()

	var out any
	if id == "" {
		runs, err := rt.Store.ListRuns(ctx, limit)
		if err != nil {
			return errorResult(err.Error()), nil
		}
		out = runs
	} else {
		run, err := rt.Store.GetRun(ctx, id)
		if err != nil {
			return errorResult(err.Error()), nil
		}
		steps, err := rt.Store.StepResults(ctx, id)
		if err != nil {
			return errorResult(err.Error()), nil
		}
		out = map[string]any{"run": run, "steps": steps}
	}
	data, _ := json.MarshalIndent(out, "", "  ")
	return textResult(string(data)), nil
}

func isToolsFile(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	return strings.HasPrefix(base, "tools.") || strings.Contains(base, ".tools.")
}

func displayName(p *schema.Pipeline, path string) string {
	if p != nil && p.Name != "" {
		return p.Name
	}
	return path
}

func formatErrors(errs []*validate.ValidationError) string {
	var msgs []string
	for _, e := range validate.Errors(errs) {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

func formatWarnings(errs []*validate.ValidationError) string {
	var msgs []string
	for _, e := range errs {
		if e.Severity == "warning" {
			msgs = append(msgs, e.Error())
		}
	}
	if len(msgs) == 0 {
		return ""
	}
	return "\nwarnings: " + strings.Join(msgs, "; ")
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(text)},
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(msg)},
		IsError: true,
	}
}
