// Package schema defines the Go types for research-flow pipeline documents and
// tool registry files. Both are decoded from YAML or JSON; yaml.v3 accepts JSON
// input, so one strict decoder serves both wire forms.
package schema

// Include-context formats.
const (
	FormatFull    = "full"
	FormatSummary = "summary"
)

// Include-context placements relative to the rendered template.
const (
	PlacementBefore = "before"
	PlacementAfter  = "after"
)

// Extraction methods for tool references.
const (
	ExtractLLM    = "llm"
	ExtractStatic = "static"
)

// Pipeline is the top-level analysis pipeline document.
type Pipeline struct {
	Name        string `yaml:"name,omitempty" json:"name,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []Step `yaml:"steps" json:"steps"`
}

// Step is a single model call in a pipeline.
type Step struct {
	Name               string          `yaml:"step_name,omitempty" json:"step_name,omitempty"`
	Order              *int            `yaml:"order,omitempty" json:"order,omitempty"`
	Model              string          `yaml:"model" json:"model"`
	FallbackModels     []string        `yaml:"fallback_models,omitempty" json:"fallback_models,omitempty"`
	Temperature        float64         `yaml:"temperature,omitempty" json:"temperature,omitempty" jsonschema:"minimum=0,maximum=2"`
	MaxTokens          int             `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty" jsonschema:"minimum=0"`
	SystemPrompt       string          `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
	UserPromptTemplate string          `yaml:"user_prompt_template" json:"user_prompt_template"`
	NumCandles         *int            `yaml:"num_candles,omitempty" json:"num_candles,omitempty" jsonschema:"minimum=1"`
	FullContext        *bool           `yaml:"full_context,omitempty" json:"full_context,omitempty"`
	When               string          `yaml:"when,omitempty" json:"when,omitempty"`
	ToolReferences     []ToolReference `yaml:"tool_references,omitempty" json:"tool_references,omitempty"`
	IncludeContext     *IncludeContext `yaml:"include_context,omitempty" json:"include_context,omitempty"`
}

// ToolReference binds a template placeholder to a registered tool.
type ToolReference struct {
	ToolID           string           `yaml:"tool_id" json:"tool_id"`
	VariableName     string           `yaml:"variable_name" json:"variable_name"`
	ExtractionConfig ExtractionConfig `yaml:"extraction_config,omitempty" json:"extraction_config,omitempty"`
}

// ExtractionConfig controls how tool parameters are derived from the
// surrounding template text.
type ExtractionConfig struct {
	Method        string         `yaml:"method,omitempty" json:"method,omitempty" jsonschema:"enum=llm,enum=static"`
	ContextWindow int            `yaml:"context_window,omitempty" json:"context_window,omitempty" jsonschema:"minimum=0"`
	Model         string         `yaml:"model,omitempty" json:"model,omitempty"`
	Defaults      map[string]any `yaml:"defaults,omitempty" json:"defaults,omitempty"`
}

// IncludeContext asks for prior step outputs to be spliced around the
// rendered template.
type IncludeContext struct {
	Steps     []string `yaml:"steps" json:"steps"`
	Format    string   `yaml:"format,omitempty" json:"format,omitempty" jsonschema:"enum=full,enum=summary"`
	Placement string   `yaml:"placement,omitempty" json:"placement,omitempty" jsonschema:"enum=before,enum=after"`
}

// EffectiveFormat returns the include format, defaulting to full.
func (ic *IncludeContext) EffectiveFormat() string {
	if ic.Format == "" {
		return FormatFull
	}
	return ic.Format
}

// EffectivePlacement returns the placement, defaulting to before.
func (ic *IncludeContext) EffectivePlacement() string {
	if ic.Placement == "" {
		return PlacementBefore
	}
	return ic.Placement
}

// Models returns the primary model followed by the fallbacks, without
// duplicates or blanks.
func (s *Step) Models() []string {
	seen := make(map[string]bool, 1+len(s.FallbackModels))
	var out []string
	for _, m := range append([]string{s.Model}, s.FallbackModels...) {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

// ToolRef returns the tool reference bound to the given placeholder name.
func (s *Step) ToolRef(variable string) (ToolReference, bool) {
	for _, ref := range s.ToolReferences {
		if ref.VariableName == variable {
			return ref, true
		}
	}
	return ToolReference{}, false
}
