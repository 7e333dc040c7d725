package plan

import (
	"strings"
	"sync"

	"github.com/colaisr/research-flow-sub000/pkg/schema"
)

// DefaultCandles is used when neither the step nor its behavior names a count.
const DefaultCandles = 20

// Behavior is the step-type specific policy bound to a step by name.
type Behavior interface {
	Name() string
	// Candles returns how many recent candles the step analyses.
	Candles(step *schema.Step) int
	// FullContext reports whether the step sees prior outputs untruncated.
	FullContext(step *schema.Step) bool
	// SystemPrompt returns the prompt sent as the system message.
	SystemPrompt(step *schema.Step) string
}

// mergeVocabulary marks templates of synthesis steps in pipelines that
// predate the full_context flag.
var mergeVocabulary = []string{"merge", "combine", "synthes", "final", "summary of all"}

// InferFullContext guesses whether a template belongs to a synthesis step.
func InferFullContext(template string) bool {
	lower := strings.ToLower(template)
	for _, w := range mergeVocabulary {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// generic relies only on what the step declares.
type generic struct{}

func (generic) Name() string { return "generic" }

func (generic) Candles(step *schema.Step) int {
	if step.NumCandles != nil {
		return *step.NumCandles
	}
	return DefaultCandles
}

func (generic) FullContext(step *schema.Step) bool {
	if step.FullContext != nil {
		return *step.FullContext
	}
	return InferFullContext(step.UserPromptTemplate)
}

func (generic) SystemPrompt(step *schema.Step) string {
	return step.SystemPrompt
}

// analysis is a named analysis method with its own defaults.
type analysis struct {
	name    string
	candles int
	full    bool
	prompt  string
}

func (a analysis) Name() string { return a.name }

func (a analysis) Candles(step *schema.Step) int {
	if step.NumCandles != nil {
		return *step.NumCandles
	}
	return a.candles
}

func (a analysis) FullContext(step *schema.Step) bool {
	if step.FullContext != nil {
		return *step.FullContext
	}
	return a.full
}

func (a analysis) SystemPrompt(step *schema.Step) string {
	if step.SystemPrompt != "" {
		return step.SystemPrompt
	}
	return a.prompt
}

// Builtins returns the named behaviors shipped with the engine.
func Builtins() []Behavior {
	return []Behavior{
		analysis{name: "wyckoff", candles: 50,
			prompt: "You are a market analyst applying the Wyckoff method. Identify the current phase (accumulation, markup, distribution, markdown), key events and the composite operator's likely intent."},
		analysis{name: "smc", candles: 40,
			prompt: "You are a Smart Money Concepts analyst. Identify market structure, breaks of structure, order blocks, fair value gaps and liquidity pools."},
		analysis{name: "vsa", candles: 30,
			prompt: "You are a Volume Spread Analysis specialist. Read the relationship between spread, close position and volume to detect strength and weakness."},
		analysis{name: "delta", candles: 30,
			prompt: "You are an order-flow analyst. Assess buying versus selling pressure and volume delta divergences."},
		analysis{name: "ict", candles: 40,
			prompt: "You are an ICT methodology analyst. Identify premium and discount zones, optimal trade entries and liquidity sweeps."},
		analysis{name: "price_action", candles: 20,
			prompt: "You are a price action trader. Describe trend, key support and resistance, candlestick patterns and momentum."},
		analysis{name: "merge", candles: DefaultCandles, full: true,
			prompt: "You are a senior strategist. Combine the preceding analyses into one coherent view, resolve disagreements and state a clear bias with levels."},
	}
}

// Registry maps step names to behaviors. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Behavior
}

// NewRegistry returns an empty registry; every step gets the generic behavior.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Behavior)}
}

// DefaultRegistry returns a registry preloaded with Builtins.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, b := range Builtins() {
		r.Register(b)
	}
	return r
}

// Register binds b to its name, replacing any previous binding.
func (r *Registry) Register(b Behavior) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[b.Name()] = b
}

// Lookup returns the behavior for an exact step name, or the generic one.
func (r *Registry) Lookup(name string) Behavior {
	if r == nil {
		return generic{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b, ok := r.byName[name]; ok {
		return b
	}
	return generic{}
}

// Names lists registered behavior names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for n := range r.byName {
		out = append(out, n)
	}
	return out
}
