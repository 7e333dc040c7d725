package plan

import (
	"errors"
	"strings"
	"testing"

	"github.com/colaisr/research-flow-sub000/pkg/schema"
)

func intp(v int) *int    { return &v }
func boolp(v bool) *bool { return &v }

func TestBuild_OrdersStably(t *testing.T) {
	def := &schema.Pipeline{Steps: []schema.Step{
		{Name: "late", Order: intp(3)},
		{Name: "unordered1"},
		{Name: "first", Order: intp(1)},
		{Name: "tieA", Order: intp(2)},
		{Name: "unordered2"},
		{Name: "tieB", Order: intp(2)},
	}}
	p, err := Build(def, DefaultRegistry(), nil)
	if err != nil {
		t.Fatal(err)
	}
	got := strings.Join(p.Names(), ",")
	want := "first,tieA,tieB,late,unordered1,unordered2"
	if got != want {
		t.Errorf("order = %s, want %s", got, want)
	}
}

func TestBuild_DropsUnnamed(t *testing.T) {
	def := &schema.Pipeline{Steps: []schema.Step{
		{Name: "a"},
		{UserPromptTemplate: "orphan"},
		{Name: "b"},
	}}
	p, err := Build(def, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(p.Steps))
	}
	if p.Steps[1].Index != 2 {
		t.Errorf("index = %d, want 2", p.Steps[1].Index)
	}
}

func TestBuild_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name string
		def  *schema.Pipeline
		want string
	}{
		{"nil", nil, "no steps"},
		{"empty", &schema.Pipeline{}, "no steps"},
		{"only unnamed", &schema.Pipeline{Steps: []schema.Step{{Model: "m"}}}, "no named steps"},
		{"duplicate", &schema.Pipeline{Steps: []schema.Step{{Name: "a"}, {Name: "a"}}}, "duplicate step name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.def, nil, nil)
			var ce *schema.ConfigurationError
			if !errors.As(err, &ce) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestBuild_BindsBehaviors(t *testing.T) {
	def := &schema.Pipeline{Steps: []schema.Step{
		{Name: "wyckoff"},
		{Name: "custom", SystemPrompt: "mine", UserPromptTemplate: "plain"},
		{Name: "merge"},
		{Name: "vsa", NumCandles: intp(12), SystemPrompt: "override"},
	}}
	p, err := Build(def, DefaultRegistry(), nil)
	if err != nil {
		t.Fatal(err)
	}
	w, c, m, v := p.Steps[0], p.Steps[1], p.Steps[2], p.Steps[3]

	if w.Behavior.Name() != "wyckoff" || w.Candles() != 50 {
		t.Errorf("wyckoff: behavior=%s candles=%d", w.Behavior.Name(), w.Candles())
	}
	if !strings.Contains(w.System(), "Wyckoff") {
		t.Errorf("wyckoff system prompt = %q", w.System())
	}
	if c.Behavior.Name() != "generic" || c.System() != "mine" || c.Candles() != DefaultCandles {
		t.Errorf("custom: behavior=%s system=%q candles=%d", c.Behavior.Name(), c.System(), c.Candles())
	}
	if c.FullContext() {
		t.Error("custom step should not be full-context")
	}
	if !m.FullContext() {
		t.Error("merge step should be full-context")
	}
	if v.Candles() != 12 || v.System() != "override" {
		t.Errorf("vsa overrides: candles=%d system=%q", v.Candles(), v.System())
	}
}

func TestFullContext_Precedence(t *testing.T) {
	tests := []struct {
		name string
		step schema.Step
		want bool
	}{
		{"explicit true on generic", schema.Step{Name: "x", FullContext: boolp(true)}, true},
		{"explicit false on merge", schema.Step{Name: "merge", FullContext: boolp(false)}, false},
		{"behavior decides", schema.Step{Name: "merge"}, true},
		{"vocabulary fallback", schema.Step{Name: "wrap_up", UserPromptTemplate: "Synthesize everything"}, true},
		{"named behavior ignores vocabulary", schema.Step{Name: "smc", UserPromptTemplate: "final answer"}, false},
		{"plain generic", schema.Step{Name: "x", UserPromptTemplate: "Analyse {instrument}"}, false},
	}
	reg := DefaultRegistry()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Step{Step: tt.step, Behavior: reg.Lookup(tt.step.Name)}
			if got := s.FullContext(); got != tt.want {
				t.Errorf("FullContext = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	if r.Lookup("wyckoff").Name() != "generic" {
		t.Error("empty registry should fall back to generic")
	}
	r.Register(analysis{name: "wyckoff", candles: 7})
	if r.Lookup("wyckoff").Candles(&schema.Step{}) != 7 {
		t.Error("registered behavior not used")
	}
	if len(DefaultRegistry().Names()) != len(Builtins()) {
		t.Error("default registry should hold every builtin")
	}
}
