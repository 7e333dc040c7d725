// Package plan turns a pipeline definition into an ordered execution plan,
// binding each step to its behavior.
package plan

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/colaisr/research-flow-sub000/pkg/schema"
)

// Step is a pipeline step bound to its behavior.
type Step struct {
	schema.Step
	Index    int // position in the original definition
	Behavior Behavior
}

// Candles returns the candle count the step analyses.
func (s *Step) Candles() int { return s.Behavior.Candles(&s.Step) }

// FullContext reports whether prior outputs are substituted untruncated.
func (s *Step) FullContext() bool { return s.Behavior.FullContext(&s.Step) }

// System returns the effective system prompt.
func (s *Step) System() string { return s.Behavior.SystemPrompt(&s.Step) }

// Plan is the ordered, validated list of steps for one run.
type Plan struct {
	Name  string
	Steps []*Step
}

// Names returns step names in execution order.
func (p *Plan) Names() []string {
	out := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.Name
	}
	return out
}

// Build validates def and produces the execution plan. Unnamed steps are
// dropped with a warning; an empty result or duplicate names are
// configuration errors.
func Build(def *schema.Pipeline, reg *Registry, logger *slog.Logger) (*Plan, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if def == nil || len(def.Steps) == 0 {
		return nil, schema.Configf("steps", "pipeline has no steps")
	}

	seen := make(map[string]int)
	var steps []*Step
	for i, s := range def.Steps {
		if s.Name == "" {
			logger.Warn("dropping unnamed step", "index", i)
			continue
		}
		if prev, ok := seen[s.Name]; ok {
			return nil, schema.Configf(fmt.Sprintf("steps[%d].step_name", i),
				"duplicate step name %q (first at steps[%d])", s.Name, prev)
		}
		seen[s.Name] = i
		steps = append(steps, &Step{Step: s, Index: i, Behavior: reg.Lookup(s.Name)})
	}
	if len(steps) == 0 {
		return nil, schema.Configf("steps", "pipeline has no named steps")
	}

	// Missing order sorts last; ties keep declaration order.
	sort.SliceStable(steps, func(a, b int) bool {
		oa, ob := steps[a].Order, steps[b].Order
		switch {
		case oa == nil:
			return false
		case ob == nil:
			return true
		default:
			return *oa < *ob
		}
	})

	return &Plan{Name: def.Name, Steps: steps}, nil
}
