package validate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/colaisr/research-flow-sub000/pkg/render"
	"github.com/colaisr/research-flow-sub000/pkg/runctx"
	"github.com/colaisr/research-flow-sub000/pkg/schema"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validateDomain runs the hand-coded pipeline rules.
func validateDomain(p *schema.Pipeline, opts Options) []*ValidationError {
	var errs []*ValidationError

	// D1: at least one named step
	if len(p.Steps) == 0 {
		return []*ValidationError{errorf("domain", "steps", "pipeline has no steps")}
	}
	named := map[string]int{} // name → index of first occurrence
	for i, s := range p.Steps {
		path := stepPath(i)
		if s.Name == "" {
			// D2: unnamed steps are dropped at plan time
			errs = append(errs, warningf("domain", path, "step has no step_name and will be skipped"))
			continue
		}
		// D3: unique names
		if prev, ok := named[s.Name]; ok {
			errs = append(errs, errorf("domain", path+".step_name", "duplicate step name %q (first at %s)", s.Name, stepPath(prev)))
			continue
		}
		named[s.Name] = i
	}
	if len(named) == 0 {
		errs = append(errs, errorf("domain", "steps", "pipeline has no named steps"))
		return errs
	}

	for i, s := range p.Steps {
		if s.Name == "" {
			continue
		}
		path := stepPath(i)

		// D4: required content
		if strings.TrimSpace(s.Model) == "" {
			errs = append(errs, errorf("domain", path+".model", "model is required"))
		}
		if strings.TrimSpace(s.UserPromptTemplate) == "" {
			errs = append(errs, errorf("domain", path+".user_prompt_template", "user_prompt_template is empty"))
		}
		for j, fb := range s.FallbackModels {
			if fb == s.Model {
				errs = append(errs, warningf("domain", fmt.Sprintf("%s.fallback_models[%d]", path, j),
					"fallback %q repeats the primary model", fb))
			}
		}

		errs = append(errs, validateToolRefs(s, path, opts)...)
		errs = append(errs, validatePlaceholders(s, path, named)...)
		errs = append(errs, validateInclude(s, path, named)...)
		errs = append(errs, validateWhen(s, path)...)
	}
	return errs
}

// D5: tool references are well-formed, placed in the template, and known.
func validateToolRefs(s schema.Step, path string, opts Options) []*ValidationError {
	var errs []*ValidationError
	tokens := map[string]bool{}
	for _, t := range render.Tokens(s.UserPromptTemplate) {
		tokens[t] = true
	}
	seen := map[string]bool{}
	for j, ref := range s.ToolReferences {
		rp := fmt.Sprintf("%s.tool_references[%d]", path, j)
		if ref.ToolID == "" {
			errs = append(errs, errorf("domain", rp+".tool_id", "tool_id is required"))
		}
		if !identRe.MatchString(ref.VariableName) {
			errs = append(errs, errorf("domain", rp+".variable_name", "variable_name %q is not a valid placeholder name", ref.VariableName))
			continue
		}
		if seen[ref.VariableName] {
			errs = append(errs, errorf("domain", rp+".variable_name", "variable %q is bound twice", ref.VariableName))
		}
		seen[ref.VariableName] = true
		if !tokens[ref.VariableName] {
			errs = append(errs, errorf("domain", rp+".variable_name", "placeholder {%s} does not appear in user_prompt_template", ref.VariableName))
		}
		if isReserved(ref.VariableName) {
			errs = append(errs, warningf("domain", rp+".variable_name", "variable %q shadows a standard placeholder", ref.VariableName))
		}
		if opts.Tools != nil && ref.ToolID != "" {
			def := opts.Tools.Get(ref.ToolID)
			switch {
			case def == nil:
				errs = append(errs, errorf("domain", rp+".tool_id", "tool %q is not registered", ref.ToolID))
			case !def.IsActive():
				errs = append(errs, warningf("domain", rp+".tool_id", "tool %q is inactive; the placeholder will render as a failure notice", ref.ToolID))
			}
		}
	}
	return errs
}

// D6: every placeholder is fillable. Mirrors the render-time check so the
// same mistakes surface before a run is queued.
func validatePlaceholders(s schema.Step, path string, named map[string]int) []*ValidationError {
	var errs []*ValidationError
	valid := map[string]bool{}
	for _, t := range render.StandardTokens {
		valid[t] = true
	}
	for name := range named {
		valid[name+render.OutputSuffix] = true
	}
	for _, ref := range s.ToolReferences {
		valid[ref.VariableName] = true
	}
	for _, tok := range render.Tokens(s.UserPromptTemplate) {
		if !valid[tok] {
			errs = append(errs, errorf("domain", path+".user_prompt_template", "unknown placeholder {%s}", tok))
			continue
		}
		if strings.HasSuffix(tok, render.OutputSuffix) {
			ref := strings.TrimSuffix(tok, render.OutputSuffix)
			if ref == s.Name {
				errs = append(errs, warningf("domain", path+".user_prompt_template", "step refers to its own output {%s}", tok))
			}
		}
	}
	return errs
}

// D7: include_context names known steps and valid enums.
func validateInclude(s schema.Step, path string, named map[string]int) []*ValidationError {
	ic := s.IncludeContext
	if ic == nil {
		return nil
	}
	var errs []*ValidationError
	ip := path + ".include_context"
	if len(ic.Steps) == 0 {
		errs = append(errs, warningf("domain", ip+".steps", "include_context lists no steps"))
	}
	for j, name := range ic.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", ip, j)
		if name == s.Name {
			errs = append(errs, warningf("domain", sp, "step includes its own output"))
			continue
		}
		if _, ok := named[name]; !ok {
			errs = append(errs, warningf("domain", sp, "include_context references unknown step %q", name))
		}
	}
	return errs
}

// D8: when guards compile against the guard environment.
func validateWhen(s schema.Step, path string) []*ValidationError {
	if strings.TrimSpace(s.When) == "" {
		return nil
	}
	env := runctx.New("", "", nil, nil).Env()
	if _, err := expr.Compile(s.When, expr.Env(env), expr.AsBool()); err != nil {
		return []*ValidationError{errorf("domain", path+".when", "invalid when expression: %s", err)}
	}
	return nil
}

func isReserved(name string) bool {
	for _, t := range render.StandardTokens {
		if t == name {
			return true
		}
	}
	return false
}

// validateToolsDomain checks a tool registry document.
func validateToolsDomain(f *schema.ToolRegistryFile) []*ValidationError {
	var errs []*ValidationError
	ids := map[string]int{}
	for i, t := range f.Tools {
		path := fmt.Sprintf("tools[%d]", i)
		if t.ID == "" {
			errs = append(errs, errorf("domain", path+".id", "tool id is required"))
		} else if prev, ok := ids[t.ID]; ok {
			errs = append(errs, errorf("domain", path+".id", "duplicate tool id %q (first at tools[%d])", t.ID, prev))
		} else {
			ids[t.ID] = i
		}
		c := t.Config
		switch t.Class {
		case schema.ClassSQLQuery:
			if c.DSN == "" {
				errs = append(errs, errorf("domain", path+".config.dsn", "sql_query tool requires a dsn"))
			}
		case schema.ClassHTTP:
			if c.Endpoint == "" {
				errs = append(errs, warningf("domain", path+".config.endpoint", "http_request tool has no endpoint; one must be extracted per call"))
			}
			if c.Select != "" {
				if _, err := expr.Compile(c.Select); err != nil {
					errs = append(errs, errorf("domain", path+".config.select", "invalid select expression: %s", err))
				}
			}
		case schema.ClassKnowledge:
			if c.MaxDistance > 2 {
				errs = append(errs, warningf("domain", path+".config.max_distance", "max_distance %v exceeds the cosine distance range", c.MaxDistance))
			}
		}
	}
	return errs
}

func stepPath(i int) string {
	return fmt.Sprintf("steps[%d]", i)
}
