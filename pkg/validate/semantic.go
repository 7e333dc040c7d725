package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/colaisr/research-flow-sub000/pkg/schema"
)

type compiled struct {
	once sync.Once
	sch  *sjsonschema.Schema
	err  error
}

var (
	pipelineSchema compiled
	toolSchema     compiled
)

func (c *compiled) get(name string, gen func() ([]byte, error)) (*sjsonschema.Schema, error) {
	c.once.Do(func() {
		raw, err := gen()
		if err != nil {
			c.err = fmt.Errorf("generate schema: %w", err)
			return
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			c.err = fmt.Errorf("unmarshal schema: %w", err)
			return
		}
		comp := sjsonschema.NewCompiler()
		if err := comp.AddResource(name, doc); err != nil {
			c.err = fmt.Errorf("add schema resource: %w", err)
			return
		}
		c.sch, c.err = comp.Compile(name)
	})
	return c.sch, c.err
}

// validateSemantic checks the pipeline against its generated JSON Schema.
func validateSemantic(p *schema.Pipeline) []*ValidationError {
	sch, err := pipelineSchema.get("pipeline-v1.json", schema.GeneratePipelineJSONSchema)
	if err != nil {
		return []*ValidationError{errorf("semantic", "", "%s", err)}
	}
	return checkAgainst(sch, p)
}

func validateToolsSemantic(f *schema.ToolRegistryFile) []*ValidationError {
	sch, err := toolSchema.get("tools-v1.json", schema.GenerateToolJSONSchema)
	if err != nil {
		return []*ValidationError{errorf("semantic", "", "%s", err)}
	}
	return checkAgainst(sch, f)
}

// checkAgainst round-trips v through JSON and validates the generic form.
func checkAgainst(sch *sjsonschema.Schema, v any) []*ValidationError {
	data, err := json.Marshal(v)
	if err != nil {
		return []*ValidationError{errorf("semantic", "", "marshal document: %s", err)}
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return []*ValidationError{errorf("semantic", "", "unmarshal document: %s", err)}
	}
	err = sch.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *sjsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []*ValidationError{errorf("semantic", "", "%s", err)}
	}
	var errs []*ValidationError
	for _, cause := range flattenValidationErrors(ve) {
		errs = append(errs, &ValidationError{
			Phase:    "semantic",
			Path:     strings.Join(cause.InstanceLocation, "/"),
			Message:  fmt.Sprintf("%v", cause.ErrorKind),
			Severity: "error",
		})
	}
	return errs
}

// flattenValidationErrors recursively collects all leaf validation errors.
func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}
