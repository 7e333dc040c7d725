// Package validate implements the pipeline validation pipeline:
// structural → semantic → domain.
package validate

import (
	"fmt"
	"io"

	"github.com/colaisr/research-flow-sub000/pkg/schema"
)

// ValidationError represents one error or warning from the validation pipeline.
type ValidationError struct {
	Phase    string `json:"phase"` // structural, semantic, domain
	Path     string `json:"path"`  // JSON-path-like location
	Message  string `json:"message"`
	Severity string `json:"severity"` // error, warning
}

func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("[%s] %s at %s", e.Phase, e.Message, e.Path)
	}
	return fmt.Sprintf("[%s] %s", e.Phase, e.Message)
}

func errorf(phase, path, msg string, args ...any) *ValidationError {
	return &ValidationError{Phase: phase, Path: path, Message: fmt.Sprintf(msg, args...), Severity: "error"}
}

func warningf(phase, path, msg string, args ...any) *ValidationError {
	return &ValidationError{Phase: phase, Path: path, Message: fmt.Sprintf(msg, args...), Severity: "warning"}
}

// Options supplies optional cross-checks.
type Options struct {
	// Tools, when set, lets the domain phase check tool_id references.
	Tools ToolLookup
}

// ToolLookup reports the class of a registered tool.
type ToolLookup interface {
	Get(id string) *schema.ToolDefinition
}

// ValidateFile runs the full pipeline on a pipeline file.
func ValidateFile(path string, opts Options) (*schema.Pipeline, []*ValidationError) {
	p, err := schema.LoadFile(path)
	if err != nil {
		return nil, []*ValidationError{errorf("structural", "", "failed to load: %s", err)}
	}
	return p, ValidatePipeline(p, opts)
}

// ValidateReader runs the full pipeline on a document read from r.
func ValidateReader(r io.Reader, opts Options) (*schema.Pipeline, []*ValidationError) {
	p, err := schema.Load(r)
	if err != nil {
		return nil, []*ValidationError{errorf("structural", "", "failed to load: %s", err)}
	}
	return p, ValidatePipeline(p, opts)
}

// ValidatePipeline runs phases 2 and 3 on an already-loaded pipeline.
// Domain rules are skipped when the semantic phase reports errors.
func ValidatePipeline(p *schema.Pipeline, opts Options) []*ValidationError {
	errs := validateSemantic(p)
	if HasErrors(errs) {
		return errs
	}
	return append(errs, validateDomain(p, opts)...)
}

// ValidateToolRegistryFile validates a tools.yaml document.
func ValidateToolRegistryFile(path string) (*schema.ToolRegistryFile, []*ValidationError) {
	f, err := schema.LoadToolRegistryFile(path)
	if err != nil {
		return nil, []*ValidationError{errorf("structural", "", "failed to load tool registry: %s", err)}
	}
	errs := validateToolsSemantic(f)
	if HasErrors(errs) {
		return f, errs
	}
	return f, append(errs, validateToolsDomain(f)...)
}

// HasErrors reports whether any entry has error severity.
func HasErrors(errs []*ValidationError) bool {
	for _, e := range errs {
		if e.Severity == "error" {
			return true
		}
	}
	return false
}

// Errors returns only the error-severity entries.
func Errors(errs []*ValidationError) []*ValidationError {
	var out []*ValidationError
	for _, e := range errs {
		if e.Severity == "error" {
			out = append(out, e)
		}
	}
	return out
}
