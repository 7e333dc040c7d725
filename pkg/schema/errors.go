package schema

import (
	"fmt"
	"strings"
)

// ConfigurationError reports a pipeline that cannot be executed as written:
// an empty plan, a duplicate step name or a template token nothing can fill.
// It is fatal to the run.
type ConfigurationError struct {
	Path    string   // location, e.g. steps[2].user_prompt_template
	Message string
	Valid   []string // accepted alternatives, when there is a closed set
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("configuration error")
	if e.Path != "" {
		fmt.Fprintf(&b, " at %s", e.Path)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Valid) > 0 {
		fmt.Fprintf(&b, " (valid: %s)", strings.Join(e.Valid, ", "))
	}
	return b.String()
}

// Configf builds a ConfigurationError with a formatted message.
func Configf(path, msg string, args ...any) *ConfigurationError {
	return &ConfigurationError{Path: path, Message: fmt.Sprintf(msg, args...)}
}
