package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/colaisr/research-flow-sub000/pkg/tools"
	"github.com/colaisr/research-flow-sub000/pkg/validate"
)

var validateKind string

var validateCmd = &cobra.Command{
	Use:   "validate [pipeline.yaml]",
	Short: "Validate a pipeline or tool registry (structural, semantic, domain)",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := args[0]
	kind := validateKind
	if kind == "" && isToolsFile(path) {
		kind = "tools"
	}

	if kind == "tools" {
		f, errs := validate.ValidateToolRegistryFile(path)
		if err := printFindings(os.Stderr, errs); err != nil {
			return err
		}
		fmt.Printf("✓ %s is valid (%d tools)\n", path, len(f.Tools))
		return nil
	}

	opts, err := validateOptions()
	if err != nil {
		return err
	}
	p, errs := validate.ValidateFile(path, opts)
	if err := printFindings(os.Stderr, errs); err != nil {
		return err
	}
	name := p.Name
	if name == "" {
		name = path
	}
	fmt.Printf("✓ %s is valid (%d steps)\n", name, len(p.Steps))
	return nil
}

// validateOptions loads the configured tool registry so tool references can
// be checked.
func validateOptions() (validate.Options, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return validate.Options{}, err
	}
	if cfg.ToolsFile == "" {
		return validate.Options{}, nil
	}
	m := tools.NewManager()
	if err := m.LoadFile(cfg.ToolsFile); err != nil {
		return validate.Options{}, err
	}
	return validate.Options{Tools: m}, nil
}

// printFindings writes warnings and errors and returns an error when any
// finding is an error.
func printFindings(w io.Writer, errs []*validate.ValidationError) error {
	for _, e := range errs {
		if e.Severity == "warning" {
			fmt.Fprintf(w, "  ⚠ [%s] %s\n", e.Phase, e.Message)
			if e.Path != "" {
				fmt.Fprintf(w, "    at: %s\n", e.Path)
			}
		}
	}
	errors := validate.Errors(errs)
	if len(errors) == 0 {
		return nil
	}
	fmt.Fprintf(w, "Validation failed: %d error(s)\n\n", len(errors))
	for i, e := range errors {
		fmt.Fprintf(w, "  %d. [%s] %s\n", i+1, e.Phase, e.Message)
		if e.Path != "" {
			fmt.Fprintf(w, "     at: %s\n", e.Path)
		}
	}
	return fmt.Errorf("validation failed with %d error(s)", len(errors))
}

func isToolsFile(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	return strings.HasPrefix(base, "tools.") || strings.Contains(base, ".tools.")
}

func init() {
	validateCmd.Flags().StringVar(&validateKind, "kind", "", "File kind: pipeline or tools (guessed from the name)")
	rootCmd.AddCommand(validateCmd)
}
