//go:build ignore

// gen-schema writes the pipeline and tool registry JSON Schemas to schemas/
// for editor integration. Run with: go run scripts/gen-schema.go
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/colaisr/research-flow-sub000/pkg/schema"
)

func main() {
	if err := os.MkdirAll("schemas", 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "mkdir: %v\n", err)
		os.Exit(1)
	}
	targets := []struct {
		file string
		gen  func() ([]byte, error)
	}{
		{"pipeline-v1.json", schema.GeneratePipelineJSONSchema},
		{"tools-v1.json", schema.GenerateToolJSONSchema},
	}
	for _, t := range targets {
		data, err := t.gen()
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate %s: %v\n", t.file, err)
			os.Exit(1)
		}
		path := filepath.Join("schemas", t.file)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "write: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("wrote", path)
	}
}
