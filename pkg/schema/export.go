package schema

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// GeneratePipelineJSONSchema produces a JSON Schema Draft 2020-12 document
// from the Pipeline Go types.
func GeneratePipelineJSONSchema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	s := r.Reflect(&Pipeline{})
	s.ID = "https://github.com/colaisr/research-flow/schemas/pipeline-v1.json"
	s.Title = "research-flow analysis pipeline"
	s.Description = "Schema for analysis pipeline YAML/JSON documents (Draft 2020-12)"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal pipeline schema: %w", err)
	}
	return data, nil
}

// GenerateToolJSONSchema produces a JSON Schema document for tools.yaml.
func GenerateToolJSONSchema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	s := r.Reflect(&ToolRegistryFile{})
	s.ID = "https://github.com/colaisr/research-flow/schemas/tools-v1.json"
	s.Title = "research-flow tool registry"
	s.Description = "Schema for tools.yaml registry documents (Draft 2020-12)"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal tool schema: %w", err)
	}
	return data, nil
}
