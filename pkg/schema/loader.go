package schema

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile reads and structurally decodes a pipeline document.
func LoadFile(path string) (*Pipeline, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pipeline: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load decodes a pipeline from YAML or JSON. The document is either an object
// with a steps list or a bare list of steps. Unknown fields are rejected.
func Load(r io.Reader) (*Pipeline, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}

	var probe yaml.Node
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("structural decode: %w", err)
	}
	if len(probe.Content) == 0 {
		return &Pipeline{}, nil
	}

	if probe.Content[0].Kind == yaml.SequenceNode {
		var steps []Step
		if err := decodeStrict(data, &steps); err != nil {
			return nil, err
		}
		return &Pipeline{Steps: steps}, nil
	}

	var p Pipeline
	if err := decodeStrict(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadToolRegistryFile reads a tools.yaml registry document.
func LoadToolRegistryFile(path string) (*ToolRegistryFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tool registry: %w", err)
	}
	defer f.Close()
	return LoadToolRegistry(f)
}

// LoadToolRegistry decodes a tool registry from a reader.
func LoadToolRegistry(r io.Reader) (*ToolRegistryFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read tool registry: %w", err)
	}
	var reg ToolRegistryFile
	if err := decodeStrict(data, &reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

func decodeStrict(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true) // strict: reject unknown fields
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("structural decode: %w", err)
	}
	return nil
}
