package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/colaisr/research-flow-sub000/pkg/knowledge"
	"github.com/colaisr/research-flow-sub000/pkg/llm"
)

// Knowledge search defaults.
const (
	DefaultTopK          = 5
	DefaultMaxDistance   = 0.5
	DefaultMaxEntryChars = 800
)

// KnowledgeBases hands out the index for a named knowledge base.
// *knowledge.SQLStore satisfies it.
type KnowledgeBases interface {
	Base(name string) knowledge.Index
}

// KnowledgeExecutor serves knowledge_search tools.
type KnowledgeExecutor struct {
	Embedder llm.Embedder
	Bases    KnowledgeBases
}

// Execute implements Executor.
func (k *KnowledgeExecutor) Execute(ctx context.Context, call Call) (string, error) {
	if k.Embedder == nil || k.Bases == nil {
		return "", fmt.Errorf("knowledge search is not configured")
	}
	query, _ := call.Params["query"].(string)
	if strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("no query extracted")
	}
	cfg := call.Def.Config
	base := cfg.Base
	if base == "" {
		base = call.Def.ID
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	maxDist := cfg.MaxDistance
	if maxDist <= 0 {
		maxDist = DefaultMaxDistance
	}
	maxChars := cfg.MaxEntryChars
	if maxChars <= 0 {
		maxChars = DefaultMaxEntryChars
	}

	vec, err := k.Embedder.Embed(ctx, query)
	if err != nil {
		return "", fmt.Errorf("embed query: %w", err)
	}
	matches, err := k.Bases.Base(base).Search(ctx, vec, topK)
	if err != nil {
		return "", fmt.Errorf("search %s: %w", base, err)
	}

	var b strings.Builder
	n := 0
	for _, m := range matches {
		if m.Distance > maxDist {
			continue
		}
		n++
		if n > 1 {
			b.WriteString("\n\n")
		}
		text := m.Text
		if r := []rune(text); len(r) > maxChars {
			text = string(r[:maxChars]) + "..."
		}
		fmt.Fprintf(&b, "%d. [%s] %s", n, m.Source, text)
	}
	if n == 0 {
		return fmt.Sprintf("No relevant knowledge found for %q.", query), nil
	}
	return fmt.Sprintf("Knowledge (%d entries):\n%s", n, b.String()), nil
}
