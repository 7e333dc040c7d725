package tools

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/colaisr/research-flow-sub000/pkg/schema"
)

// Extraction cache defaults.
const (
	DefaultCacheSize = 512
	DefaultCacheTTL  = time.Hour
)

// ExtractionCache remembers parameters extracted for identical prompt
// windows. It is bounded and entries expire. A nil cache never hits.
type ExtractionCache struct {
	lru *expirable.LRU[string, map[string]any]
}

// NewExtractionCache creates a cache holding at most size entries for ttl.
func NewExtractionCache(size int, ttl time.Duration) *ExtractionCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &ExtractionCache{lru: expirable.NewLRU[string, map[string]any](size, nil, ttl)}
}

// Get returns a copy of the cached parameters.
func (c *ExtractionCache) Get(key string) (map[string]any, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return copyParams(v), true
}

// Add stores params under key.
func (c *ExtractionCache) Add(key string, params map[string]any) {
	if c == nil {
		return
	}
	c.lru.Add(key, copyParams(params))
}

// Len reports the number of live entries.
func (c *ExtractionCache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

// CacheKey hashes everything that influences an extraction.
func CacheKey(window string, stepCtx map[string]any, toolID, model string) string {
	ctxJSON, _ := json.Marshal(stepCtx) // map keys marshal sorted
	h := sha256.New()
	for _, part := range [][]byte{[]byte(window), ctxJSON, []byte(toolID), []byte(model)} {
		h.Write(part)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ParseParams reads a JSON object out of a model reply. Markdown fences and
// prose around the object are tolerated; anything unparseable yields an
// empty map.
func ParseParams(text string) map[string]any {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s[start:end+1]), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

// mergeParams overlays extracted values on configured defaults.
func mergeParams(defaults, extracted map[string]any) map[string]any {
	out := copyParams(defaults)
	for k, v := range extracted {
		out[k] = v
	}
	return out
}

func copyParams(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var classInstructions = map[schema.ToolClass]string{
	schema.ClassMarketData: `Return {"instrument": string, "timeframe": string, "num_candles": integer}. ` +
		`Use the instrument and timeframe the text asks about; omit keys the text does not determine.`,
	schema.ClassSQLQuery: `Return {"query": string} holding a single read-only SQL SELECT statement ` +
		`that answers what the text asks for. Never write data.`,
	schema.ClassKnowledge: `Return {"query": string} holding a short search phrase for the knowledge base.`,
	schema.ClassHTTP: `Return {"endpoint": string, "method": string, "body": object, "headers": object}. ` +
		`Omit keys the text does not determine.`,
}

// extractionSystemPrompt tells the model how to produce parameters for a
// tool of def's class.
func extractionSystemPrompt(def *schema.ToolDefinition) string {
	var b strings.Builder
	b.WriteString("You derive call parameters for a data tool from an analyst's prompt. ")
	b.WriteString("Reply with one JSON object and nothing else.\n")
	b.WriteString(classInstructions[def.Class])
	return b.String()
}

func extractionUserPrompt(def *schema.ToolDefinition, ref schema.ToolReference, window string, stepCtx map[string]any) string {
	ctxJSON, _ := json.Marshal(stepCtx)
	var b strings.Builder
	fmt.Fprintf(&b, "Tool: %s (%s)\n", def.ID, def.Class)
	if def.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", def.Description)
	}
	fmt.Fprintf(&b, "Context: %s\n", ctxJSON)
	fmt.Fprintf(&b, "Placeholder: {%s}\n\n", ref.VariableName)
	b.WriteString("Prompt text around the placeholder:\n<<<\n")
	b.WriteString(window)
	b.WriteString("\n>>>")
	return b.String()
}
