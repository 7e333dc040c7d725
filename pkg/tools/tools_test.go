package tools

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/colaisr/research-flow-sub000/pkg/knowledge"
	"github.com/colaisr/research-flow-sub000/pkg/llm"
	"github.com/colaisr/research-flow-sub000/pkg/marketdata"
	"github.com/colaisr/research-flow-sub000/pkg/plan"
	"github.com/colaisr/research-flow-sub000/pkg/render"
	"github.com/colaisr/research-flow-sub000/pkg/runctx"
	"github.com/colaisr/research-flow-sub000/pkg/schema"
)

func boolPtr(b bool) *bool { return &b }

func registry(t *testing.T, defs ...schema.ToolDefinition) *Manager {
	t.Helper()
	m := NewManager()
	for _, d := range defs {
		if err := m.Register(d, "test"); err != nil {
			t.Fatal(err)
		}
	}
	return m
}

// countingModel replies with reply and counts calls.
func countingModel(reply string, calls *int32) llm.Client {
	return llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		atomic.AddInt32(calls, 1)
		if req.Temperature != 0 {
			return nil, fmt.Errorf("extraction must run at temperature 0, got %v", req.Temperature)
		}
		return &llm.Response{Text: reply, Model: req.Model}, nil
	})
}

func echoParams() ExecutorFunc {
	return func(ctx context.Context, call Call) (string, error) {
		return fmt.Sprintf("%v", call.Params), nil
	}
}

func TestManager_Register(t *testing.T) {
	m := NewManager()
	if err := m.Register(schema.ToolDefinition{ID: "db", Class: schema.ClassSQLQuery}, "a.yaml"); err != nil {
		t.Fatal(err)
	}
	err := m.Register(schema.ToolDefinition{ID: "db", Class: schema.ClassSQLQuery}, "b.yaml")
	var ce *schema.ConfigurationError
	if !errors.As(err, &ce) || !strings.Contains(ce.Message, "already registered from a.yaml") {
		t.Errorf("duplicate = %v", err)
	}
	err = m.Register(schema.ToolDefinition{ID: "x", Class: "ftp"}, "b.yaml")
	if !errors.As(err, &ce) || len(ce.Valid) != len(schema.ToolClasses) {
		t.Errorf("unknown class = %v", err)
	}
	if err := m.Register(schema.ToolDefinition{ID: "off", Class: schema.ClassHTTP, Active: boolPtr(false)}, "b.yaml"); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Load(context.Background(), "missing"); !errors.Is(err, ErrToolNotFound) {
		t.Errorf("Load(missing) = %v", err)
	}
	if _, err := m.Load(context.Background(), "off"); !errors.Is(err, ErrToolInactive) {
		t.Errorf("Load(off) = %v", err)
	}
	if diff := cmp.Diff([]string{"db", "off"}, m.IDs()); diff != "" {
		t.Errorf("IDs (-want +got):\n%s", diff)
	}
}

func TestParseParams(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want map[string]any
	}{
		{"plain", `{"query": "SELECT 1"}`, map[string]any{"query": "SELECT 1"}},
		{"fenced", "```json\n{\"query\": \"x\"}\n```", map[string]any{"query": "x"}},
		{"prose around", `Sure! Here you go: {"instrument": "ETH/USDT", "num_candles": 50} hope it helps`,
			map[string]any{"instrument": "ETH/USDT", "num_candles": float64(50)}},
		{"no object", "I cannot help with that", map[string]any{}},
		{"broken json", `{"query": }`, map[string]any{}},
		{"array", `["a"]`, map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, ParseParams(tt.in)); diff != "" {
				t.Errorf("ParseParams (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCacheKey(t *testing.T) {
	ctx1 := map[string]any{"step": "a", "instrument": "BTC/USDT", "timeframe": "H1"}
	ctx2 := map[string]any{"timeframe": "H1", "instrument": "BTC/USDT", "step": "a"}
	if CacheKey("w", ctx1, "t", "m") != CacheKey("w", ctx2, "t", "m") {
		t.Error("key must not depend on map order")
	}
	base := CacheKey("w", ctx1, "t", "m")
	for name, k := range map[string]string{
		"window": CacheKey("w2", ctx1, "t", "m"),
		"tool":   CacheKey("w", ctx1, "t2", "m"),
		"model":  CacheKey("w", ctx1, "t", "m2"),
	} {
		if k == base {
			t.Errorf("changing %s did not change the key", name)
		}
	}
}

func TestExtractionCache_Expires(t *testing.T) {
	c := NewExtractionCache(2, 50*time.Millisecond)
	c.Add("a", map[string]any{"q": 1})
	got, ok := c.Get("a")
	if !ok || got["q"] != 1 {
		t.Fatalf("Get = %v, %v", got, ok)
	}
	got["q"] = 2
	if again, _ := c.Get("a"); again["q"] != 1 {
		t.Error("cached params must not be mutable through Get")
	}
	c.Add("b", nil)
	c.Add("c", nil)
	if _, ok := c.Get("a"); ok {
		t.Error("oldest entry should be evicted at capacity")
	}
	time.Sleep(120 * time.Millisecond)
	if _, ok := c.Get("c"); ok {
		t.Error("entry should expire after ttl")
	}

	var nilCache *ExtractionCache
	nilCache.Add("x", nil)
	if _, ok := nilCache.Get("x"); ok {
		t.Error("nil cache never hits")
	}
}

func TestInvoker_CacheHitSkipsModel(t *testing.T) {
	var calls int32
	iv := &Invoker{
		Registry:  registry(t, schema.ToolDefinition{ID: "md", Class: schema.ClassMarketData}),
		Model:     countingModel(`{"num_candles": 10}`, &calls),
		Cache:     NewExtractionCache(0, 0),
		Executors: map[schema.ToolClass]Executor{schema.ClassMarketData: echoParams()},
	}
	ref := schema.ToolReference{ToolID: "md", VariableName: "md", ExtractionConfig: schema.ExtractionConfig{
		Defaults: map[string]any{"timeframe": "H4", "num_candles": 5},
	}}
	stepCtx := map[string]any{"step": "wyckoff", "instrument": "BTC/USDT", "timeframe": "H1"}

	first := iv.Resolve(context.Background(), ref, "show {md} now", stepCtx, "m1")
	second := iv.Resolve(context.Background(), ref, "show {md} now", stepCtx, "m1")
	if calls != 1 {
		t.Errorf("model calls = %d, want 1", calls)
	}
	if first != second {
		t.Errorf("cached result differs: %q vs %q", first, second)
	}
	if want := "map[num_candles:10 timeframe:H4]"; first != want {
		t.Errorf("params = %q, want %q (extracted over defaults)", first, want)
	}

	iv.Resolve(context.Background(), ref, "show {md} now", stepCtx, "m2")
	if calls != 2 {
		t.Errorf("different model must miss the cache; calls = %d", calls)
	}
}

func TestInvoker_Failures(t *testing.T) {
	ctx := context.Background()
	reg := registry(t,
		schema.ToolDefinition{ID: "off", Class: schema.ClassHTTP, Active: boolPtr(false)},
		schema.ToolDefinition{ID: "kb", Class: schema.ClassKnowledge},
		schema.ToolDefinition{ID: "boom", Class: schema.ClassSQLQuery},
	)
	failing := llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		return nil, errors.New("provider down")
	})
	iv := &Invoker{
		Registry: reg,
		Model:    failing,
		Executors: map[schema.ToolClass]Executor{
			schema.ClassSQLQuery: ExecutorFunc(func(ctx context.Context, call Call) (string, error) {
				return "", errors.New("no such table: trades")
			}),
			schema.ClassHTTP: echoParams(),
		},
	}

	tests := []struct {
		name string
		ref  schema.ToolReference
		want string
	}{
		{"unknown tool", schema.ToolReference{ToolID: "nope"}, "[Tool nope failed: tool not found: nope]"},
		{"inactive tool", schema.ToolReference{ToolID: "off"}, "[Tool off failed: tool is inactive: off]"},
		{"no executor", schema.ToolReference{ToolID: "kb"}, "[Tool kb failed: no executor for class knowledge_search]"},
		{"executor error", schema.ToolReference{ToolID: "boom"}, "[Tool boom failed: no such table: trades]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := iv.Resolve(ctx, tt.ref, "w", nil, "m"); got != tt.want {
				t.Errorf("Resolve = %q, want %q", got, tt.want)
			}
		})
	}

	if got := (&Invoker{}).Resolve(ctx, schema.ToolReference{ToolID: "x"}, "", nil, ""); !strings.HasPrefix(got, "[Tool x failed:") {
		t.Errorf("nil registry = %q", got)
	}
}

func TestInvoker_ExtractionFallsBackToDefaults(t *testing.T) {
	var calls int32
	reg := registry(t, schema.ToolDefinition{ID: "api", Class: schema.ClassHTTP})
	failing := llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("timeout")
	})
	iv := &Invoker{Registry: reg, Model: failing, Cache: NewExtractionCache(0, 0),
		Executors: map[schema.ToolClass]Executor{schema.ClassHTTP: echoParams()}}
	ref := schema.ToolReference{ToolID: "api", ExtractionConfig: schema.ExtractionConfig{
		Defaults: map[string]any{"method": "GET"},
	}}

	if got := iv.Resolve(context.Background(), ref, "w", nil, "m"); got != "map[method:GET]" {
		t.Errorf("Resolve = %q", got)
	}
	iv.Resolve(context.Background(), ref, "w", nil, "m")
	if calls != 2 {
		t.Errorf("failed extractions must not be cached; calls = %d", calls)
	}

	ref.ExtractionConfig.Method = schema.ExtractStatic
	iv.Resolve(context.Background(), ref, "w", nil, "m")
	if calls != 2 {
		t.Errorf("static extraction must not call the model; calls = %d", calls)
	}
}

func TestInvoker_ExtractionModelOverride(t *testing.T) {
	var seen string
	model := llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		seen = req.Model
		return &llm.Response{Text: "{}"}, nil
	})
	iv := &Invoker{
		Registry:  registry(t, schema.ToolDefinition{ID: "t", Class: schema.ClassHTTP}),
		Model:     model,
		Executors: map[schema.ToolClass]Executor{schema.ClassHTTP: echoParams()},
	}
	ref := schema.ToolReference{ToolID: "t", ExtractionConfig: schema.ExtractionConfig{Model: "cheap/extractor"}}
	iv.Resolve(context.Background(), ref, "w", nil, "step/model")
	if seen != "cheap/extractor" {
		t.Errorf("extraction model = %q", seen)
	}
	ref.ExtractionConfig.Model = ""
	iv.Resolve(context.Background(), ref, "w", nil, "step/model")
	if seen != "step/model" {
		t.Errorf("extraction model = %q, want step model", seen)
	}
}

func TestCheckReadOnly(t *testing.T) {
	allowed := []string{"SELECT 1", "select created_at from runs", "WITH x AS (SELECT 1) SELECT * FROM x"}
	for _, q := range allowed {
		if err := CheckReadOnly(q); err != nil {
			t.Errorf("CheckReadOnly(%q) = %v", q, err)
		}
	}
	rejected := []string{"DELETE FROM t", "select 1; drop table t", "insert into t values (1)",
		"PRAGMA table_info(t)", "attach database 'x' as y", "Update t set a=1"}
	for _, q := range rejected {
		if err := CheckReadOnly(q); err == nil {
			t.Errorf("CheckReadOnly(%q) accepted a write", q)
		}
	}
}

func sqliteTool(t *testing.T, maxRows int) schema.ToolDefinition {
	t.Helper()
	return schema.ToolDefinition{ID: "db_tool", Class: schema.ClassSQLQuery,
		Config: schema.ToolConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "research.db"), MaxRows: maxRows}}
}

func TestSQLExecutor(t *testing.T) {
	ctx := context.Background()
	def := sqliteTool(t, 2)
	ex := &SQLExecutor{}
	defer ex.Close()

	out, err := ex.Execute(ctx, Call{Def: &def, Params: map[string]any{
		"query": "SELECT 'BTC' AS sym, 1.5 AS px, NULL AS note UNION ALL SELECT 'ETH', 2, 'x' UNION ALL SELECT 'SOL', 3, 'y'",
	}})
	if err != nil {
		t.Fatal(err)
	}
	want := "Rows (2):\n1. sym=BTC, px=1.5, note=NULL\n2. sym=ETH, px=2, note=x\n... (truncated at 2 rows)"
	if out != want {
		t.Errorf("Execute =\n%s\nwant\n%s", out, want)
	}

	out, err = ex.Execute(ctx, Call{Def: &def, Params: map[string]any{"query": "SELECT 1 WHERE 0"}})
	if err != nil || out != "Rows (0): no results" {
		t.Errorf("empty = %q, %v", out, err)
	}

	if _, err := ex.Execute(ctx, Call{Def: &def, Params: map[string]any{"query": "DROP TABLE x"}}); err == nil {
		t.Error("write accepted")
	}
	if _, err := ex.Execute(ctx, Call{Def: &def, Params: map[string]any{}}); err == nil {
		t.Error("missing query accepted")
	}
}

func TestReadOnlyDSN(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"/tmp/research.db", "/tmp/research.db?_pragma=query_only(1)"},
		{"file:research.db?mode=ro", "file:research.db?mode=ro&_pragma=query_only(1)"},
		{"file:x.db?_pragma=query_only(1)", "file:x.db?_pragma=query_only(1)"},
	}
	for _, tt := range tests {
		if got := readOnlyDSN(tt.dsn); got != tt.want {
			t.Errorf("readOnlyDSN(%q) = %q, want %q", tt.dsn, got, tt.want)
		}
	}
}

// Every pooled connection refuses writes, not only the first one opened.
func TestSQLExecutor_AllConnectionsReadOnly(t *testing.T) {
	ctx := context.Background()
	def := sqliteTool(t, 0)
	seed, err := sql.Open("sqlite", def.Config.DSN)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := seed.Exec("CREATE TABLE prices (sym TEXT, px REAL)"); err != nil {
		t.Fatal(err)
	}
	seed.Close()

	ex := &SQLExecutor{}
	defer ex.Close()
	db, err := ex.open(def.Config.Driver, def.Config.DSN)
	if err != nil {
		t.Fatal(err)
	}
	first, err := db.Conn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	second, err := db.Conn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	for i, conn := range []*sql.Conn{first, second} {
		if _, err := conn.ExecContext(ctx, "INSERT INTO prices VALUES ('BTC', 1)"); err == nil {
			t.Errorf("connection %d accepted a write", i+1)
		}
		var n int
		if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM prices").Scan(&n); err != nil {
			t.Errorf("connection %d read: %v", i+1, err)
		}
	}
}

// A tool-only template renders to exactly the formatted query result.
func TestSQLTool_RenderedPromptIsQueryResult(t *testing.T) {
	ctx := context.Background()
	def := sqliteTool(t, 0)
	var calls int32
	sqlExec := &SQLExecutor{}
	defer sqlExec.Close()
	iv := &Invoker{
		Registry:  registry(t, def),
		Model:     countingModel("```json\n{\"query\": \"SELECT 1\"}\n```", &calls),
		Cache:     NewExtractionCache(0, 0),
		Executors: map[schema.ToolClass]Executor{schema.ClassSQLQuery: sqlExec},
	}
	p, err := plan.Build(&schema.Pipeline{Steps: []schema.Step{{
		Name: "query", Model: "m", UserPromptTemplate: "{db}",
		ToolReferences: []schema.ToolReference{{ToolID: "db_tool", VariableName: "db"}},
	}}}, plan.DefaultRegistry(), nil)
	if err != nil {
		t.Fatal(err)
	}
	snap, _ := marketdata.Synthetic{Count: 30}.Fetch(ctx, "BTC/USDT", "H1")
	rc := runctx.New("BTC/USDT", "H1", snap, nil)

	r := &render.Renderer{Tools: iv}
	got, err := r.Render(ctx, p, p.Steps[0], rc, "m")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Rows (1):\n1. 1=1" {
		t.Errorf("rendered = %q", got)
	}
	if calls != 1 {
		t.Errorf("extraction calls = %d", calls)
	}
}

func TestMarketExecutor(t *testing.T) {
	ctx := context.Background()
	ex := &MarketExecutor{Default: marketdata.Synthetic{Count: 40}}
	def := &schema.ToolDefinition{ID: "md", Class: schema.ClassMarketData}

	out, err := ex.Execute(ctx, Call{Def: def,
		Params:  map[string]any{"instrument": "ETH/USDT", "num_candles": float64(3)},
		StepCtx: map[string]any{"instrument": "BTC/USDT", "timeframe": "H1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	snap, _ := marketdata.Synthetic{Count: 40}.Fetch(ctx, "ETH/USDT", "H1")
	if want := marketdata.FormatSummary(snap.Candles, 3); out != want {
		t.Errorf("Execute =\n%s\nwant\n%s", out, want)
	}

	if _, err := ex.Execute(ctx, Call{Def: def, Params: map[string]any{}}); err == nil {
		t.Error("missing instrument accepted")
	}
}

func TestMarketExecutor_DedicatedEndpoint(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if got := r.URL.Query().Get("symbol"); got != "SOLUSDT" {
			t.Errorf("symbol = %q", got)
		}
		fmt.Fprint(w, `[[1704067200000,"1","2","0.5","1.5","10",1704070799999,"0",1,"0","0","0"]]`)
	}))
	defer srv.Close()

	ex := &MarketExecutor{}
	def := &schema.ToolDefinition{ID: "md", Class: schema.ClassMarketData, Config: schema.ToolConfig{Endpoint: srv.URL}}
	out, err := ex.Execute(context.Background(), Call{Def: def,
		Params: map[string]any{"instrument": "SOL/USDT", "timeframe": "H1"}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "2024-01-01 00:00 | 1 | 2 | 0.5 | 1.5 | 10") {
		t.Errorf("Execute = %q", out)
	}
	if hits != 1 {
		t.Errorf("hits = %d", hits)
	}
}

func TestKnowledgeExecutor(t *testing.T) {
	ctx := context.Background()
	emb := llm.NewMockClient()
	idx := &knowledge.MemoryIndex{}
	for src, text := range map[string]string{
		"wyckoff.md": "selling climax marks the end of markdown",
		"cooking.md": "simmer the sauce for twenty minutes",
	} {
		v, _ := emb.Embed(ctx, text)
		idx.Add(knowledge.Chunk{Source: src, Text: text, Vector: v})
	}
	ex := &KnowledgeExecutor{Embedder: emb, Bases: basesFunc(func(string) knowledge.Index { return idx })}
	def := &schema.ToolDefinition{ID: "kb", Class: schema.ClassKnowledge}

	out, err := ex.Execute(ctx, Call{Def: def, Params: map[string]any{"query": "selling climax markdown"}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "Knowledge (1 entries):\n1. [wyckoff.md] selling climax") {
		t.Errorf("Execute = %q", out)
	}

	out, _ = ex.Execute(ctx, Call{Def: def, Params: map[string]any{"query": "quantum chromodynamics"}})
	if out != `No relevant knowledge found for "quantum chromodynamics".` {
		t.Errorf("no match = %q", out)
	}
}

type basesFunc func(string) knowledge.Index

func (f basesFunc) Base(name string) knowledge.Index { return f(name) }

func TestHTTPExecutor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/json":
			if r.Header.Get("X-Key") != "k" {
				t.Errorf("missing configured header")
			}
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			fmt.Fprint(w, `{"data": {"funding": 0.01, "oi": 5}, "meta": "x"}`)
		case "/html":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, `<html><head><title>t</title><script>var x=1;</script></head><body><h1>Fed minutes</h1><p>Rates   held.</p></body></html>`)
		case "/echo":
			w.Header().Set("Content-Type", "text/plain")
			fmt.Fprintf(w, "%s", r.Method)
		default:
			http.Error(w, "nope", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ex := &HTTPExecutor{Client: srv.Client()}
	ctx := context.Background()
	tool := func(path, sel string) *schema.ToolDefinition {
		return &schema.ToolDefinition{ID: "api", Class: schema.ClassHTTP, Config: schema.ToolConfig{
			Endpoint: srv.URL + path, Select: sel, Headers: map[string]string{"X-Key": "k"},
		}}
	}

	tests := []struct {
		name    string
		def     *schema.ToolDefinition
		params  map[string]any
		want    string
		wantErr string
	}{
		{"json select", tool("/json", "body.data.funding"), nil, "0.01", ""},
		{"json pretty", tool("/json", "body.data"), nil, "{\n  \"funding\": 0.01,\n  \"oi\": 5\n}", ""},
		{"html", tool("/html", ""), nil, "Fed minutes\nRates held.", ""},
		{"method param", tool("/echo", ""), map[string]any{"method": "post", "body": map[string]any{"a": 1}}, "POST", ""},
		{"status error", tool("/missing", ""), nil, "", "status 404"},
		{"bad scheme", tool("", ""), map[string]any{"endpoint": "file:///etc/passwd"}, "", "unsupported scheme"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ex.Execute(ctx, Call{Def: tt.def, Params: tt.params})
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Execute = %q, want %q", got, tt.want)
			}
		})
	}
}
