package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/colaisr/research-flow-sub000/pkg/llm"
	"github.com/colaisr/research-flow-sub000/pkg/marketdata"
	"github.com/colaisr/research-flow-sub000/pkg/runctx"
	"github.com/colaisr/research-flow-sub000/pkg/schema"
	"github.com/colaisr/research-flow-sub000/pkg/store"
	"github.com/colaisr/research-flow-sub000/pkg/tools"
	"github.com/colaisr/research-flow-sub000/pkg/trace"
)

// scriptedModel records every request and, unless reply is set, answers
// "analysis for: <user prompt>".
type scriptedModel struct {
	mu       sync.Mutex
	requests []llm.Request
	reply    func(req llm.Request) (*llm.Response, error)
}

func (m *scriptedModel) Call(ctx context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.reply != nil {
		return m.reply(req)
	}
	return &llm.Response{Text: "analysis for: " + req.UserPrompt, Model: req.Model, PromptTokens: 10, CompletionTokens: 5, Cost: 0.001}, nil
}

func (m *scriptedModel) prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.requests {
		out = append(out, r.UserPrompt)
	}
	return out
}

// newEngine builds an engine whose logs are discarded unless cfg sets one.
func newEngine(cfg RunConfig) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return New(cfg)
}

func intPtr(i int) *int { return &i }

func market() marketdata.Fetcher {
	return marketdata.Synthetic{Count: 60, Base: 42000}
}

func queued(t *testing.T, st store.Store, id string) {
	t.Helper()
	if err := st.CreateRun(context.Background(), &store.Run{ID: id, Instrument: "BTC/USDT", Timeframe: "H1"}); err != nil {
		t.Fatal(err)
	}
}

func names(steps []runctx.StepResult) []string {
	var out []string
	for _, s := range steps {
		out = append(out, s.StepName)
	}
	return out
}

func TestRun_AllStepsInOrder(t *testing.T) {
	st := store.NewMemStore()
	queued(t, st, "run-1")
	model := &scriptedModel{}
	res := newEngine(RunConfig{
		RunID: "run-1", Instrument: "BTC/USDT", Timeframe: "H1",
		Pipeline: &schema.Pipeline{Steps: []schema.Step{
			{Name: "third", Order: intPtr(3), Model: "m", UserPromptTemplate: "c"},
			{Name: "first", Order: intPtr(1), Model: "m", UserPromptTemplate: "a"},
			{Name: "second", Order: intPtr(2), Model: "m", UserPromptTemplate: "b"},
			{Name: "unordered", Model: "m", UserPromptTemplate: "d"},
		}},
		Model: model, Market: market(), Store: st,
	}).Run(context.Background())

	if res.State != store.StateSucceeded || res.Error != nil {
		t.Fatalf("state = %s, err = %v", res.State, res.Error)
	}
	if diff := cmp.Diff([]string{"first", "second", "third", "unordered"}, names(res.Steps)); diff != "" {
		t.Errorf("step order (-want +got):\n%s", diff)
	}
	if res.TotalTokens != 60 {
		t.Errorf("TotalTokens = %d, want 60", res.TotalTokens)
	}

	persisted, _ := st.StepResults(context.Background(), "run-1")
	if len(persisted) != 4 {
		t.Errorf("persisted %d results, want 4", len(persisted))
	}
	run, _ := st.GetRun(context.Background(), "run-1")
	if run.State != store.StateSucceeded || run.CompletedAt == nil || run.TotalTokens != 60 {
		t.Errorf("run = %+v", run)
	}
}

func TestRun_MergeScenario(t *testing.T) {
	long := strings.Repeat("wyckoff accumulation phase C spring confirmed. ", 20)
	model := &scriptedModel{reply: func(req llm.Request) (*llm.Response, error) {
		switch {
		case strings.HasPrefix(req.UserPrompt, "A:"):
			return &llm.Response{Text: long}, nil
		case strings.HasPrefix(req.UserPrompt, "B:"):
			return &llm.Response{Text: "B sees bullish structure"}, nil
		}
		return &llm.Response{Text: "merged"}, nil
	}}
	res := newEngine(RunConfig{
		Instrument: "BTC/USDT", Timeframe: "H1",
		Pipeline: &schema.Pipeline{Steps: []schema.Step{
			{Name: "A", Model: "m", UserPromptTemplate: "A: read {instrument} {timeframe}\n{market_data_summary}"},
			{Name: "B", Model: "m", UserPromptTemplate: "B: given {A_output}"},
			{Name: "merge", Model: "m", UserPromptTemplate: "C: {A_output} and {B_output}",
				IncludeContext: &schema.IncludeContext{Steps: []string{"A"}}},
		}},
		Model: model, Market: market(),
	}).Run(context.Background())

	if res.State != store.StateSucceeded {
		t.Fatalf("state = %s, err = %v", res.State, res.Error)
	}
	if len(res.Steps) != 3 {
		t.Fatalf("steps = %d, want 3", len(res.Steps))
	}
	prompts := model.prompts()
	if !strings.Contains(prompts[1], runctx.Preview(long, runctx.OutputPreviewRunes)) || strings.Contains(prompts[1], long) {
		t.Errorf("B should see A's preview only:\n%s", prompts[1])
	}
	c := res.Steps[2].UserPrompt
	if !strings.Contains(c, "C: "+long+" and B sees bullish structure") {
		t.Errorf("merge step should see full outputs:\n%s", c)
	}
	if !strings.HasPrefix(c, "=== Context from A ===\n"+long+"\n\n") {
		t.Errorf("include block should precede the template:\n%.200s", c)
	}
}

func TestRun_LaterStepOutputNotAvailable(t *testing.T) {
	model := &scriptedModel{}
	res := newEngine(RunConfig{
		Instrument: "ETH/USDT", Timeframe: "H4",
		Pipeline: &schema.Pipeline{Steps: []schema.Step{
			{Name: "early", Order: intPtr(1), Model: "m", UserPromptTemplate: "peek at {late_output}"},
			{Name: "late", Order: intPtr(2), Model: "m", UserPromptTemplate: "x"},
		}},
		Model: model, Market: market(),
	}).Run(context.Background())
	if res.State != store.StateSucceeded {
		t.Fatalf("state = %s, err = %v", res.State, res.Error)
	}
	if got := model.prompts()[0]; got != "peek at [late output not available]" {
		t.Errorf("prompt = %q", got)
	}
}

func TestRun_ModelFailureHalts(t *testing.T) {
	st := store.NewMemStore()
	health := llm.NewHealth(time.Hour)
	model := &scriptedModel{reply: func(req llm.Request) (*llm.Response, error) {
		if strings.HasPrefix(req.UserPrompt, "two") {
			return nil, &llm.ProviderError{Provider: "openai", Model: req.Model, Status: 429,
				Kind: llm.KindRateLimited, Body: "Rate limit exceeded"}
		}
		return &llm.Response{Text: "ok", PromptTokens: 3, CompletionTokens: 2}, nil
	}}
	res := newEngine(RunConfig{
		RunID: "r-429", Instrument: "BTC/USDT", Timeframe: "H1",
		Pipeline: &schema.Pipeline{Steps: []schema.Step{
			{Name: "one", Model: "gpt", UserPromptTemplate: "one"},
			{Name: "two", Model: "gpt", UserPromptTemplate: "two"},
			{Name: "three", Model: "gpt", UserPromptTemplate: "three"},
		}},
		Model: model, Market: market(), Store: st, Health: health,
	}).Run(context.Background())

	if res.State != store.StateModelFailure {
		t.Fatalf("state = %s, want MODEL_FAILURE", res.State)
	}
	if !errors.Is(res.Error, llm.ErrRateLimited) {
		t.Errorf("error = %v, want ErrRateLimited", res.Error)
	}
	if diff := cmp.Diff([]string{"one", "two", FailureSummaryStep}, names(res.Steps)); diff != "" {
		t.Errorf("records (-want +got):\n%s", diff)
	}
	if len(model.requests) != 2 {
		t.Errorf("model calls = %d; step three must not run", len(model.requests))
	}
	if two := res.Steps[1]; two.Status != runctx.StatusError || two.ErrorDetail == "" || two.ErrorMessage == "" {
		t.Errorf("error record = %+v", two)
	}
	if !health.IsFailing("gpt") {
		t.Error("model should be flagged in the health registry")
	}
	if bad, _ := st.ModelFailing(context.Background(), "gpt", time.Now().Add(-time.Minute)); !bad {
		t.Error("model should be flagged in the store")
	}
	if res.TotalTokens != 5 {
		t.Errorf("TotalTokens = %d, want only the successful step", res.TotalTokens)
	}
	run, _ := st.GetRun(context.Background(), "r-429")
	if run.State != store.StateModelFailure {
		t.Errorf("persisted state = %s", run.State)
	}
}

func TestRun_UntypedProviderErrorClassifiedByText(t *testing.T) {
	model := &scriptedModel{reply: func(req llm.Request) (*llm.Response, error) {
		return nil, errors.New("upstream said: model not found: gpt-9")
	}}
	res := newEngine(RunConfig{
		Instrument: "BTC/USDT", Timeframe: "H1",
		Pipeline:   &schema.Pipeline{Steps: []schema.Step{{Name: "a", Model: "gpt-9", UserPromptTemplate: "x"}}},
		Model:      model, Market: market(),
	}).Run(context.Background())
	if res.State != store.StateModelFailure {
		t.Errorf("state = %s, want MODEL_FAILURE", res.State)
	}
}

func TestRun_TraceTagsFailureKinds(t *testing.T) {
	model := &scriptedModel{reply: func(req llm.Request) (*llm.Response, error) {
		if strings.HasPrefix(req.UserPrompt, "a") {
			return nil, errors.New("connection reset by peer")
		}
		return nil, &llm.ProviderError{Provider: "openai", Model: req.Model, Status: 404, Kind: llm.KindModelNotFound}
	}}
	var tr bytes.Buffer
	newEngine(RunConfig{
		Instrument: "BTC/USDT", Timeframe: "H1",
		Pipeline: &schema.Pipeline{Steps: []schema.Step{
			{Name: "a", Model: "m", UserPromptTemplate: "a"},
			{Name: "b", Model: "m", UserPromptTemplate: "b"},
		}},
		Model: model, Market: market(), Trace: trace.NewWriter(&tr, "kinds"),
	}).Run(context.Background())

	var kinds []string
	for _, line := range strings.Split(strings.TrimSpace(tr.String()), "\n") {
		var evt trace.Event
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			t.Fatal(err)
		}
		if evt.Type != trace.EventStepComplete {
			continue
		}
		if f, ok := evt.Data["failure"].(map[string]any); ok {
			kinds = append(kinds, fmt.Sprint(f["kind"]))
		}
	}
	if diff := cmp.Diff([]string{trace.FailureStep, trace.FailureModel}, kinds); diff != "" {
		t.Errorf("failure kinds (-want +got):\n%s", diff)
	}
}

func TestRun_OrdinaryStepErrorContinues(t *testing.T) {
	model := &scriptedModel{reply: func(req llm.Request) (*llm.Response, error) {
		if req.UserPrompt == "bad" {
			return nil, errors.New("connection reset by peer")
		}
		return &llm.Response{Text: "fine"}, nil
	}}
	res := newEngine(RunConfig{
		Instrument: "BTC/USDT", Timeframe: "H1",
		Pipeline: &schema.Pipeline{Steps: []schema.Step{
			{Name: "a", Model: "m", UserPromptTemplate: "bad"},
			{Name: "b", Model: "m", UserPromptTemplate: "after {a_output}"},
		}},
		Model: model, Market: market(),
	}).Run(context.Background())
	if res.State != store.StateSucceeded {
		t.Fatalf("state = %s, err = %v", res.State, res.Error)
	}
	if res.Steps[0].Status != runctx.StatusError || !strings.Contains(res.Steps[0].ErrorDetail, "connection reset") {
		t.Errorf("a = %+v", res.Steps[0])
	}
	if got := res.Steps[1].UserPrompt; got != "after [a output not available]" {
		t.Errorf("b prompt = %q", got)
	}
}

func TestRun_ConfigurationErrorIsFatal(t *testing.T) {
	model := &scriptedModel{}
	var tr bytes.Buffer
	res := newEngine(RunConfig{
		RunID: "cfg", Instrument: "BTC/USDT", Timeframe: "H1",
		Pipeline: &schema.Pipeline{Steps: []schema.Step{
			{Name: "a", Model: "m", UserPromptTemplate: "fine"},
			{Name: "b", Model: "m", UserPromptTemplate: "needs {mystery}"},
			{Name: "c", Model: "m", UserPromptTemplate: "never"},
		}},
		Model: model, Market: market(), Trace: trace.NewWriter(&tr, "cfg"),
	}).Run(context.Background())

	if res.State != store.StateFailed {
		t.Fatalf("state = %s, want FAILED", res.State)
	}
	var ce *schema.ConfigurationError
	if !errors.As(res.Error, &ce) || !strings.Contains(ce.Message, "{mystery}") {
		t.Errorf("error = %v", res.Error)
	}
	if len(model.requests) != 1 {
		t.Errorf("model calls = %d, want 1", len(model.requests))
	}
	if diff := cmp.Diff([]string{"a", "b"}, names(res.Steps)); diff != "" {
		t.Errorf("records (-want +got):\n%s", diff)
	}

	vr, err := trace.Verify(&tr)
	if err != nil {
		t.Fatal(err)
	}
	if !vr.Valid || vr.FinalState != "FAILED" {
		t.Errorf("trace verify = %+v", vr)
	}
}

func TestRun_EmptyPipelineFails(t *testing.T) {
	res := newEngine(RunConfig{Instrument: "BTC/USDT", Timeframe: "H1", Pipeline: &schema.Pipeline{},
		Model: &scriptedModel{}, Market: market()}).Run(context.Background())
	var ce *schema.ConfigurationError
	if res.State != store.StateFailed || !errors.As(res.Error, &ce) {
		t.Errorf("state = %s, err = %v", res.State, res.Error)
	}
}

func TestRun_MarketFetchFailure(t *testing.T) {
	model := &scriptedModel{}
	fetch := marketdata.FetcherFunc(func(ctx context.Context, instrument, timeframe string) (*marketdata.Snapshot, error) {
		return nil, errors.New("exchange unavailable")
	})
	res := newEngine(RunConfig{
		Instrument: "BTC/USDT", Timeframe: "H1",
		Pipeline:   &schema.Pipeline{Steps: []schema.Step{{Name: "a", Model: "m", UserPromptTemplate: "x"}}},
		Model:      model, Market: fetch,
	}).Run(context.Background())
	if res.State != store.StateFailed || !strings.Contains(res.Error.Error(), "exchange unavailable") {
		t.Errorf("state = %s, err = %v", res.State, res.Error)
	}
	if len(model.requests) != 0 {
		t.Error("no step may run without market data")
	}
}

func TestRun_DropQueryRejectedStepCompletes(t *testing.T) {
	ctx := context.Background()
	model := &scriptedModel{reply: func(req llm.Request) (*llm.Response, error) {
		if strings.Contains(req.SystemPrompt, "data tool") {
			return &llm.Response{Text: `{"query": "select 1; drop table trades"}`}, nil
		}
		return &llm.Response{Text: "done"}, nil
	}}
	reg := tools.NewManager()
	if err := reg.Register(schema.ToolDefinition{ID: "db_tool", Class: schema.ClassSQLQuery,
		Config: schema.ToolConfig{DSN: filepath.Join(t.TempDir(), "r.db")}}, "test"); err != nil {
		t.Fatal(err)
	}
	sqlExec := &tools.SQLExecutor{}
	defer sqlExec.Close()
	iv := &tools.Invoker{Registry: reg, Model: model,
		Executors: map[schema.ToolClass]tools.Executor{schema.ClassSQLQuery: sqlExec}}

	res := newEngine(RunConfig{
		Instrument: "BTC/USDT", Timeframe: "H1",
		Pipeline: &schema.Pipeline{Steps: []schema.Step{{
			Name: "d", Model: "m", UserPromptTemplate: "Trades: {db}",
			ToolReferences: []schema.ToolReference{{ToolID: "db_tool", VariableName: "db"}},
		}}},
		Model: model, Market: market(), Tools: iv,
	}).Run(ctx)

	if res.State != store.StateSucceeded {
		t.Fatalf("state = %s, err = %v", res.State, res.Error)
	}
	d := res.Steps[0]
	if d.Status != runctx.StatusSuccess {
		t.Errorf("step status = %s", d.Status)
	}
	if !strings.HasPrefix(d.UserPrompt, "Trades: [Tool db_tool failed: query rejected: DROP") {
		t.Errorf("prompt = %q", d.UserPrompt)
	}
}

func TestRun_WhenGuardSkips(t *testing.T) {
	model := &scriptedModel{}
	res := newEngine(RunConfig{
		Instrument: "BTC/USDT", Timeframe: "H1",
		Pipeline: &schema.Pipeline{Steps: []schema.Step{
			{Name: "a", Model: "m", UserPromptTemplate: "x"},
			{Name: "b", Model: "m", UserPromptTemplate: "y", When: `instrument == "ETH/USDT"`},
			{Name: "c", Model: "m", UserPromptTemplate: "z {b_output}", When: `status["a"] == "success" && current_price > 0`},
		}},
		Model: model, Market: market(),
	}).Run(context.Background())
	if res.State != store.StateSucceeded {
		t.Fatalf("state = %s, err = %v", res.State, res.Error)
	}
	if res.Steps[1].Status != runctx.StatusSkipped {
		t.Errorf("b status = %s, want skipped", res.Steps[1].Status)
	}
	if got := res.Steps[2].UserPrompt; got != "z [b output not available]" {
		t.Errorf("c prompt = %q", got)
	}
	if len(model.requests) != 2 {
		t.Errorf("model calls = %d, want 2", len(model.requests))
	}
}

func TestRun_FallbackSkipsFailingModel(t *testing.T) {
	health := llm.NewHealth(time.Hour)
	health.MarkFailing("primary", "429")
	model := &scriptedModel{}
	res := newEngine(RunConfig{
		Instrument: "BTC/USDT", Timeframe: "H1",
		Pipeline: &schema.Pipeline{Steps: []schema.Step{
			{Name: "a", Model: "primary", FallbackModels: []string{"backup"}, UserPromptTemplate: "x"},
			{Name: "b", Model: "primary", UserPromptTemplate: "y"},
		}},
		Model: model, Market: market(), Health: health,
	}).Run(context.Background())
	if res.State != store.StateSucceeded {
		t.Fatalf("state = %s, err = %v", res.State, res.Error)
	}
	got := []string{model.requests[0].Model, model.requests[1].Model}
	if diff := cmp.Diff([]string{"backup", "primary"}, got); diff != "" {
		t.Errorf("models (-want +got):\n%s", diff)
	}
}

func TestRun_ExpiredFlagRetriesPrimary(t *testing.T) {
	health := llm.NewHealth(time.Millisecond)
	st := store.NewMemStore()
	pipeline := &schema.Pipeline{Steps: []schema.Step{
		{Name: "a", Model: "primary", FallbackModels: []string{"backup"}, UserPromptTemplate: "x"},
	}}

	limited := &scriptedModel{reply: func(req llm.Request) (*llm.Response, error) {
		return nil, &llm.ProviderError{Provider: "openai", Model: req.Model, Status: 429, Kind: llm.KindRateLimited}
	}}
	first := newEngine(RunConfig{
		RunID: "r1", Instrument: "BTC/USDT", Timeframe: "H1",
		Pipeline: pipeline, Model: limited, Market: market(), Store: st, Health: health,
	}).Run(context.Background())
	if first.State != store.StateModelFailure {
		t.Fatalf("first run state = %s, want MODEL_FAILURE", first.State)
	}

	time.Sleep(20 * time.Millisecond)

	model := &scriptedModel{}
	second := newEngine(RunConfig{
		RunID: "r2", Instrument: "BTC/USDT", Timeframe: "H1",
		Pipeline: pipeline, Model: model, Market: market(), Store: st, Health: health,
	}).Run(context.Background())
	if second.State != store.StateSucceeded {
		t.Fatalf("second run state = %s, err = %v", second.State, second.Error)
	}
	if got := model.requests[0].Model; got != "primary" {
		t.Errorf("model = %q, want primary once its flag expired", got)
	}
}

func TestRun_FlaggedModelRecoversOnSuccess(t *testing.T) {
	health := llm.NewHealth(time.Hour)
	health.MarkFailing("only", "429")
	st := store.NewMemStore()
	ctx := context.Background()
	if err := st.FlagModelFailing(ctx, "only", "429"); err != nil {
		t.Fatal(err)
	}
	model := &scriptedModel{}
	res := newEngine(RunConfig{
		Instrument: "BTC/USDT", Timeframe: "H1",
		Pipeline:   &schema.Pipeline{Steps: []schema.Step{{Name: "a", Model: "only", UserPromptTemplate: "x"}}},
		Model:      model, Market: market(), Store: st, Health: health,
	}).Run(ctx)
	if res.State != store.StateSucceeded {
		t.Fatalf("state = %s, err = %v", res.State, res.Error)
	}
	if got := model.requests[0].Model; got != "only" {
		t.Errorf("model = %q, want the flagged primary when nothing else is available", got)
	}
	if health.IsFailing("only") {
		t.Error("health flag should be cleared after a successful call")
	}
	if bad, _ := st.ModelFailing(ctx, "only", time.Time{}); bad {
		t.Error("store flag should be cleared after a successful call")
	}
}

func TestRun_StoredFlagSkipsModelWithoutHealth(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	if err := st.FlagModelFailing(ctx, "primary", "404"); err != nil {
		t.Fatal(err)
	}
	model := &scriptedModel{}
	res := newEngine(RunConfig{
		Instrument: "BTC/USDT", Timeframe: "H1",
		Pipeline: &schema.Pipeline{Steps: []schema.Step{
			{Name: "a", Model: "primary", FallbackModels: []string{"backup"}, UserPromptTemplate: "x"},
		}},
		Model: model, Market: market(), Store: st,
	}).Run(ctx)
	if res.State != store.StateSucceeded {
		t.Fatalf("state = %s, err = %v", res.State, res.Error)
	}
	if got := model.requests[0].Model; got != "backup" {
		t.Errorf("model = %q, want backup while the stored flag is fresh", got)
	}
}

func TestRun_CancelledBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	model := &scriptedModel{reply: func(req llm.Request) (*llm.Response, error) {
		cancel()
		return &llm.Response{Text: "ok"}, nil
	}}
	st := store.NewMemStore()
	res := newEngine(RunConfig{
		RunID: "c1", Instrument: "BTC/USDT", Timeframe: "H1",
		Pipeline: &schema.Pipeline{Steps: []schema.Step{
			{Name: "a", Model: "m", UserPromptTemplate: "x"},
			{Name: "b", Model: "m", UserPromptTemplate: "y"},
		}},
		Model: model, Market: market(), Store: st,
	}).Run(ctx)
	if res.State != store.StateFailed || !errors.Is(res.Error, context.Canceled) {
		t.Errorf("state = %s, err = %v", res.State, res.Error)
	}
	if len(res.Steps) != 1 {
		t.Errorf("steps = %d, want 1", len(res.Steps))
	}
	if run, _ := st.GetRun(context.Background(), "c1"); run.State != store.StateFailed {
		t.Errorf("persisted state = %s", run.State)
	}
}

func TestRun_CostEstimatedWhenProviderReportsNone(t *testing.T) {
	model := &scriptedModel{reply: func(req llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: "x", Model: "openai/gpt-4o", PromptTokens: 1_000_000}, nil
	}}
	res := newEngine(RunConfig{
		Instrument: "BTC/USDT", Timeframe: "H1",
		Pipeline:   &schema.Pipeline{Steps: []schema.Step{{Name: "a", Model: "openai/gpt-4o", UserPromptTemplate: "x"}}},
		Model:      model, Market: market(),
	}).Run(context.Background())
	want := llm.EstimateCost("openai/gpt-4o", 1_000_000, 0)
	if want == 0 || res.TotalCost != want {
		t.Errorf("TotalCost = %v, want %v", res.TotalCost, want)
	}
}

func TestRun_ConcurrentRunsShareHealth(t *testing.T) {
	health := llm.NewHealth(time.Hour)
	st := store.NewMemStore()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			newEngine(RunConfig{
				RunID: fmt.Sprintf("run-%d", i), Instrument: "BTC/USDT", Timeframe: "H1",
				Pipeline: &schema.Pipeline{Steps: []schema.Step{{Name: "a", Model: "m", UserPromptTemplate: "x"}}},
				Model:    llm.NewMockClient(), Market: market(), Store: st, Health: health,
			}).Run(context.Background())
		}(i)
	}
	wg.Wait()
	runs, _ := st.ListRuns(context.Background(), 0)
	if len(runs) != 8 {
		t.Errorf("runs = %d, want 8", len(runs))
	}
	for _, r := range runs {
		if r.State != store.StateSucceeded {
			t.Errorf("run %s = %s", r.ID, r.State)
		}
	}
}
