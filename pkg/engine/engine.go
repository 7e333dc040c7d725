// Package engine drives one analysis run: it fetches the market snapshot,
// builds the step plan and executes the steps in order, persisting each
// result and the run's state transitions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/colaisr/research-flow-sub000/pkg/llm"
	"github.com/colaisr/research-flow-sub000/pkg/marketdata"
	"github.com/colaisr/research-flow-sub000/pkg/metrics"
	"github.com/colaisr/research-flow-sub000/pkg/plan"
	"github.com/colaisr/research-flow-sub000/pkg/render"
	"github.com/colaisr/research-flow-sub000/pkg/runctx"
	"github.com/colaisr/research-flow-sub000/pkg/schema"
	"github.com/colaisr/research-flow-sub000/pkg/store"
	"github.com/colaisr/research-flow-sub000/pkg/trace"
)

// FailureSummaryStep names the consolidated record written when a run ends
// in MODEL_FAILURE.
const FailureSummaryStep = "model_failure_summary"

// RunConfig configures a run.
type RunConfig struct {
	RunID      string // generated when empty
	Instrument string
	Timeframe  string
	Pipeline   *schema.Pipeline
	Behaviors  *plan.Registry // nil uses plan.DefaultRegistry
	Model      llm.Client
	Market     marketdata.Fetcher
	Store      store.Store         // nil keeps results in memory only
	Tools      render.ToolResolver // nil renders tool placeholders as failure notices
	Health     *llm.Health         // shared across runs; nil disables model skipping
	Trace      *trace.Writer
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// RunResult is the outcome of a run.
type RunResult struct {
	RunID       string
	State       store.RunState
	Steps       []runctx.StepResult
	TotalTokens int
	TotalCost   float64
	Duration    time.Duration
	Error       error
}

// Engine executes one run. It is not reusable.
type Engine struct {
	cfg      RunConfig
	logger   *slog.Logger
	store    store.Store
	renderer *render.Renderer

	state  store.RunState
	result *RunResult
	start  time.Time
}

// New creates an engine for cfg.
func New(cfg RunConfig) *Engine {
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if cfg.Behaviors == nil {
		cfg.Behaviors = plan.DefaultRegistry()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("run", cfg.RunID, "instrument", cfg.Instrument, "timeframe", cfg.Timeframe)
	st := cfg.Store
	if st == nil {
		st = store.NewMemStore()
	}
	return &Engine{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		renderer: &render.Renderer{Tools: cfg.Tools, Logger: logger},
		state:    store.StateQueued,
		result:   &RunResult{RunID: cfg.RunID},
	}
}

// RunID returns the id of the run.
func (e *Engine) RunID() string { return e.cfg.RunID }

// Run executes the pipeline. The returned result always carries a terminal
// state; Error is set for FAILED and MODEL_FAILURE runs.
func (e *Engine) Run(ctx context.Context) *RunResult {
	e.start = time.Now()
	cfg := e.cfg

	name := ""
	var stepNames []string
	if cfg.Pipeline != nil {
		name = cfg.Pipeline.Name
		for _, s := range cfg.Pipeline.Steps {
			if s.Name != "" {
				stepNames = append(stepNames, s.Name)
			}
		}
	}
	e.cfg.Trace.EmitRunStart(name, cfg.Instrument, cfg.Timeframe, stepNames)

	// The caller normally queues the run; create it when it has not.
	err := e.store.CreateRun(ctx, &store.Run{
		ID: cfg.RunID, Pipeline: name, Instrument: cfg.Instrument, Timeframe: cfg.Timeframe,
	})
	if err != nil && !errors.Is(err, store.ErrRunExists) {
		return e.finish(ctx, store.StateFailed, fmt.Errorf("create run: %w", err))
	}
	if err := e.transition(ctx, store.StateRunning, store.Totals{}); err != nil {
		return e.finish(ctx, store.StateFailed, err)
	}
	e.logger.Info("run started", "pipeline", name)

	if cfg.Market == nil {
		return e.finish(ctx, store.StateFailed, errors.New("no market data connector configured"))
	}
	snap, err := cfg.Market.Fetch(ctx, cfg.Instrument, cfg.Timeframe)
	if err != nil {
		return e.finish(ctx, store.StateFailed, fmt.Errorf("fetch market data: %w", err))
	}

	p, err := plan.Build(cfg.Pipeline, cfg.Behaviors, e.logger)
	if err != nil {
		return e.finish(ctx, store.StateFailed, err)
	}

	rc := runctx.New(cfg.Instrument, cfg.Timeframe, snap, e.logger)
	for _, step := range p.Steps {
		if err := ctx.Err(); err != nil {
			return e.finish(ctx, store.StateFailed, fmt.Errorf("run cancelled before step %q: %w", step.Name, err))
		}
		outcome := e.executeStep(ctx, p, step, rc)
		if outcome.err == nil {
			continue
		}
		if outcome.modelFailure {
			return e.finish(ctx, store.StateModelFailure, outcome.err)
		}
		return e.finish(ctx, store.StateFailed, outcome.err)
	}
	return e.finish(ctx, store.StateSucceeded, nil)
}

// transition persists a state change and traces it.
func (e *Engine) transition(ctx context.Context, to store.RunState, totals store.Totals) error {
	if err := e.store.SetRunState(ctx, e.cfg.RunID, to, totals); err != nil {
		return fmt.Errorf("set run state %s: %w", to, err)
	}
	e.cfg.Trace.EmitStateChange(string(e.state), string(to))
	e.state = to
	return nil
}

// finish moves the run to its terminal state.
func (e *Engine) finish(ctx context.Context, state store.RunState, runErr error) *RunResult {
	r := e.result
	r.State = state
	r.Error = runErr
	r.Duration = time.Since(e.start)

	totals := store.Totals{Tokens: r.TotalTokens, Cost: r.TotalCost}
	if runErr != nil {
		totals.Error = runErr.Error()
	}
	// Persist the terminal state even when the run context was cancelled.
	if err := e.transition(context.WithoutCancel(ctx), state, totals); err != nil {
		e.logger.Error("persist terminal state", "state", state, "error", err)
	}

	e.cfg.Trace.EmitRunComplete(string(state), r.TotalTokens, r.TotalCost, r.Duration)
	e.cfg.Metrics.RunFinished(string(state))
	if runErr != nil {
		e.logger.Warn("run finished", "state", state, "error", runErr, "duration", r.Duration)
	} else {
		e.logger.Info("run finished", "state", state, "tokens", r.TotalTokens, "cost", r.TotalCost, "duration", r.Duration)
	}
	return r
}

// record persists a step result and publishes it into the context.
func (e *Engine) record(ctx context.Context, rc *runctx.Context, res runctx.StepResult) {
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}
	if err := e.store.AppendStepResult(context.WithoutCancel(ctx), e.cfg.RunID, res); err != nil {
		e.logger.Error("persist step result", "step", res.StepName, "error", err)
	}
	e.result.Steps = append(e.result.Steps, res)
	if res.Status == runctx.StatusSuccess {
		e.result.TotalTokens += res.Tokens()
		e.result.TotalCost += res.Cost
	}
	if rc != nil {
		rc.Set(res.StepName, res)
	}
}
