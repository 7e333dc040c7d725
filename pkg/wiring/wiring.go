// Package wiring assembles the runtime collaborators from configuration:
// model client, market data connector, run store, tool registry and invoker,
// knowledge store, model health registry and metrics.
package wiring

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/colaisr/research-flow-sub000/pkg/config"
	"github.com/colaisr/research-flow-sub000/pkg/engine"
	"github.com/colaisr/research-flow-sub000/pkg/knowledge"
	"github.com/colaisr/research-flow-sub000/pkg/llm"
	"github.com/colaisr/research-flow-sub000/pkg/marketdata"
	"github.com/colaisr/research-flow-sub000/pkg/metrics"
	"github.com/colaisr/research-flow-sub000/pkg/schema"
	"github.com/colaisr/research-flow-sub000/pkg/store"
	"github.com/colaisr/research-flow-sub000/pkg/tools"
	"github.com/colaisr/research-flow-sub000/pkg/trace"
)

// Options override parts of the configuration for one process.
type Options struct {
	Provider  string // overrides provider.kind
	Market    string // overrides market_data.source
	MemStore  bool   // keep runs in memory regardless of store.path
	ToolsFile string // overrides tools_file
}

// Runtime holds the process-scoped collaborators shared by every run.
type Runtime struct {
	Config    *config.Config
	Logger    *slog.Logger
	Model     llm.Client
	Embedder  llm.Embedder
	Market    marketdata.Fetcher
	Store     store.Store
	Tools     *tools.Manager
	Invoker   *tools.Invoker
	Knowledge *knowledge.SQLStore
	Health    *llm.Health
	Metrics   *metrics.Metrics

	closers []io.Closer
}

// Build wires a runtime. Call Close when done.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Provider != "" {
		cfg.Provider.Kind = opts.Provider
	}
	if opts.Market != "" {
		cfg.MarketData.Source = opts.Market
	}
	if opts.ToolsFile != "" {
		cfg.ToolsFile = opts.ToolsFile
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rt := &Runtime{
		Config:  cfg,
		Logger:  logger,
		Health:  llm.NewHealth(config.Duration(cfg.ModelHealthTTL, llm.DefaultHealthTTL)),
		Metrics: metrics.New(),
	}
	if err := rt.buildModel(ctx); err != nil {
		return nil, err
	}
	rt.buildMarket()

	if opts.MemStore || cfg.Store.Path == "" {
		rt.Store = store.NewMemStore()
	} else {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.Store = st
	}
	rt.closers = append(rt.closers, rt.Store)

	if err := rt.buildTools(); err != nil {
		rt.Close()
		return nil, err
	}
	logger.Debug("runtime ready", "provider", cfg.Provider.Kind, "market", cfg.MarketData.Source,
		"tools", len(rt.Tools.IDs()), "store", cfg.Store.Path)
	return rt, nil
}

func (rt *Runtime) buildModel(ctx context.Context) error {
	cfg := rt.Config
	switch cfg.Provider.Kind {
	case config.ProviderMock:
		m := llm.NewMockClient()
		rt.Model, rt.Embedder = m, m
	case config.ProviderGemini:
		g, err := llm.NewGeminiClient(ctx, cfg.APIKey(), cfg.Embedding.Model)
		if err != nil {
			return err
		}
		rt.Model, rt.Embedder = g, g
		rt.closers = append(rt.closers, g)
	default:
		c, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			Endpoint:       cfg.Provider.Endpoint,
			APIKey:         cfg.APIKey(),
			EmbeddingModel: cfg.Embedding.Model,
			Timeout:        config.Duration(cfg.Provider.APITimeout, 120*time.Second),
		})
		if err != nil {
			return fmt.Errorf("%w (set %s or use --provider mock)", err, cfg.Provider.APIKeyEnv)
		}
		rt.Model, rt.Embedder = c, c
	}
	return nil
}

func (rt *Runtime) buildMarket() {
	cfg := rt.Config.MarketData
	var f marketdata.Fetcher
	if cfg.Source == config.MarketSynthetic {
		f = marketdata.Synthetic{Count: cfg.Limit}
	} else {
		f = marketdata.NewBinance(cfg.Endpoint, cfg.Limit)
	}
	if ttl := config.Duration(cfg.CacheTTL, 0); ttl > 0 {
		f = marketdata.NewCache(f, ttl)
	}
	rt.Market = f
}

func (rt *Runtime) buildTools() error {
	cfg := rt.Config
	rt.Tools = tools.NewManager()
	if cfg.ToolsFile != "" {
		if err := rt.Tools.LoadFile(cfg.ToolsFile); err != nil {
			return err
		}
	}

	executors := map[schema.ToolClass]tools.Executor{
		schema.ClassMarketData: &tools.MarketExecutor{Default: rt.Market, Limit: cfg.MarketData.Limit},
		schema.ClassHTTP:       &tools.HTTPExecutor{},
	}
	sqlExec := &tools.SQLExecutor{}
	rt.closers = append(rt.closers, sqlExec)
	executors[schema.ClassSQLQuery] = sqlExec

	if cfg.Knowledge.Path != "" {
		ks, err := knowledge.Open(cfg.Knowledge.Path)
		if err != nil {
			return err
		}
		rt.Knowledge = ks
		rt.closers = append(rt.closers, ks)
		executors[schema.ClassKnowledge] = &tools.KnowledgeExecutor{Embedder: rt.Embedder, Bases: ks}
	}

	rt.Invoker = &tools.Invoker{
		Registry:  rt.Tools,
		Model:     rt.Model,
		Cache:     tools.NewExtractionCache(cfg.ExtractionCache.Size, config.Duration(cfg.ExtractionCache.TTL, tools.DefaultCacheTTL)),
		Executors: executors,
		Logger:    rt.Logger,
		Metrics:   rt.Metrics,
	}
	return nil
}

// Ingester returns a knowledge ingester over the runtime's store.
func (rt *Runtime) Ingester() (*knowledge.Ingester, error) {
	if rt.Knowledge == nil {
		return nil, errors.New("knowledge.path is not configured")
	}
	return &knowledge.Ingester{
		Store:     rt.Knowledge,
		Embedder:  rt.Embedder,
		ChunkSize: rt.Config.Knowledge.ChunkSize,
		Overlap:   rt.Config.Knowledge.Overlap,
		Logger:    rt.Logger,
	}, nil
}

// Run is a prepared run: an engine plus the trace file it writes to.
type Run struct {
	*engine.Engine
	TracePath string
	trace     *trace.Writer
}

// Close closes the trace file.
func (r *Run) Close() error { return r.trace.Close() }

// NewRun prepares one run of p. The run is queued in the store so it is
// visible before execution starts. When trace_dir is set each run writes
// <trace_dir>/<run id>.jsonl.
func (rt *Runtime) NewRun(ctx context.Context, p *schema.Pipeline, instrument, timeframe string) (*Run, error) {
	id := uuid.NewString()
	if err := rt.Store.CreateRun(ctx, &store.Run{
		ID: id, Pipeline: p.Name, Instrument: instrument, Timeframe: timeframe,
	}); err != nil {
		return nil, err
	}

	run := &Run{}
	if dir := rt.Config.TraceDir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create trace dir: %w", err)
		}
		run.TracePath = filepath.Join(dir, id+".jsonl")
		tw, err := trace.NewFileWriter(run.TracePath, id)
		if err != nil {
			return nil, err
		}
		tw.SetSecrets([]string{rt.Config.Provider.APIKeyEnv})
		run.trace = tw
	}

	// Each run traces its own tool calls; the cache and executors stay shared.
	iv := *rt.Invoker
	iv.Trace = run.trace
	run.Engine = engine.New(engine.RunConfig{
		RunID:      id,
		Instrument: instrument,
		Timeframe:  timeframe,
		Pipeline:   p,
		Model:      rt.Model,
		Market:     rt.Market,
		Store:      rt.Store,
		Tools:      &iv,
		Health:     rt.Health,
		Trace:      run.trace,
		Logger:     rt.Logger,
		Metrics:    rt.Metrics,
	})
	return run, nil
}

// Close releases every collaborator opened by Build.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
