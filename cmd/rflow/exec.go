package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/colaisr/research-flow-sub000/pkg/engine"
	"github.com/colaisr/research-flow-sub000/pkg/metrics"
	"github.com/colaisr/research-flow-sub000/pkg/report"
	"github.com/colaisr/research-flow-sub000/pkg/schema"
	"github.com/colaisr/research-flow-sub000/pkg/store"
	"github.com/colaisr/research-flow-sub000/pkg/validate"
	"github.com/colaisr/research-flow-sub000/pkg/wiring"
)

var (
	execInstruments []string
	execTimeframe   string
	execConcurrency int
	execOutputs     bool
	execRender      bool
	execJSON        bool
	execMemStore    bool
	execMetricsAddr string
)

var execCmd = &cobra.Command{
	Use:   "exec [pipeline.yaml]",
	Short: "Run a pipeline for one or more instruments",
	Long: `Run a pipeline for each --instrument on --timeframe. Instruments run
concurrently (bounded by --concurrency); steps within a run are sequential.`,
	Args: cobra.ExactArgs(1),
	RunE: runExec,
}

func runExec(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	opts, err := validateOptions()
	if err != nil {
		return err
	}
	p, errs := validate.ValidateFile(args[0], opts)
	if err := printFindings(os.Stderr, errs); err != nil {
		return err
	}

	rt, err := loadRuntime(ctx, wiring.Options{MemStore: execMemStore})
	if err != nil {
		return err
	}
	defer rt.Close()

	addr := execMetricsAddr
	if addr == "" {
		addr = rt.Config.MetricsAddr
	}
	if addr != "" {
		stop := serveMetrics(addr, rt.Metrics)
		defer stop()
	}

	results, err := runBatch(ctx, rt, p, execInstruments, execTimeframe, execConcurrency)
	if err != nil {
		return err
	}

	if execJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(jsonResults(results)); err != nil {
			return err
		}
	} else {
		for i, r := range results {
			if i > 0 {
				fmt.Println()
			}
			report.WriteRun(os.Stdout, summary(r), report.Options{Outputs: execOutputs || execRender, Markdown: execRender})
			if r.tracePath != "" {
				fmt.Printf("  trace: %s\n", r.tracePath)
			}
		}
	}

	failed := 0
	for _, r := range results {
		if r.res.State != store.StateSucceeded {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d run(s) did not succeed", failed, len(results))
	}
	return nil
}

type batchResult struct {
	instrument string
	timeframe  string
	tracePath  string
	res        *engine.RunResult
}

// runBatch runs p once per instrument, at most limit at a time. Results keep
// the order of instruments.
func runBatch(ctx context.Context, rt *wiring.Runtime, p *schema.Pipeline, instruments []string, timeframe string, limit int) ([]batchResult, error) {
	if len(instruments) == 0 {
		return nil, errors.New("at least one --instrument is required")
	}
	results := make([]batchResult, len(instruments))

	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, inst := range instruments {
		g.Go(func() error {
			run, err := rt.NewRun(gctx, p, inst, timeframe)
			if err != nil {
				return fmt.Errorf("%s: %w", inst, err)
			}
			defer run.Close()
			res := run.Run(gctx)

			results[i] = batchResult{instrument: inst, timeframe: timeframe, tracePath: run.TracePath, res: res}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func summary(r batchResult) report.Summary {
	s := report.Summary{
		RunID:       r.res.RunID,
		Instrument:  r.instrument,
		Timeframe:   r.timeframe,
		State:       r.res.State,
		TotalTokens: r.res.TotalTokens,
		TotalCost:   r.res.TotalCost,
		Duration:    r.res.Duration,
		Steps:       r.res.Steps,
	}
	if r.res.Error != nil {
		s.Error = r.res.Error.Error()
	}
	return s
}

func jsonResults(results []batchResult) []map[string]any {
	out := make([]map[string]any, 0, len(results))
	for _, r := range results {
		entry := map[string]any{
			"run_id":       r.res.RunID,
			"instrument":   r.instrument,
			"timeframe":    r.timeframe,
			"state":        r.res.State,
			"total_tokens": r.res.TotalTokens,
			"total_cost":   r.res.TotalCost,
			"duration":     r.res.Duration.String(),
			"steps":        r.res.Steps,
		}
		if r.res.Error != nil {
			entry["error"] = r.res.Error.Error()
		}
		if r.tracePath != "" {
			entry["trace"] = r.tracePath
		}
		out = append(out, entry)
	}
	return out
}

// serveMetrics exposes /metrics until the returned stop function is called.
func serveMetrics(addr string, m *metrics.Metrics) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func init() {
	f := execCmd.Flags()
	f.StringSliceVarP(&execInstruments, "instrument", "i", nil, "Instrument, repeatable or comma-separated (e.g. BTC/USDT,ETH/USDT)")
	f.StringVarP(&execTimeframe, "timeframe", "t", "H1", "Timeframe: M1, M5, M15, M30, H1, H4 or D1")
	f.IntVar(&execConcurrency, "concurrency", 4, "Maximum runs executing at once")
	f.BoolVar(&execOutputs, "outputs", false, "Print each step's output")
	f.BoolVar(&execRender, "render", false, "Render step outputs as markdown (implies --outputs)")
	f.BoolVar(&execJSON, "json", false, "Print results as JSON")
	f.BoolVar(&execMemStore, "mem", false, "Keep runs in memory instead of the configured store")
	f.StringVar(&execMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	_ = execCmd.MarkFlagRequired("instrument")
	rootCmd.AddCommand(execCmd)
}
