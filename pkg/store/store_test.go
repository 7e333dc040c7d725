package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/colaisr/research-flow-sub000/pkg/runctx"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sql, err := Open(filepath.Join(t.TempDir(), "sub", "runs.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { sql.Close() })
	return map[string]Store{"mem": NewMemStore(), "sqlite": sql}
}

func TestStore_RunLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.CreateRun(ctx, &Run{ID: "r1", Pipeline: "daily", Instrument: "BTC/USDT", Timeframe: "H1"}); err != nil {
				t.Fatal(err)
			}
			if err := s.CreateRun(ctx, &Run{ID: "r1", Instrument: "X", Timeframe: "H1"}); !errors.Is(err, ErrRunExists) {
				t.Errorf("duplicate create = %v, want ErrRunExists", err)
			}

			r, err := s.GetRun(ctx, "r1")
			if err != nil {
				t.Fatal(err)
			}
			if r.State != StateQueued {
				t.Errorf("state = %s, want QUEUED", r.State)
			}

			if err := s.SetRunState(ctx, "r1", StateRunning, Totals{}); err != nil {
				t.Fatal(err)
			}
			if err := s.AppendStepResult(ctx, "r1", runctx.StepResult{
				StepName: "wyckoff", UserPrompt: "p", Output: "o", Model: "m",
				PromptTokens: 10, CompletionTokens: 5, Cost: 0.01, Status: runctx.StatusSuccess,
				Duration: 1500 * time.Millisecond,
			}); err != nil {
				t.Fatal(err)
			}
			if err := s.AppendStepResult(ctx, "r1", runctx.StepResult{
				StepName: "merge", Status: runctx.StatusError, ErrorMessage: "short", ErrorDetail: "raw detail",
			}); err != nil {
				t.Fatal(err)
			}
			if err := s.SetRunState(ctx, "r1", StateSucceeded, Totals{Tokens: 15, Cost: 0.01}); err != nil {
				t.Fatal(err)
			}

			r, _ = s.GetRun(ctx, "r1")
			if r.State != StateSucceeded || r.TotalTokens != 15 || r.CompletedAt == nil || r.StartedAt == nil {
				t.Errorf("run = %+v", r)
			}

			results, err := s.StepResults(ctx, "r1")
			if err != nil {
				t.Fatal(err)
			}
			if len(results) != 2 {
				t.Fatalf("results = %d, want 2", len(results))
			}
			if results[0].StepName != "wyckoff" || results[0].Tokens() != 15 || results[0].Duration != 1500*time.Millisecond {
				t.Errorf("first result = %+v", results[0])
			}
			if results[1].ErrorDetail != "raw detail" || results[1].Status != runctx.StatusError {
				t.Errorf("second result = %+v", results[1])
			}
		})
	}
}

func TestStore_TerminalStatesAreFinal(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s.CreateRun(ctx, &Run{ID: "r2", Instrument: "ETH/USDT", Timeframe: "H4"})
			s.SetRunState(ctx, "r2", StateRunning, Totals{})
			if err := s.SetRunState(ctx, "r2", StateModelFailure, Totals{Error: "rate limited"}); err != nil {
				t.Fatal(err)
			}
			for _, next := range []RunState{StateSucceeded, StateFailed, StateRunning} {
				if err := s.SetRunState(ctx, "r2", next, Totals{}); !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("MODEL_FAILURE -> %s = %v, want ErrInvalidTransition", next, err)
				}
			}
			r, _ := s.GetRun(ctx, "r2")
			if r.State != StateModelFailure || r.Error != "rate limited" {
				t.Errorf("run = %+v", r)
			}
		})
	}
}

func TestStore_NotFound(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.GetRun(ctx, "nope"); !errors.Is(err, ErrRunNotFound) {
				t.Errorf("GetRun = %v", err)
			}
			if err := s.SetRunState(ctx, "nope", StateRunning, Totals{}); !errors.Is(err, ErrRunNotFound) {
				t.Errorf("SetRunState = %v", err)
			}
			if _, err := s.StepResults(ctx, "nope"); !errors.Is(err, ErrRunNotFound) {
				t.Errorf("StepResults = %v", err)
			}
		})
	}
}

func TestStore_ModelFlags(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			hourAgo := time.Now().Add(-time.Hour)
			if bad, _ := s.ModelFailing(ctx, "m1", hourAgo); bad {
				t.Error("m1 not yet flagged")
			}
			s.FlagModelFailing(ctx, "m1", "429")
			s.FlagModelFailing(ctx, "m1", "429 again")
			if bad, err := s.ModelFailing(ctx, "m1", hourAgo); err != nil || !bad {
				t.Errorf("ModelFailing(since an hour ago) = %v, %v, want true", bad, err)
			}
			if bad, err := s.ModelFailing(ctx, "m1", time.Now().Add(time.Minute)); err != nil || bad {
				t.Errorf("ModelFailing(since a minute ahead) = %v, %v, want expired flag ignored", bad, err)
			}
			if err := s.ClearModelFailing(ctx, "m1"); err != nil {
				t.Fatalf("ClearModelFailing: %v", err)
			}
			if bad, _ := s.ModelFailing(ctx, "m1", hourAgo); bad {
				t.Error("m1 still flagged after clear")
			}
			if err := s.ClearModelFailing(ctx, "never-flagged"); err != nil {
				t.Errorf("ClearModelFailing(unknown) = %v", err)
			}
		})
	}
}

func TestStore_ListRuns(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i, id := range []string{"a", "b", "c"} {
				s.CreateRun(ctx, &Run{ID: id, Instrument: "X", Timeframe: "H1", CreatedAt: base.Add(time.Duration(i) * time.Minute)})
			}
			runs, err := s.ListRuns(ctx, 2)
			if err != nil {
				t.Fatal(err)
			}
			if len(runs) != 2 || runs[0].ID != "c" || runs[1].ID != "b" {
				t.Errorf("runs = %v", runIDs(runs))
			}
		})
	}
}

func runIDs(runs []*Run) []string {
	var out []string
	for _, r := range runs {
		out = append(out, r.ID)
	}
	return out
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to RunState
		want     bool
	}{
		{StateQueued, StateRunning, true},
		{StateQueued, StateFailed, true},
		{StateRunning, StateSucceeded, true},
		{StateRunning, StateQueued, false},
		{StateSucceeded, StateFailed, false},
		{StateFailed, StateRunning, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
