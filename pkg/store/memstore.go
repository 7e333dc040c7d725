package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/colaisr/research-flow-sub000/pkg/runctx"
)

// MemStore is an in-memory Store for tests and dry runs.
type MemStore struct {
	mu      sync.Mutex
	runs    map[string]*Run
	results map[string][]runctx.StepResult
	failing map[string]time.Time
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		runs:    make(map[string]*Run),
		results: make(map[string][]runctx.StepResult),
		failing: make(map[string]time.Time),
	}
}

func (m *MemStore) CreateRun(ctx context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("%w: %s", ErrRunExists, run.ID)
	}
	cp := *run
	if cp.State == "" {
		cp.State = StateQueued
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemStore) SetRunState(ctx context.Context, runID string, state RunState, totals Totals) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if !CanTransition(r.State, state) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.State, state)
	}
	at := totals.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	r.State = state
	if state == StateRunning {
		r.StartedAt = &at
	}
	if state.Terminal() {
		r.CompletedAt = &at
		r.TotalTokens = totals.Tokens
		r.TotalCost = totals.Cost
		r.Error = totals.Error
	}
	return nil
}

func (m *MemStore) AppendStepResult(ctx context.Context, runID string, res runctx.StepResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	m.results[runID] = append(m.results[runID], res)
	return nil
}

func (m *MemStore) FlagModelFailing(ctx context.Context, model, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing[model] = time.Now()
	return nil
}

func (m *MemStore) ModelFailing(ctx context.Context, model string, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.failing[model]
	return ok && !at.Before(since), nil
}

func (m *MemStore) ClearModelFailing(ctx context.Context, model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failing, model)
	return nil
}

func (m *MemStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	cp := *r
	return &cp, nil
}

func (m *MemStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) StepResults(ctx context.Context, runID string) ([]runctx.StepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	out := make([]runctx.StepResult, len(m.results[runID]))
	copy(out, m.results[runID])
	return out, nil
}

func (m *MemStore) Close() error { return nil }
