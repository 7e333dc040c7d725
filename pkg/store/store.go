// Package store persists runs, step results and model health flags.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/colaisr/research-flow-sub000/pkg/runctx"
)

// RunState is the lifecycle state of a run.
type RunState string

const (
	StateQueued       RunState = "QUEUED"
	StateRunning      RunState = "RUNNING"
	StateSucceeded    RunState = "SUCCEEDED"
	StateFailed       RunState = "FAILED"
	StateModelFailure RunState = "MODEL_FAILURE"
)

// Terminal reports whether no further transition is allowed.
func (s RunState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateModelFailure
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to RunState) bool {
	switch from {
	case StateQueued:
		return to == StateRunning || to.Terminal()
	case StateRunning:
		return to.Terminal()
	}
	return false
}

var (
	ErrRunNotFound       = errors.New("run not found")
	ErrRunExists         = errors.New("run already exists")
	ErrInvalidTransition = errors.New("invalid run state transition")
)

// Run is the persisted run record.
type Run struct {
	ID          string     `json:"id"`
	Pipeline    string     `json:"pipeline"`
	Instrument  string     `json:"instrument"`
	Timeframe   string     `json:"timeframe"`
	State       RunState   `json:"state"`
	TotalTokens int        `json:"total_tokens"`
	TotalCost   float64    `json:"total_cost"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Totals accompanies a state transition.
type Totals struct {
	Tokens int
	Cost   float64
	Error  string
	At     time.Time
}

// Store is the persistence collaborator of the execution driver.
type Store interface {
	CreateRun(ctx context.Context, run *Run) error
	SetRunState(ctx context.Context, runID string, state RunState, totals Totals) error
	AppendStepResult(ctx context.Context, runID string, r runctx.StepResult) error
	FlagModelFailing(ctx context.Context, model, reason string) error
	// ModelFailing reports whether model was flagged at or after since.
	ModelFailing(ctx context.Context, model string, since time.Time) (bool, error)
	ClearModelFailing(ctx context.Context, model string) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
	StepResults(ctx context.Context, runID string) ([]runctx.StepResult, error)
	Close() error
}
