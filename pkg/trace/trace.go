// Package trace implements the append-only JSONL audit trail of a run. Each
// event carries the SHA-256 of the previous line so tampering is detectable.
package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// EventType enumerates the trace event types.
type EventType string

const (
	EventRunStart      EventType = "run_start"
	EventRunComplete   EventType = "run_complete"
	EventStateChange   EventType = "state_change"
	EventStepStart     EventType = "step_start"
	EventStepComplete  EventType = "step_complete"
	EventStepSkipped   EventType = "step_skipped"
	EventToolResolved  EventType = "tool_resolved"
	EventModelSelected EventType = "model_selected"
	EventModelFailure  EventType = "model_failure"
)

// StepStatus is the execution status of a step.
type StepStatus string

const (
	StatusSuccess StepStatus = "success"
	StatusSkipped StepStatus = "skipped"
	StatusError   StepStatus = "error"
)

// genesis is the prev_hash of the first event in a file.
var genesis = strings.Repeat("0", 64)

// Event is a single trace event written to the JSONL stream.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	PrevHash  string         `json:"prev_hash"`
	Data      map[string]any `json:"data,omitempty"`
}

// Failure kinds.
const (
	FailureStep  = "step"
	FailureModel = "model_failure"
	FailureTool  = "tool"
)

// Failure describes why a step or tool errored.
type Failure struct {
	Kind    string `json:"kind"` // FailureStep, FailureModel or FailureTool
	Message string `json:"message"`
}

// Writer writes trace events to an append-only JSONL stream. A nil *Writer
// discards everything, so callers need not guard each Emit.
type Writer struct {
	mu         sync.Mutex
	w          io.Writer
	closer     io.Closer
	runID      string
	prevHash   string
	secretVars []string // env var names whose values should be redacted
}

// NewWriter creates a trace writer that writes to the given io.Writer.
func NewWriter(w io.Writer, runID string) *Writer {
	return &Writer{w: w, runID: runID, prevHash: genesis}
}

// NewFileWriter creates a trace writer on a new JSONL file.
func NewFileWriter(path, runID string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	tw := NewWriter(f, runID)
	tw.closer = f
	return tw, nil
}

// Close closes the underlying file, if the writer owns one.
func (tw *Writer) Close() error {
	if tw == nil || tw.closer == nil {
		return nil
	}
	return tw.closer.Close()
}

// SetSecrets configures the writer to redact values of the given env vars.
func (tw *Writer) SetSecrets(envVars []string) {
	if tw == nil {
		return
	}
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.secretVars = envVars
}

// RedactSecrets replaces secret values in a string with "<REDACTED>".
func (tw *Writer) RedactSecrets(s string) string {
	for _, envVar := range tw.secretVars {
		if val := os.Getenv(envVar); val != "" {
			s = strings.ReplaceAll(s, val, "<REDACTED>")
		}
	}
	return s
}

// Emit writes a single trace event.
func (tw *Writer) Emit(eventType EventType, data map[string]any) error {
	if tw == nil {
		return nil
	}
	tw.mu.Lock()
	defer tw.mu.Unlock()

	evt := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		RunID:     tw.runID,
		PrevHash:  tw.prevHash,
		Data:      data,
	}
	line, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal trace event: %w", err)
	}
	if len(tw.secretVars) > 0 {
		line = []byte(tw.RedactSecrets(string(line)))
	}
	sum := sha256.Sum256(line)
	tw.prevHash = hex.EncodeToString(sum[:])
	_, err = tw.w.Write(append(line, '\n'))
	return err
}

// EmitRunStart emits a run_start event.
func (tw *Writer) EmitRunStart(pipeline, instrument, timeframe string, steps []string) error {
	return tw.Emit(EventRunStart, map[string]any{
		"pipeline":   pipeline,
		"instrument": instrument,
		"timeframe":  timeframe,
		"steps":      steps,
	})
}

// EmitStateChange records a run state transition.
func (tw *Writer) EmitStateChange(from, to string) error {
	return tw.Emit(EventStateChange, map[string]any{"from": from, "to": to})
}

// EmitStepStart emits a step_start event.
func (tw *Writer) EmitStepStart(step, behavior string) error {
	return tw.Emit(EventStepStart, map[string]any{
		"step":     step,
		"behavior": behavior,
	})
}

// EmitStepComplete emits a step_complete event.
func (tw *Writer) EmitStepComplete(step string, status StepStatus, outputs map[string]any, duration time.Duration, failure *Failure) error {
	data := map[string]any{
		"step":     step,
		"status":   string(status),
		"duration": duration.String(),
	}
	if outputs != nil {
		data["outputs"] = outputs
	}
	if failure != nil {
		data["failure"] = map[string]any{
			"kind":    failure.Kind,
			"message": failure.Message,
		}
	}
	return tw.Emit(EventStepComplete, data)
}

// EmitStepSkipped records a step whose when guard was false.
func (tw *Writer) EmitStepSkipped(step, condition string) error {
	return tw.Emit(EventStepSkipped, map[string]any{"step": step, "when": condition})
}

// EmitToolResolved records one tool placeholder resolution.
func (tw *Writer) EmitToolResolved(toolID string, cached bool, params map[string]any, failure *Failure) error {
	data := map[string]any{"tool_id": toolID, "cached": cached}
	if params != nil {
		data["params"] = params
	}
	if failure != nil {
		data["failure"] = map[string]any{"kind": failure.Kind, "message": failure.Message}
	}
	return tw.Emit(EventToolResolved, data)
}

// EmitModelSelected records which model served a step and what was skipped.
func (tw *Writer) EmitModelSelected(step, model string, skipped []string) error {
	data := map[string]any{"step": step, "model": model}
	if len(skipped) > 0 {
		data["skipped_failing"] = skipped
	}
	return tw.Emit(EventModelSelected, data)
}

// EmitModelFailure records a model flagged as failing.
func (tw *Writer) EmitModelFailure(step, model, kind, message string) error {
	return tw.Emit(EventModelFailure, map[string]any{
		"step":    step,
		"model":   model,
		"kind":    kind,
		"message": message,
	})
}

// EmitRunComplete emits a run_complete event with the final chain hash.
func (tw *Writer) EmitRunComplete(state string, tokens int, cost float64, duration time.Duration) error {
	if tw == nil {
		return nil
	}
	tw.mu.Lock()
	chain := tw.prevHash
	tw.mu.Unlock()
	return tw.Emit(EventRunComplete, map[string]any{
		"state":      state,
		"tokens":     tokens,
		"cost":       cost,
		"duration":   duration.String(),
		"chain_hash": chain,
	})
}
