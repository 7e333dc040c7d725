package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/colaisr/research-flow-sub000/pkg/runctx"

	_ "modernc.org/sqlite"
)

// SqlStore implements Store with SQLite.
type SqlStore struct {
	db *sql.DB
}

// Open opens or creates a SQLite DB at path and runs migrations. The parent
// directory is created if missing.
func Open(path string) (*SqlStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer; serialise through a single connection.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SqlStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SqlStore) migrate() error {
	if _, err := s.db.Exec(schemaV1); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	var v int
	err := s.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&v)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case v > schemaVersion:
		return fmt.Errorf("store schema version %d is newer than supported %d", v, schemaVersion)
	}
	return nil
}

// Close closes the database.
func (s *SqlStore) Close() error { return s.db.Close() }

func (s *SqlStore) CreateRun(ctx context.Context, run *Run) error {
	state := run.State
	if state == "" {
		state = StateQueued
	}
	created := run.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, pipeline, instrument, timeframe, state, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Pipeline, run.Instrument, run.Timeframe, string(state), formatTime(created))
	if err != nil {
		if _, getErr := s.GetRun(ctx, run.ID); getErr == nil {
			return fmt.Errorf("%w: %s", ErrRunExists, run.ID)
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *SqlStore) SetRunState(ctx context.Context, runID string, state RunState, totals Totals) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var cur string
	err = tx.QueryRowContext(ctx, "SELECT state FROM runs WHERE id = ?", runID).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return fmt.Errorf("read run state: %w", err)
	}
	if !CanTransition(RunState(cur), state) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, state)
	}

	at := totals.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	switch {
	case state == StateRunning:
		_, err = tx.ExecContext(ctx, "UPDATE runs SET state = ?, started_at = ? WHERE id = ?",
			string(state), formatTime(at), runID)
	case state.Terminal():
		_, err = tx.ExecContext(ctx,
			`UPDATE runs SET state = ?, completed_at = ?, total_tokens = ?, total_cost = ?, error = ? WHERE id = ?`,
			string(state), formatTime(at), totals.Tokens, totals.Cost, nullable(totals.Error), runID)
	default:
		_, err = tx.ExecContext(ctx, "UPDATE runs SET state = ? WHERE id = ?", string(state), runID)
	}
	if err != nil {
		return fmt.Errorf("update run state: %w", err)
	}
	return tx.Commit()
}

func (s *SqlStore) AppendStepResult(ctx context.Context, runID string, r runctx.StepResult) error {
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_results (run_id, step_name, system_prompt, user_prompt, output, model,
			prompt_tokens, completion_tokens, cost, status, error_message, error_detail, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, r.StepName, nullable(r.SystemPrompt), nullable(r.UserPrompt), nullable(r.Output), nullable(r.Model),
		r.PromptTokens, r.CompletionTokens, r.Cost, string(r.Status),
		nullable(r.ErrorMessage), nullable(r.ErrorDetail), r.Duration.Milliseconds(), formatTime(created))
	if err != nil {
		return fmt.Errorf("insert step result: %w", err)
	}
	return nil
}

func (s *SqlStore) FlagModelFailing(ctx context.Context, model, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO failing_models (model, reason, flagged_at) VALUES (?, ?, ?)
		 ON CONFLICT(model) DO UPDATE SET reason = excluded.reason, flagged_at = excluded.flagged_at`,
		model, reason, formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("flag model: %w", err)
	}
	return nil
}

func (s *SqlStore) ModelFailing(ctx context.Context, model string, since time.Time) (bool, error) {
	var at string
	err := s.db.QueryRowContext(ctx, "SELECT flagged_at FROM failing_models WHERE model = ?", model).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query failing models: %w", err)
	}
	return !parseTime(at).Before(since), nil
}

func (s *SqlStore) ClearModelFailing(ctx context.Context, model string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM failing_models WHERE model = ?", model); err != nil {
		return fmt.Errorf("clear model flag: %w", err)
	}
	return nil
}

const runColumns = `id, pipeline, instrument, timeframe, state, total_tokens, total_cost, error, created_at, started_at, completed_at`

func (s *SqlStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, err
}

func (s *SqlStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, "SELECT "+runColumns+" FROM runs ORDER BY created_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SqlStore) StepResults(ctx context.Context, runID string) ([]runctx.StepResult, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_name, system_prompt, user_prompt, output, model, prompt_tokens, completion_tokens,
			cost, status, error_message, error_detail, duration_ms, created_at
		 FROM step_results WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query step results: %w", err)
	}
	defer rows.Close()

	var out []runctx.StepResult
	for rows.Next() {
		var (
			r                                  runctx.StepResult
			sys, user, output, model, msg, det sql.NullString
			status, created                    string
			durMS                              int64
		)
		if err := rows.Scan(&r.StepName, &sys, &user, &output, &model, &r.PromptTokens, &r.CompletionTokens,
			&r.Cost, &status, &msg, &det, &durMS, &created); err != nil {
			return nil, fmt.Errorf("scan step result: %w", err)
		}
		r.SystemPrompt = nullStr(sys)
		r.UserPrompt = nullStr(user)
		r.Output = nullStr(output)
		r.Model = nullStr(model)
		r.Status = runctx.Status(status)
		r.ErrorMessage = nullStr(msg)
		r.ErrorDetail = nullStr(det)
		r.Duration = time.Duration(durMS) * time.Millisecond
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var (
		r                         Run
		state, created            string
		errMsg, started, finished sql.NullString
	)
	if err := sc.Scan(&r.ID, &r.Pipeline, &r.Instrument, &r.Timeframe, &state, &r.TotalTokens, &r.TotalCost,
		&errMsg, &created, &started, &finished); err != nil {
		return nil, err
	}
	r.State = RunState(state)
	r.Error = nullStr(errMsg)
	r.CreatedAt = parseTime(created)
	if started.Valid {
		t := parseTime(started.String)
		r.StartedAt = &t
	}
	if finished.Valid {
		t := parseTime(finished.String)
		r.CompletedAt = &t
	}
	return &r, nil
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

// nullStr converts a sql.NullString to a plain string (empty if null).
func nullStr(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
