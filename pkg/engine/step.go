package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/expr-lang/expr"

	"github.com/colaisr/research-flow-sub000/pkg/llm"
	"github.com/colaisr/research-flow-sub000/pkg/plan"
	"github.com/colaisr/research-flow-sub000/pkg/runctx"
	"github.com/colaisr/research-flow-sub000/pkg/schema"
	"github.com/colaisr/research-flow-sub000/pkg/trace"
)

// stepOutcome tells the run loop whether to stop. A nil err continues.
type stepOutcome struct {
	err          error
	modelFailure bool
}

func (e *Engine) executeStep(ctx context.Context, p *plan.Plan, step *plan.Step, rc *runctx.Context) stepOutcome {
	start := time.Now()
	logger := e.logger.With("step", step.Name)
	e.cfg.Trace.EmitStepStart(step.Name, step.Behavior.Name())

	res := runctx.StepResult{StepName: step.Name, SystemPrompt: step.System()}

	if step.When != "" {
		ok, err := evalWhen(step.When, rc.Env())
		if err != nil {
			e.stepError(ctx, rc, &res, start, "invalid when expression", err)
			return stepOutcome{}
		}
		if !ok {
			res.Status = runctx.StatusSkipped
			res.SystemPrompt = ""
			res.Duration = time.Since(start)
			e.record(ctx, rc, res)
			e.cfg.Trace.EmitStepSkipped(step.Name, step.When)
			e.cfg.Metrics.StepFinished(string(res.Status), res.Duration)
			logger.Info("step skipped", "when", step.When)
			return stepOutcome{}
		}
	}

	model, skipped, flagged := e.selectModel(ctx, step)
	res.Model = model
	e.cfg.Trace.EmitModelSelected(step.Name, model, skipped)
	if len(skipped) > 0 {
		logger.Info("skipping failing models", "skipped", skipped, "model", model)
	}

	prompt, err := e.renderer.Render(ctx, p, step, rc, model)
	if err != nil {
		e.stepError(ctx, rc, &res, start, "prompt rendering failed", err)
		var cfgErr *schema.ConfigurationError
		if errors.As(err, &cfgErr) {
			return stepOutcome{err: err}
		}
		return stepOutcome{}
	}
	res.UserPrompt = prompt

	if e.cfg.Model == nil {
		e.stepError(ctx, rc, &res, start, "no model client configured", errors.New("model client is nil"))
		return stepOutcome{}
	}
	resp, err := e.cfg.Model.Call(ctx, llm.Request{
		Model:        model,
		SystemPrompt: res.SystemPrompt,
		UserPrompt:   prompt,
		Temperature:  step.Temperature,
		MaxTokens:    step.MaxTokens,
	})
	e.cfg.Metrics.ModelCall(model, err == nil)
	if err != nil {
		if llm.IsModelFailure(err) {
			return e.modelFailure(ctx, rc, &res, start, err)
		}
		e.stepError(ctx, rc, &res, start, "model call failed", err)
		return stepOutcome{}
	}

	res.Output = resp.Text
	if resp.Model != "" {
		res.Model = resp.Model
	}
	res.PromptTokens = resp.PromptTokens
	res.CompletionTokens = resp.CompletionTokens
	res.Cost = resp.Cost
	if res.Cost == 0 {
		res.Cost = llm.EstimateCost(res.Model, res.PromptTokens, res.CompletionTokens)
	}
	res.Status = runctx.StatusSuccess
	res.Duration = time.Since(start)
	e.record(ctx, rc, res)
	if flagged {
		e.clearFlag(ctx, model)
	}

	e.cfg.Trace.EmitStepComplete(step.Name, trace.StatusSuccess, map[string]any{
		"model":  res.Model,
		"tokens": res.Tokens(),
		"cost":   res.Cost,
	}, res.Duration, nil)
	e.cfg.Metrics.StepFinished(string(res.Status), res.Duration)
	logger.Info("step completed", "model", res.Model, "tokens", res.Tokens(), "duration", res.Duration)
	return stepOutcome{}
}

// selectModel returns the first candidate not flagged as failing. When every
// candidate is flagged the primary is used and flagged is true: flags are
// advisory and the call itself decides. Stored flags older than the health
// TTL are ignored.
func (e *Engine) selectModel(ctx context.Context, step *plan.Step) (model string, skipped []string, flagged bool) {
	candidates := step.Models()
	since := time.Now().Add(-e.healthTTL())
	for _, m := range candidates {
		if e.cfg.Health.IsFailing(m) {
			skipped = append(skipped, m)
			continue
		}
		if bad, err := e.store.ModelFailing(ctx, m, since); err == nil && bad {
			skipped = append(skipped, m)
			continue
		}
		return m, skipped, false
	}
	if len(candidates) == 0 {
		return "", skipped, false
	}
	return candidates[0], skipped, len(skipped) > 0
}

func (e *Engine) healthTTL() time.Duration {
	if e.cfg.Health != nil && e.cfg.Health.TTL > 0 {
		return e.cfg.Health.TTL
	}
	return llm.DefaultHealthTTL
}

// clearFlag drops the failing flag of a model that just answered.
func (e *Engine) clearFlag(ctx context.Context, model string) {
	e.cfg.Health.Clear(model)
	if err := e.store.ClearModelFailing(context.WithoutCancel(ctx), model); err != nil {
		e.logger.Error("clear failing model", "model", model, "error", err)
		return
	}
	e.logger.Info("model recovered", "model", model)
}

// stepError records a non-fatal step failure.
func (e *Engine) stepError(ctx context.Context, rc *runctx.Context, res *runctx.StepResult, start time.Time, msg string, err error) {
	e.failStep(ctx, rc, res, start, trace.FailureStep, msg, err)
}

func (e *Engine) failStep(ctx context.Context, rc *runctx.Context, res *runctx.StepResult, start time.Time, kind, msg string, err error) {
	res.Status = runctx.StatusError
	res.ErrorMessage = fmt.Sprintf("%s: %s", msg, shortError(err))
	res.ErrorDetail = err.Error()
	res.Duration = time.Since(start)
	e.record(ctx, rc, *res)
	e.cfg.Trace.EmitStepComplete(res.StepName, trace.StatusError, nil, res.Duration,
		&trace.Failure{Kind: kind, Message: res.ErrorMessage})
	e.cfg.Metrics.StepFinished(string(res.Status), res.Duration)
	e.logger.Warn("step failed", "step", res.StepName, "error", err)
}

// modelFailure records the failing step, flags the model and writes the
// consolidated failure summary.
func (e *Engine) modelFailure(ctx context.Context, rc *runctx.Context, res *runctx.StepResult, start time.Time, err error) stepOutcome {
	kind := llm.Classify(err)
	e.failStep(ctx, rc, res, start, trace.FailureModel, "model failure ("+kind.String()+")", err)

	reason := shortError(err)
	e.cfg.Health.MarkFailing(res.Model, reason)
	if ferr := e.store.FlagModelFailing(context.WithoutCancel(ctx), res.Model, reason); ferr != nil {
		e.logger.Error("flag failing model", "model", res.Model, "error", ferr)
	}
	e.cfg.Trace.EmitModelFailure(res.StepName, res.Model, kind.String(), reason)
	e.cfg.Metrics.ModelFailure(res.Model, kind.String())

	completed := 0
	for _, r := range e.result.Steps {
		if r.Status == runctx.StatusSuccess {
			completed++
		}
	}
	e.record(ctx, nil, runctx.StepResult{
		StepName: FailureSummaryStep,
		Model:    res.Model,
		Status:   runctx.StatusError,
		ErrorMessage: fmt.Sprintf("model %s failed at step %q (%s); %d step(s) completed before the failure",
			res.Model, res.StepName, kind, completed),
		ErrorDetail: err.Error(),
	})
	return stepOutcome{err: fmt.Errorf("step %q: %w", res.StepName, err), modelFailure: true}
}

// evalWhen evaluates a guard expression against the run context.
func evalWhen(cond string, env map[string]any) (bool, error) {
	prog, err := expr.Compile(cond, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, err
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return false, err
	}
	b, _ := out.(bool)
	return b, nil
}

// shortError returns the first line of err, capped for display.
func shortError(err error) string {
	s := err.Error()
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return runctx.Preview(s, 200)
}
