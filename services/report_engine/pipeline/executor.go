// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	tracer = otel.Tracer("aleutian.report.pipeline")
	meter  = otel.Meter("aleutian.report.pipeline")
)

// Engine runs one task's round loop: decide, dispatch, barrier, checkpoint.
//
// Description:
//
//	The engine is the task's single writer. Each round it asks the
//	Scheduler for a decision, applies the returned mutation plan, runs the
//	ready steps concurrently (bounded), waits for all of them, then
//	persists a snapshot before deciding again. Step errors never abort the
//	task; only checkpoint failures are engine-fatal.
//
// Thread Safety:
//
//	One Engine may run many tasks, but each task must be driven by a
//	single Run call at a time.
type Engine struct {
	runner    StepRunner
	store     ContextStore
	scheduler Scheduler
	evaluator Evaluator
	cfg       EngineConfig
	log       *slog.Logger

	metricsOnce     sync.Once
	stepDuration    metric.Float64Histogram
	stepSuccess     metric.Int64Counter
	stepFailure     metric.Int64Counter
	activeSteps     metric.Int64UpDownCounter
	taskDuration    metric.Float64Histogram
	stepQuality     metric.Float64Histogram
	tierEscalations metric.Int64Counter
}

// Option customizes an Engine.
type Option func(*Engine)

// WithScheduler replaces the default quality-gated scheduler.
func WithScheduler(s Scheduler) Option {
	return func(e *Engine) {
		if s != nil {
			e.scheduler = s
		}
	}
}

// WithEvaluator replaces the default quality evaluator.
func WithEvaluator(ev Evaluator) Option {
	return func(e *Engine) {
		if ev != nil {
			e.evaluator = ev
		}
	}
}

// WithEngineConfig sets the engine knobs. Zero fields take defaults.
func WithEngineConfig(cfg EngineConfig) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// NewEngine builds an engine around a step runner and a context store.
//
// Inputs:
//
//	runner - Executes step attempts. Required.
//	store - Persists round snapshots. Required; use store.NewMemory()
//	    for ephemeral runs.
//	opts - Optional overrides.
func NewEngine(runner StepRunner, store ContextStore, opts ...Option) (*Engine, error) {
	if runner == nil {
		return nil, ErrNilRunner
	}
	if store == nil {
		return nil, ErrNilStore
	}
	e := &Engine{
		runner:    runner,
		store:     store,
		scheduler: NewDefaultScheduler(nil),
		evaluator: NewStandardEvaluator(DefaultQualityConfig()),
		cfg:       DefaultEngineConfig(),
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg = e.cfg.withDefaults()
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// initMetrics lazily creates the engine's instruments. Failures degrade to
// logging; they never block execution.
func (e *Engine) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string
		var err error

		e.stepDuration, err = meter.Float64Histogram(
			"pipeline_step_duration_seconds",
			metric.WithDescription("Duration of step attempts"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, fmt.Sprintf("step_duration: %v", err))
		}

		e.stepSuccess, err = meter.Int64Counter(
			"pipeline_step_success_total",
			metric.WithDescription("Step attempts that succeeded"),
		)
		if err != nil {
			initErrors = append(initErrors, fmt.Sprintf("step_success: %v", err))
		}

		e.stepFailure, err = meter.Int64Counter(
			"pipeline_step_failure_total",
			metric.WithDescription("Step attempts that failed"),
		)
		if err != nil {
			initErrors = append(initErrors, fmt.Sprintf("step_failure: %v", err))
		}

		e.activeSteps, err = meter.Int64UpDownCounter(
			"pipeline_active_steps",
			metric.WithDescription("Steps currently executing"),
		)
		if err != nil {
			initErrors = append(initErrors, fmt.Sprintf("active_steps: %v", err))
		}

		e.taskDuration, err = meter.Float64Histogram(
			"pipeline_task_duration_seconds",
			metric.WithDescription("Duration of complete task runs"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, fmt.Sprintf("task_duration: %v", err))
		}

		e.stepQuality, err = meter.Float64Histogram(
			"pipeline_step_quality",
			metric.WithDescription("Evaluated quality of step attempts"),
		)
		if err != nil {
			initErrors = append(initErrors, fmt.Sprintf("step_quality: %v", err))
		}

		e.tierEscalations, err = meter.Int64Counter(
			"pipeline_tier_escalation_total",
			metric.WithDescription("Retries escalated from FAST to DEEP"),
		)
		if err != nil {
			initErrors = append(initErrors, fmt.Sprintf("tier_escalation: %v", err))
		}

		if len(initErrors) > 0 {
			e.log.Warn("Some pipeline metrics failed to initialize", "errors", initErrors)
		}
	})
}

// stepOutcome is one finished attempt, delivered from a worker to the
// engine's collector.
type stepOutcome struct {
	stepID   string
	attempt  int
	tier     Tier
	result   any
	quality  float64
	err      error
	duration time.Duration
}

// Run drives the task to a terminal state and returns its final result.
//
// Description:
//
//	Returns an error only for engine-level problems: invalid input, a
//	scheduler plan that fails validation, or an unrecoverable checkpoint
//	failure. Task-level failure (exhausted required step, all outputs
//	lost) is a valid outcome: FinalResult.Status FAILED with a nil error.
//
// Inputs:
//
//	ctx - Cancels cooperatively: in-flight steps are asked to stop and
//	    the task drains at the next barrier.
//	task - The task to run. Must not already be terminal.
func (e *Engine) Run(ctx context.Context, task *TaskContext) (FinalResult, error) {
	if task == nil {
		return FinalResult{}, ErrNilContext
	}
	if st := task.OverallState(); st != TaskRunning {
		return FinalResult{}, fmt.Errorf("%w: task %q is %s", ErrTaskTerminal, task.TaskID(), st)
	}
	if !task.acquireRun() {
		return FinalResult{}, fmt.Errorf("%w: %q", ErrTaskRunning, task.TaskID())
	}
	defer task.releaseRun()
	e.initMetrics()

	start := time.Now()
	runID := uuid.NewString()[:12]

	ctx, span := tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("task.id", task.TaskID()),
			attribute.Int("task.steps", task.StepCount()),
		))
	defer span.End()

	e.log.Info("Starting task execution",
		"task", task.TaskID(),
		"run", runID,
		"steps", task.StepCount(),
		"quality_threshold", task.QualityThreshold(),
		"max_attempts", task.MaxAttemptsPerStep())

	for {
		select {
		case <-ctx.Done():
			return e.finishCancelled(ctx, span, task, runID, start), nil
		default:
		}

		decision := e.scheduler.Decide(task)
		switch decision.Kind {
		case DecisionComplete:
			e.applySkips(task, decision.Skips)
			task.setOverallState(TaskCompleted)
			if err := e.checkpoint(ctx, task); err != nil {
				return e.finishPersistenceFailure(ctx, span, task, runID, start, err)
			}
			return e.finish(ctx, span, task, runID, start), nil

		case DecisionFail:
			e.applySkips(task, decision.Skips)
			task.setOverallState(TaskFailed)
			if err := e.checkpoint(ctx, task); err != nil {
				return e.finishPersistenceFailure(ctx, span, task, runID, start, err)
			}
			e.log.Warn("Task failed", "task", task.TaskID(), "run", runID, "reason", decision.Reason)
			span.SetStatus(codes.Error, decision.Reason)
			return e.buildResult(task, runID, start, StatusFailed, decision.Reason), nil

		case DecisionAdvance:
			if err := e.applyAdvance(ctx, task, decision); err != nil {
				reason := fmt.Sprintf("invalid scheduler decision: %v", err)
				task.setOverallState(TaskFailed)
				if cpErr := e.checkpoint(ctx, task); cpErr != nil {
					return e.finishPersistenceFailure(ctx, span, task, runID, start, cpErr)
				}
				span.SetStatus(codes.Error, reason)
				return e.buildResult(task, runID, start, StatusFailed, reason), err
			}

			if len(decision.Ready) == 0 {
				reason := "scheduler returned no dispatchable steps"
				task.setOverallState(TaskFailed)
				if cpErr := e.checkpoint(ctx, task); cpErr != nil {
					return e.finishPersistenceFailure(ctx, span, task, runID, start, cpErr)
				}
				span.SetStatus(codes.Error, reason)
				return e.buildResult(task, runID, start, StatusFailed, reason),
					fmt.Errorf("%w: %s", ErrNoProgress, reason)
			}

			if len(decision.Retries) > 0 && e.cfg.RetryDelay > 0 {
				if !sleepCtx(ctx, e.cfg.RetryDelay) {
					continue // cancelled; handled at loop top
				}
			}

			round := e.runRound(ctx, task, decision)
			if err := e.checkpoint(ctx, task); err != nil {
				return e.finishPersistenceFailure(ctx, span, task, runID, start, err)
			}
			e.log.Debug("Round complete", "task", task.TaskID(), "run", runID, "round", round)

		default:
			reason := fmt.Sprintf("unknown decision kind %q", decision.Kind)
			task.setOverallState(TaskFailed)
			span.SetStatus(codes.Error, reason)
			return e.buildResult(task, runID, start, StatusFailed, reason),
				fmt.Errorf("%w: %s", ErrNoProgress, reason)
		}
	}
}

// Resume reloads a checkpointed task from the store and drives it on.
//
// Outputs:
//
//	FinalResult - As Run.
//	error - ErrTaskNotFound if no snapshot exists, ErrTaskTerminal if the
//	    stored task already finished.
func (e *Engine) Resume(ctx context.Context, taskID string) (FinalResult, error) {
	snap, found, err := e.store.Load(ctx, taskID)
	if err != nil {
		return FinalResult{}, fmt.Errorf("loading task %q: %w", taskID, err)
	}
	if !found {
		return FinalResult{}, fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}
	task, err := RestoreTaskContext(snap)
	if err != nil {
		return FinalResult{}, fmt.Errorf("restoring task %q: %w", taskID, err)
	}
	e.log.Info("Resuming task from checkpoint",
		"task", taskID,
		"rounds", task.Rounds(),
		"saved_at", snap.SavedAt)
	return e.Run(ctx, task)
}

// applyAdvance applies the scheduler's mutation plan for one round.
func (e *Engine) applyAdvance(ctx context.Context, task *TaskContext, d ControlDecision) error {
	if len(d.NewSteps) > 0 {
		if err := task.MergeSteps(d.NewSteps); err != nil {
			e.log.Error("Scheduler produced an invalid step merge", "task", task.TaskID(), "error", err)
			return err
		}
		e.log.Info("Merged scheduler-created steps", "task", task.TaskID(), "count", len(d.NewSteps))
	}
	e.applySkips(task, d.Skips)
	for _, id := range d.Invalidate {
		task.invalidateStep(id)
	}
	for _, id := range d.Retries {
		task.markRetrying(id)
	}
	for id, tier := range d.Tiers {
		if prev, ok := task.Step(id); ok && prev.Tier == TierFast && tier == TierDeep {
			if e.tierEscalations != nil {
				e.tierEscalations.Add(ctx, 1, metric.WithAttributes(
					attribute.String("step.kind", string(prev.Kind))))
			}
			e.log.Info("Escalating step tier",
				"task", task.TaskID(), "step", id, "tier", tier)
		}
		task.applyTier(id, tier)
	}
	return nil
}

// applySkips marks steps terminally skipped with their cause chains.
func (e *Engine) applySkips(task *TaskContext, skips []SkipDirective) {
	for _, s := range skips {
		task.skipStep(s.StepID, s.Cause)
		e.log.Warn("Skipping step", "task", task.TaskID(), "step", s.StepID, "cause", s.Cause)
	}
}

// runRound dispatches the ready set and blocks until every attempt returns.
// Returns the completed round number.
func (e *Engine) runRound(ctx context.Context, task *TaskContext, d ControlDecision) int {
	snaps := make([]Step, 0, len(d.Ready))
	seen := make(map[string]bool, len(d.Ready))
	for _, id := range d.Ready {
		if seen[id] {
			continue
		}
		seen[id] = true
		task.markReady(id)
	}
	for _, id := range d.Ready {
		snap, ok := task.beginAttempt(id)
		if !ok {
			e.log.Warn("Ready step not found, dropping", "task", task.TaskID(), "step", id)
			continue
		}
		snaps = append(snaps, snap)
	}

	limit := e.cfg.MaxParallel
	if len(snaps) < limit {
		limit = len(snaps)
	}
	e.log.Info("Dispatching round",
		"task", task.TaskID(),
		"ready", len(snaps),
		"retries", len(d.Retries),
		"parallel", limit)

	outcomes := make(chan stepOutcome, len(snaps))
	var g errgroup.Group
	g.SetLimit(limit)
	go func() {
		for _, snap := range snaps {
			snap := snap
			g.Go(func() error {
				outcomes <- e.executeStep(ctx, task, snap)
				return nil
			})
		}
		g.Wait()
		close(outcomes)
	}()

	for out := range outcomes {
		e.applyOutcome(ctx, task, out)
	}
	return task.completeRound()
}

// executeStep runs one attempt in a worker, without mutating the task.
func (e *Engine) executeStep(ctx context.Context, task *TaskContext, step Step) stepOutcome {
	ctx, span := tracer.Start(ctx, "pipeline.step."+step.ID,
		trace.WithAttributes(
			attribute.String("step.kind", string(step.Kind)),
			attribute.String("step.tier", string(step.Tier)),
			attribute.Int("step.attempt", step.Attempt),
		))
	defer span.End()

	if e.activeSteps != nil {
		e.activeSteps.Add(ctx, 1)
		defer e.activeSteps.Add(ctx, -1)
	}

	stepCtx := ctx
	if e.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, e.cfg.StepTimeout)
		defer cancel()
	}

	start := time.Now()
	result, confidence, err := e.runner.Execute(stepCtx, step, task)
	duration := time.Since(start)

	if err != nil {
		if stepCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = NewStepError(step.ID, fmt.Errorf("%w after %s", ErrStepTimeout, e.cfg.StepTimeout))
		} else if ctx.Err() == context.Canceled {
			err = fmt.Errorf("cancelled: %w", err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	quality := e.evaluator.Evaluate(step.Kind, result, confidence, err)
	span.SetAttributes(attribute.Float64("step.quality", quality))

	if e.stepDuration != nil {
		e.stepDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
			attribute.String("step.kind", string(step.Kind)),
			attribute.String("step.tier", string(step.Tier))))
	}

	return stepOutcome{
		stepID:   step.ID,
		attempt:  step.Attempt,
		tier:     step.Tier,
		result:   result,
		quality:  quality,
		err:      err,
		duration: duration,
	}
}

// applyOutcome records a finished attempt. Runs on the engine goroutine so
// the task keeps a single writer.
func (e *Engine) applyOutcome(ctx context.Context, task *TaskContext, out stepOutcome) {
	attrs := metric.WithAttributes(
		attribute.String("step.kind", stepKindOf(task, out.stepID)),
		attribute.String("step.tier", string(out.tier)))

	if out.err != nil {
		task.failStep(out.stepID, out.err.Error(), out.quality)
		if e.stepFailure != nil {
			e.stepFailure.Add(ctx, 1, attrs)
		}
		e.log.Warn("Step attempt failed",
			"task", task.TaskID(),
			"step", out.stepID,
			"attempt", out.attempt,
			"tier", out.tier,
			"duration", out.duration,
			"error", out.err)
	} else {
		task.completeStep(out.stepID, out.result, out.quality)
		if e.stepSuccess != nil {
			e.stepSuccess.Add(ctx, 1, attrs)
		}
		e.log.Debug("Step attempt finished",
			"task", task.TaskID(),
			"step", out.stepID,
			"attempt", out.attempt,
			"tier", out.tier,
			"quality", out.quality,
			"duration", out.duration)
	}

	if e.stepQuality != nil {
		e.stepQuality.Record(ctx, out.quality, attrs)
	}

	task.appendHistory(HistoryEntry{
		StepID:    out.stepID,
		Attempt:   out.attempt,
		Tier:      out.tier,
		Quality:   out.quality,
		Timestamp: time.Now().UTC(),
	})
}

// checkpoint snapshots the task and saves it, retrying per config. The
// caller treats a returned error as engine-fatal.
func (e *Engine) checkpoint(ctx context.Context, task *TaskContext) error {
	snap, err := task.Snapshot()
	if err != nil {
		return err
	}
	saveCtx := context.WithoutCancel(ctx)
	err = e.store.Save(saveCtx, task.TaskID(), snap)
	for attempt := 0; err != nil && attempt < e.cfg.CheckpointRetries; attempt++ {
		e.log.Warn("Checkpoint save failed, retrying",
			"task", task.TaskID(), "attempt", attempt+1, "error", err)
		err = e.store.Save(saveCtx, task.TaskID(), snap)
	}
	return err
}

// finish closes out a COMPLETE decision, deriving COMPLETED vs PARTIAL
// from whether any step was skipped.
func (e *Engine) finish(ctx context.Context, span trace.Span, task *TaskContext, runID string, start time.Time) FinalResult {
	status := StatusCompleted
	reason := ""
	skipped := skippedOf(task)
	if len(skipped) > 0 {
		status = StatusPartial
		reason = fmt.Sprintf("%d step(s) skipped", len(skipped))
	}

	res := e.buildResult(task, runID, start, status, reason)
	span.SetAttributes(attribute.String("result.status", string(status)))
	if e.taskDuration != nil {
		e.taskDuration.Record(ctx, res.Duration.Seconds(), metric.WithAttributes(
			attribute.String("result.status", string(status))))
	}
	e.log.Info("Task finished",
		"task", task.TaskID(),
		"run", runID,
		"status", status,
		"rounds", res.Rounds,
		"duration", res.Duration)
	return res
}

// finishCancelled drains a cancelled task: whatever leaves already
// succeeded determine how much of a result the caller still gets.
func (e *Engine) finishCancelled(ctx context.Context, span trace.Span, task *TaskContext, runID string, start time.Time) FinalResult {
	leaves := task.LeafSteps()
	succeeded := 0
	for _, leaf := range leaves {
		if task.StepState(leaf) == StateSucceeded {
			succeeded++
		}
	}

	var status ResultStatus
	var reason string
	switch {
	case len(leaves) > 0 && succeeded == len(leaves):
		status, reason = StatusCompleted, ""
		task.setOverallState(TaskCompleted)
	case succeeded > 0:
		status, reason = StatusPartial, "cancelled"
		task.setOverallState(TaskCompleted)
	default:
		status, reason = StatusFailed, "cancelled"
		task.setOverallState(TaskFailed)
	}

	// Best effort: keep the drained state inspectable.
	if err := e.checkpoint(ctx, task); err != nil {
		e.log.Warn("Checkpoint after cancellation failed", "task", task.TaskID(), "error", err)
	}

	span.SetAttributes(attribute.String("result.status", string(status)))
	span.SetStatus(codes.Error, "cancelled")
	e.log.Info("Task cancelled", "task", task.TaskID(), "run", runID, "status", status)
	return e.buildResult(task, runID, start, status, reason)
}

// finishPersistenceFailure fails the task when its snapshot cannot be
// saved. Resumability is part of the contract; running on without it
// would lie to the caller.
func (e *Engine) finishPersistenceFailure(ctx context.Context, span trace.Span, task *TaskContext, runID string, start time.Time, saveErr error) (FinalResult, error) {
	task.setOverallState(TaskFailed)
	span.RecordError(saveErr)
	span.SetStatus(codes.Error, "persistence unavailable")
	e.log.Error("Checkpoint persistence failed, aborting task",
		"task", task.TaskID(), "run", runID, "error", saveErr)
	res := e.buildResult(task, runID, start, StatusFailed, "persistence unavailable")
	return res, fmt.Errorf("%w: %w", ErrPersistenceUnavailable, saveErr)
}

// buildResult projects the task into the caller-facing FinalResult.
func (e *Engine) buildResult(task *TaskContext, runID string, start time.Time, status ResultStatus, reason string) FinalResult {
	results := make(map[string]any)
	for _, id := range task.StepIDs() {
		s, ok := task.Step(id)
		if !ok || s.State != StateSucceeded || s.Result == nil {
			continue
		}
		results[id] = s.Result
	}
	return FinalResult{
		TaskID:         task.TaskID(),
		RunID:          runID,
		Status:         status,
		Reason:         reason,
		PerStepResults: results,
		SkippedSteps:   skippedOf(task),
		Rounds:         task.Rounds(),
		Duration:       time.Since(start),
	}
}

// skippedOf lists skipped steps with their recorded causes.
func skippedOf(task *TaskContext) []SkippedStep {
	out := make([]SkippedStep, 0)
	for _, id := range task.StepIDs() {
		s, ok := task.Step(id)
		if !ok || s.State != StateSkipped {
			continue
		}
		out = append(out, SkippedStep{ID: s.ID, LastError: s.LastError})
	}
	return out
}

// stepKindOf reads a step's kind for metric labels.
func stepKindOf(task *TaskContext, id string) string {
	if s, ok := task.Step(id); ok {
		return string(s.Kind)
	}
	return string(KindCustom)
}

// sleepCtx sleeps for d unless the context ends first. Returns false on
// cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
