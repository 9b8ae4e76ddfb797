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
	"math"
	"sync"
)

// StepRunner executes one step attempt.
//
// Description:
//
//	Implementations call an LLM provider, a SQL facility, or a tool. The
//	engine dispatches independent steps concurrently, so Execute must be
//	safe for concurrent use. The step value is a snapshot taken at
//	dispatch; the task handle exposes read-only accessors for upstream
//	results. Blocking work must honor ctx cancellation.
//
// Outputs:
//
//	result - The step's output value. Ignored when err is non-nil.
//	confidence - Self-assessed confidence in [0,1]. Runners without a
//	    meaningful confidence return NaN; the evaluator scores it 0 for
//	    model-backed kinds and ignores it for deterministic ones.
//	err - Non-nil marks the attempt failed. Never fatal to the task.
type StepRunner interface {
	Execute(ctx context.Context, step Step, task *TaskContext) (result any, confidence float64, err error)
}

// RunnerFunc adapts a function to the StepRunner interface.
type RunnerFunc func(ctx context.Context, step Step, task *TaskContext) (any, float64, error)

// Execute implements StepRunner.
func (f RunnerFunc) Execute(ctx context.Context, step Step, task *TaskContext) (any, float64, error) {
	return f(ctx, step, task)
}

// ScriptedOutcome is one pre-planned attempt result.
type ScriptedOutcome struct {
	// Result is returned as the step's output.
	Result any

	// Confidence is the reported confidence.
	Confidence float64

	// Err, when non-nil, fails the attempt.
	Err error
}

// ScriptedRunner replays pre-planned outcomes per step and attempt.
//
// Description:
//
//	Used by dry runs and simulations: outcome N is returned for attempt
//	N+1 of the step, and the last outcome repeats once the script is
//	shorter than the attempt count. Steps without a script succeed with
//	a synthetic result at full confidence.
//
// Thread Safety:
//
//	Safe for concurrent use.
type ScriptedRunner struct {
	mu      sync.Mutex
	scripts map[string][]ScriptedOutcome
	calls   map[string]int
}

// NewScriptedRunner builds a runner over per-step outcome scripts.
func NewScriptedRunner(scripts map[string][]ScriptedOutcome) *ScriptedRunner {
	if scripts == nil {
		scripts = make(map[string][]ScriptedOutcome)
	}
	return &ScriptedRunner{
		scripts: scripts,
		calls:   make(map[string]int),
	}
}

// Execute implements StepRunner.
func (r *ScriptedRunner) Execute(ctx context.Context, step Step, task *TaskContext) (any, float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, math.NaN(), err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[step.ID]++

	script, ok := r.scripts[step.ID]
	if !ok || len(script) == 0 {
		return fmt.Sprintf("%s:ok", step.ID), 1.0, nil
	}

	idx := step.Attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(script) {
		idx = len(script) - 1
	}
	out := script[idx]
	if out.Err != nil {
		return nil, out.Confidence, out.Err
	}
	return out.Result, out.Confidence, nil
}

// Calls returns how many times the step has been executed.
func (r *ScriptedRunner) Calls(stepID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[stepID]
}
