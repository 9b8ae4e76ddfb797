// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runners provides the reference step runners for the report
// pipeline: a deterministic directive parser, model-backed semantic
// analysis, SQL generation and review, read-only warehouse execution, and
// markdown rendering. The engine itself depends only on
// pipeline.StepRunner; everything here is replaceable per deployment.
package runners

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/AleutianReports/services/report_engine/pipeline"
)

// KindRouter dispatches step execution to a runner registered for the
// step's kind.
//
// Description:
//
//	The engine hands every admitted step to a single StepRunner. KindRouter
//	is that runner for heterogeneous pipelines: it keeps a registry keyed
//	by StepKind and forwards Execute to the matching entry. A step whose
//	kind has no registration fails with an error, which the engine records
//	as a step failure; it never aborts the round.
//
// Thread Safety:
//
//	Safe for concurrent use. Registration is expected at wiring time, but
//	late Register calls are serialized with in-flight lookups.
type KindRouter struct {
	mu       sync.RWMutex
	runners  map[pipeline.StepKind]pipeline.StepRunner
	fallback pipeline.StepRunner
}

// NewKindRouter returns an empty router.
func NewKindRouter() *KindRouter {
	return &KindRouter{runners: make(map[pipeline.StepKind]pipeline.StepRunner)}
}

// Register binds a runner to a step kind, replacing any previous binding.
func (r *KindRouter) Register(kind pipeline.StepKind, runner pipeline.StepRunner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[kind] = runner
}

// SetFallback installs the runner used for kinds with no registration.
func (r *KindRouter) SetFallback(runner pipeline.StepRunner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = runner
}

// Kinds returns the registered kinds in sorted order.
func (r *KindRouter) Kinds() []pipeline.StepKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]pipeline.StepKind, 0, len(r.runners))
	for kind := range r.runners {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Execute implements pipeline.StepRunner.
func (r *KindRouter) Execute(ctx context.Context, step pipeline.Step, task *pipeline.TaskContext) (any, float64, error) {
	r.mu.RLock()
	runner, ok := r.runners[step.Kind]
	if !ok {
		runner = r.fallback
	}
	r.mu.RUnlock()

	if runner == nil {
		return nil, 0, fmt.Errorf("no runner registered for step kind %q", step.Kind)
	}
	return runner.Execute(ctx, step, task)
}

// DefaultKindRouter wires the reference runners for the standard report
// pipeline. The warehouse may be nil when the deployment has no EXECUTE
// steps; registering an ExecuteRunner without one fails at execution time
// rather than here.
func DefaultKindRouter(gen TierGenerator, wh *Warehouse) *KindRouter {
	var schema SchemaSource
	if wh != nil {
		schema = wh
	}

	r := NewKindRouter()
	r.Register(pipeline.KindParse, NewParseRunner())
	r.Register(pipeline.KindSemanticAnalyze, NewSemanticRunner(gen, schema))
	r.Register(pipeline.KindSQLGenerate, NewSQLGenerateRunner(gen))
	r.Register(pipeline.KindValidate, NewValidateRunner(gen))
	r.Register(pipeline.KindExecute, NewExecuteRunner(wh))
	r.Register(pipeline.KindRender, NewRenderRunner())
	return r
}
