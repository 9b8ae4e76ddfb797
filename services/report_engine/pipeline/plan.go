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
	"fmt"
	"strings"
)

// StepOption customizes a step added through the PlanBuilder.
type StepOption func(*Step)

// WithTier sets the step's initial tier.
func WithTier(t Tier) StepOption {
	return func(s *Step) {
		s.Tier = t
	}
}

// WithParam sets one runner-facing parameter.
func WithParam(key string, value any) StepOption {
	return func(s *Step) {
		if s.Params == nil {
			s.Params = make(map[string]any)
		}
		s.Params[key] = value
	}
}

// WithParams merges runner-facing parameters.
func WithParams(params map[string]any) StepOption {
	return func(s *Step) {
		if s.Params == nil {
			s.Params = make(map[string]any, len(params))
		}
		for k, v := range params {
			s.Params[k] = v
		}
	}
}

// AsRequired marks the step required: skipping it fails the whole task.
func AsRequired() StepOption {
	return func(s *Step) {
		s.Required = true
	}
}

// PlanBuilder assembles a validated TaskContext step by step.
//
// Description:
//
//	The builder collects errors as steps are added and reports them all at
//	Build time, so call sites can chain adds without per-call checks.
//
// Example:
//
//	task, err := pipeline.NewPlan("report-42").
//		AddStep("parse", pipeline.KindParse, nil,
//			pipeline.WithParam("directive", "metric: total_revenue; period: 2025-Q3")).
//		AddStep("sql_generate", pipeline.KindSQLGenerate, []string{"parse"}).
//		AddStep("validate", pipeline.KindValidate, []string{"sql_generate"}).
//		Build()
type PlanBuilder struct {
	taskID string
	steps  []*Step
	cfg    Config
	errors []string
}

// NewPlan creates a builder for the given task id. An empty id generates one.
func NewPlan(taskID string) *PlanBuilder {
	return &PlanBuilder{
		taskID: taskID,
		steps:  make([]*Step, 0),
		cfg:    DefaultConfig(),
	}
}

// WithMaxAttempts sets the per-step attempt budget.
func (b *PlanBuilder) WithMaxAttempts(n int) *PlanBuilder {
	b.cfg.MaxAttemptsPerStep = n
	return b
}

// WithQualityThreshold sets the minimum quality for accepting results.
func (b *PlanBuilder) WithQualityThreshold(q float64) *PlanBuilder {
	b.cfg.QualityThreshold = q
	return b
}

// AddStep appends a step with the given id, kind, and dependency ids.
func (b *PlanBuilder) AddStep(id string, kind StepKind, deps []string, opts ...StepOption) *PlanBuilder {
	if id == "" {
		b.errors = append(b.errors, "step id must not be empty")
		return b
	}
	for _, existing := range b.steps {
		if existing.ID == id {
			b.errors = append(b.errors, fmt.Sprintf("duplicate step id: %s", id))
			return b
		}
	}
	s := &Step{
		ID:           id,
		Kind:         kind,
		Dependencies: append([]string(nil), deps...),
		Tier:         TierFast,
		State:        StatePending,
	}
	for _, opt := range opts {
		opt(s)
	}
	b.steps = append(b.steps, s)
	return b
}

// AddSteps appends pre-built steps, preserving order.
func (b *PlanBuilder) AddSteps(steps ...*Step) *PlanBuilder {
	for _, s := range steps {
		if s == nil {
			b.errors = append(b.errors, "nil step")
			continue
		}
		b.steps = append(b.steps, s)
	}
	return b
}

// Build validates the plan and returns a runnable TaskContext.
func (b *PlanBuilder) Build() (*TaskContext, error) {
	if len(b.errors) > 0 {
		return nil, fmt.Errorf("plan validation failed: %s", strings.Join(b.errors, "; "))
	}
	return NewTaskContext(b.taskID, b.steps, b.cfg)
}

// Standard step ids of the placeholder resolution chain.
const (
	StepParse           = "parse"
	StepSemanticAnalyze = "semantic_analyze"
	StepSQLGenerate     = "sql_generate"
	StepValidate        = "validate"
	StepExecute         = "execute"
	StepRender          = "render"
)

// StandardPlaceholderSteps returns the canonical six-step chain that
// resolves one report placeholder: parse the directive, map it onto the
// schema, generate SQL, validate it, execute it, and render the value.
//
// Inputs:
//
//	directive - The raw placeholder text, e.g.
//	    "{{ metric: total_revenue; period: 2025-Q3 }}".
//
// Outputs:
//
//	[]*Step - A linear chain in dependency order, all tiers FAST.
func StandardPlaceholderSteps(directive string) []*Step {
	return []*Step{
		{
			ID:     StepParse,
			Kind:   KindParse,
			Tier:   TierFast,
			State:  StatePending,
			Params: map[string]any{"directive": directive},
		},
		{
			ID:           StepSemanticAnalyze,
			Kind:         KindSemanticAnalyze,
			Dependencies: []string{StepParse},
			Tier:         TierFast,
			State:        StatePending,
		},
		{
			ID:           StepSQLGenerate,
			Kind:         KindSQLGenerate,
			Dependencies: []string{StepSemanticAnalyze},
			Tier:         TierFast,
			State:        StatePending,
		},
		{
			ID:           StepValidate,
			Kind:         KindValidate,
			Dependencies: []string{StepSQLGenerate},
			Tier:         TierFast,
			State:        StatePending,
		},
		{
			ID:           StepExecute,
			Kind:         KindExecute,
			Dependencies: []string{StepValidate},
			Tier:         TierFast,
			State:        StatePending,
			Required:     true,
		},
		{
			ID:           StepRender,
			Kind:         KindRender,
			Dependencies: []string{StepExecute},
			Tier:         TierFast,
			State:        StatePending,
		},
	}
}
