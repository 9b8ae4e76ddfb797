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

import "math"

// Evaluator scores a finished step attempt on [0,1].
//
// Description:
//
//	The engine calls Evaluate exactly once per attempt, after the runner
//	returns. Implementations must be pure: no I/O, no mutation, same inputs
//	same score.
type Evaluator interface {
	// Evaluate maps a runner outcome to a quality score in [0,1].
	//
	// Inputs:
	//
	//	kind - The step kind that executed.
	//	result - The runner's result value. Nil on error.
	//	confidence - The runner-reported confidence. NaN means unreported.
	//	execErr - The runner's error, nil on success.
	Evaluate(kind StepKind, result any, confidence float64, execErr error) float64
}

// StandardEvaluator implements the default scoring policy.
//
// Description:
//
//	Deterministic kinds either worked or they didn't: 1.0 on success, 0.0
//	on error, confidence ignored. Model-backed kinds score their reported
//	confidence clamped to [0,1]; an unreported (NaN) confidence scores 0.0
//	so an uncalibrated runner can never sneak past the quality gate.
type StandardEvaluator struct {
	deterministic map[StepKind]bool
}

// NewStandardEvaluator builds an evaluator from the given config.
// A zero config takes the defaults.
func NewStandardEvaluator(cfg QualityConfig) *StandardEvaluator {
	kinds := cfg.DeterministicKinds
	if kinds == nil {
		kinds = DefaultQualityConfig().DeterministicKinds
	}
	det := make(map[StepKind]bool, len(kinds))
	for _, k := range kinds {
		det[k] = true
	}
	return &StandardEvaluator{deterministic: det}
}

// Evaluate implements Evaluator.
func (e *StandardEvaluator) Evaluate(kind StepKind, result any, confidence float64, execErr error) float64 {
	if execErr != nil {
		return 0.0
	}
	if e.deterministic[kind] {
		return 1.0
	}
	return clamp01(confidence)
}

// clamp01 clamps into [0,1], treating NaN as 0.
func clamp01(f float64) float64 {
	if math.IsNaN(f) {
		return 0.0
	}
	if f < 0 {
		return 0.0
	}
	if f > 1 {
		return 1.0
	}
	return f
}
