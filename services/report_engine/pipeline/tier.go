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

// TierSelector picks the tier a retried step should run at.
//
// Description:
//
//	Consulted by the scheduler for retry candidates only; first attempts run
//	at the step's declared tier. Implementations must be pure: the scheduler
//	applies the returned tier through its decision, the selector never
//	mutates anything.
type TierSelector interface {
	// SelectTier returns the tier for the step's next attempt.
	//
	// Inputs:
	//
	//	step - Snapshot of the retry candidate.
	//	history - The task's full attempt log, oldest first.
	SelectTier(step Step, history []HistoryEntry) Tier
}

// StandardTierSelector implements the default escalation policy.
//
// Rules, first match wins:
//
//   - Kinds in AlwaysDeepKinds retry at DEEP.
//   - A step whose last attempt scored under EscalateBelow retries at DEEP.
//   - A trailing task-wide average under TrailingBelow retries at DEEP.
//   - Otherwise FAST.
type StandardTierSelector struct {
	cfg        TierConfig
	alwaysDeep map[StepKind]bool
}

// NewStandardTierSelector builds a selector from the given config.
// Zero fields take the defaults.
func NewStandardTierSelector(cfg TierConfig) *StandardTierSelector {
	def := DefaultTierConfig()
	if cfg.AlwaysDeepKinds == nil {
		cfg.AlwaysDeepKinds = def.AlwaysDeepKinds
	}
	if cfg.EscalateBelow == 0 {
		cfg.EscalateBelow = def.EscalateBelow
	}
	if cfg.TrailingWindow == 0 {
		cfg.TrailingWindow = def.TrailingWindow
	}
	if cfg.TrailingBelow == 0 {
		cfg.TrailingBelow = def.TrailingBelow
	}
	always := make(map[StepKind]bool, len(cfg.AlwaysDeepKinds))
	for _, k := range cfg.AlwaysDeepKinds {
		always[k] = true
	}
	return &StandardTierSelector{cfg: cfg, alwaysDeep: always}
}

// SelectTier implements TierSelector.
func (s *StandardTierSelector) SelectTier(step Step, history []HistoryEntry) Tier {
	if s.alwaysDeep[step.Kind] {
		return TierDeep
	}
	if q, ok := lastQuality(step, history); ok && q < s.cfg.EscalateBelow {
		return TierDeep
	}
	if avg, ok := trailingAverage(history, s.cfg.TrailingWindow); ok && avg < s.cfg.TrailingBelow {
		return TierDeep
	}
	return TierFast
}

// lastQuality returns the quality of the step's most recent attempt.
// The step's own field wins; invalidated steps fall back to the log.
func lastQuality(step Step, history []HistoryEntry) (float64, bool) {
	if step.Quality != nil {
		return *step.Quality, true
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].StepID == step.ID {
			return history[i].Quality, true
		}
	}
	return 0, false
}

// trailingAverage averages the quality of the last n entries. False when
// the log is empty.
func trailingAverage(history []HistoryEntry, n int) (float64, bool) {
	if len(history) == 0 || n < 1 {
		return 0, false
	}
	start := len(history) - n
	if start < 0 {
		start = 0
	}
	window := history[start:]
	sum := 0.0
	for _, e := range window {
		sum += e.Quality
	}
	return sum / float64(len(window)), true
}
