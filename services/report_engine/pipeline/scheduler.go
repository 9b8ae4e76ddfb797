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

import "fmt"

// DecisionKind tags a ControlDecision variant.
type DecisionKind string

const (
	// DecisionComplete ends the task with results.
	DecisionComplete DecisionKind = "COMPLETE"

	// DecisionFail ends the task without usable output.
	DecisionFail DecisionKind = "FAIL"

	// DecisionAdvance dispatches another round.
	DecisionAdvance DecisionKind = "ADVANCE"
)

// Valid returns true if the kind is a known value.
func (k DecisionKind) Valid() bool {
	return k == DecisionComplete || k == DecisionFail || k == DecisionAdvance
}

// SkipDirective marks one step terminally skipped, with its cause chain.
type SkipDirective struct {
	// StepID is the step to skip.
	StepID string `json:"step_id"`

	// Cause explains the skip, e.g. the exhausted upstream step.
	Cause string `json:"cause"`
}

// ControlDecision is the scheduler's full mutation plan for one round.
//
// Description:
//
//	Decide is pure; it returns everything the engine must apply instead of
//	mutating the task itself. The engine applies the plan in a fixed order:
//	merge NewSteps, apply Skips, apply Invalidate, mark Retries, apply
//	Tiers, then dispatch Ready. Retries is always a subset of Ready; Ready
//	ids are dispatched this round in their listed order.
type ControlDecision struct {
	// Kind selects the variant.
	Kind DecisionKind `json:"kind"`

	// Reason explains FAIL decisions.
	Reason string `json:"reason,omitempty"`

	// Ready lists step ids to dispatch this round, in declaration order.
	Ready []string `json:"ready,omitempty"`

	// Retries is the subset of Ready re-running after failure or a
	// below-threshold result.
	Retries []string `json:"retries,omitempty"`

	// Invalidate lists steps reset to PENDING because an upstream result
	// they consumed is suspect. Results are cleared, attempt counters kept.
	Invalidate []string `json:"invalidate,omitempty"`

	// Skips lists steps to mark terminally SKIPPED.
	Skips []SkipDirective `json:"skips,omitempty"`

	// Tiers maps retry ids to the tier their next attempt runs at.
	Tiers map[string]Tier `json:"tiers,omitempty"`

	// NewSteps are scheduler-created steps merged before dispatch.
	NewSteps []*Step `json:"new_steps,omitempty"`
}

// Scheduler decides what the engine does between rounds.
//
// Description:
//
//	Decide must be pure: read the task, return a plan, mutate nothing.
//	Calling it twice on an unchanged task must yield the same decision.
type Scheduler interface {
	Decide(task *TaskContext) ControlDecision
}

// decisionView is a consistent read-only projection taken under one lock,
// so Decide never observes a half-applied round.
type decisionView struct {
	steps       []Step
	index       map[string]int
	dependents  map[string][]string
	leaves      []string
	history     []HistoryEntry
	threshold   float64
	maxAttempts int
}

func (tc *TaskContext) decisionView() decisionView {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	v := decisionView{
		steps:       make([]Step, 0, len(tc.order)),
		index:       make(map[string]int, len(tc.order)),
		dependents:  make(map[string][]string, len(tc.dependents)),
		history:     make([]HistoryEntry, len(tc.history)),
		threshold:   tc.qualityThreshold,
		maxAttempts: tc.maxAttemptsPerStep,
	}
	for i, id := range tc.order {
		v.steps = append(v.steps, *tc.steps[id].clone())
		v.index[id] = i
	}
	for id, deps := range tc.dependents {
		v.dependents[id] = append([]string(nil), deps...)
	}
	for _, id := range tc.order {
		if len(tc.dependents[id]) == 0 {
			v.leaves = append(v.leaves, id)
		}
	}
	copy(v.history, tc.history)
	return v
}

// transitiveDependents walks downstream of id in breadth-first declaration
// order.
func (v *decisionView) transitiveDependents(id string) []string {
	seen := make(map[string]bool)
	queue := append([]string(nil), v.dependents[id]...)
	out := make([]string, 0)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, v.dependents[next]...)
	}
	return out
}

// DefaultScheduler implements the quality-gated retry policy.
//
// Description:
//
//	Each Decide pass works over an effective state: the current step states
//	with this round's planned skips, invalidations, and retry markings
//	applied. Precedence is skip over invalidate over retry, so an exhausted
//	step never retries and a step downstream of a suspect result waits for
//	the fresh value instead of burning an attempt on stale input.
type DefaultScheduler struct {
	tiers TierSelector
}

// NewDefaultScheduler builds the standard scheduler. A nil selector takes
// the default escalation policy.
func NewDefaultScheduler(tiers TierSelector) *DefaultScheduler {
	if tiers == nil {
		tiers = NewStandardTierSelector(DefaultTierConfig())
	}
	return &DefaultScheduler{tiers: tiers}
}

// Decide implements Scheduler.
func (d *DefaultScheduler) Decide(task *TaskContext) ControlDecision {
	v := task.decisionView()

	eff := make(map[string]StepState, len(v.steps))
	for _, s := range v.steps {
		eff[s.ID] = s.State
	}

	// Exhausted steps and everything downstream of them get skipped.
	skips := make([]SkipDirective, 0)
	skipped := make(map[string]string)
	addSkip := func(id, cause string) {
		if _, ok := skipped[id]; ok {
			return
		}
		skipped[id] = cause
		eff[id] = StateSkipped
		skips = append(skips, SkipDirective{StepID: id, Cause: cause})
	}
	for _, s := range v.steps {
		if eff[s.ID] == StateSkipped {
			continue
		}
		cause, exhausted := exhaustionCause(s, eff[s.ID], v.threshold, v.maxAttempts)
		if !exhausted {
			continue
		}
		addSkip(s.ID, cause)
		for _, dep := range v.transitiveDependents(s.ID) {
			if eff[dep] != StateSkipped {
				addSkip(dep, fmt.Sprintf("upstream step %q skipped", s.ID))
			}
		}
	}

	// A lost required step fails the task outright.
	for _, s := range v.steps {
		if s.Required && eff[s.ID] == StateSkipped {
			reason := fmt.Sprintf("required step %q skipped", s.ID)
			if cause := skipCauseFor(s, skipped); cause != "" {
				reason = fmt.Sprintf("required step %q skipped: %s", s.ID, cause)
			}
			return ControlDecision{Kind: DecisionFail, Reason: reason, Skips: skips}
		}
	}

	// So does losing every output step.
	if len(v.leaves) > 0 {
		allLeavesSkipped := true
		for _, leaf := range v.leaves {
			if eff[leaf] != StateSkipped {
				allLeavesSkipped = false
				break
			}
		}
		if allLeavesSkipped {
			return ControlDecision{
				Kind:   DecisionFail,
				Reason: "upstream dependency skipped",
				Skips:  skips,
			}
		}
	}

	// Retry candidates: failures and below-threshold successes with
	// budget left. A below-threshold success also poisons whatever
	// downstream already consumed its result.
	candidates := make([]string, 0)
	invalidate := make([]string, 0)
	invalidated := make(map[string]bool)
	for _, s := range v.steps {
		switch eff[s.ID] {
		case StateSucceeded:
			if stepQuality(s) >= v.threshold || s.Attempt >= v.maxAttempts {
				continue
			}
			candidates = append(candidates, s.ID)
			for _, dep := range v.transitiveDependents(s.ID) {
				if invalidated[dep] {
					continue
				}
				if eff[dep] == StateSucceeded || eff[dep] == StateFailed {
					invalidated[dep] = true
					invalidate = append(invalidate, dep)
					eff[dep] = StatePending
				}
			}
		case StateFailed:
			if s.Attempt < v.maxAttempts {
				candidates = append(candidates, s.ID)
			}
		}
	}

	retries := make([]string, 0, len(candidates))
	for _, id := range candidates {
		if invalidated[id] {
			continue
		}
		retries = append(retries, id)
		eff[id] = StateRetrying
	}

	// Terminal check over the effective state.
	allTerminal := true
	for _, s := range v.steps {
		if st := eff[s.ID]; st != StateSucceeded && st != StateSkipped {
			allTerminal = false
			break
		}
	}
	if allTerminal {
		return ControlDecision{Kind: DecisionComplete, Skips: skips}
	}

	// Ready set: dispatchable steps whose dependencies all stand.
	ready := make([]string, 0)
	for _, s := range v.steps {
		if st := eff[s.ID]; st != StatePending && st != StateRetrying {
			continue
		}
		depsOK := true
		for _, dep := range s.Dependencies {
			if eff[dep] != StateSucceeded {
				depsOK = false
				break
			}
		}
		if depsOK {
			ready = append(ready, s.ID)
		}
	}

	tiers := make(map[string]Tier, len(retries))
	for _, id := range retries {
		tiers[id] = d.tiers.SelectTier(v.steps[v.index[id]], v.history)
	}

	return ControlDecision{
		Kind:       DecisionAdvance,
		Ready:      ready,
		Retries:    retries,
		Invalidate: invalidate,
		Skips:      skips,
		Tiers:      tiers,
	}
}

// exhaustionCause reports whether a step has burned its attempt budget
// without an acceptable result.
func exhaustionCause(s Step, state StepState, threshold float64, maxAttempts int) (string, bool) {
	switch state {
	case StateFailed:
		if s.Attempt >= maxAttempts {
			return fmt.Sprintf("attempts exhausted after %d failures: %s", s.Attempt, s.LastError), true
		}
	case StateSucceeded:
		q := stepQuality(s)
		if q < threshold && s.Attempt >= maxAttempts {
			return fmt.Sprintf("quality %.2f below threshold %.2f after %d attempts", q, threshold, s.Attempt), true
		}
	}
	return "", false
}

// stepQuality reads a step's quality, fail-closed when unset.
func stepQuality(s Step) float64 {
	if s.Quality == nil {
		return 0.0
	}
	return *s.Quality
}

func skipCauseFor(s Step, skipped map[string]string) string {
	if cause, ok := skipped[s.ID]; ok {
		return cause
	}
	return s.LastError
}
