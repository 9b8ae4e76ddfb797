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
	"sync"
	"time"

	"github.com/google/uuid"
)

// StepKind classifies the work a step performs.
//
// Description:
//
//	The kind drives tier selection (reasoning-heavy kinds escalate to DEEP)
//	and quality evaluation (deterministic kinds score 1.0/0.0, model-backed
//	kinds report a confidence). Runner registries also dispatch on it.
type StepKind string

const (
	// KindParse parses the raw placeholder directive into a structured request.
	KindParse StepKind = "PARSE"

	// KindSemanticAnalyze maps the parsed request onto the data source schema.
	KindSemanticAnalyze StepKind = "SEMANTIC_ANALYZE"

	// KindSQLGenerate produces the SQL for the placeholder's value.
	KindSQLGenerate StepKind = "SQL_GENERATE"

	// KindValidate checks generated SQL/presentation logic before execution.
	KindValidate StepKind = "VALIDATE"

	// KindExecute runs validated SQL against the data source.
	KindExecute StepKind = "EXECUTE"

	// KindRender shapes query output into the placeholder's presentation form.
	KindRender StepKind = "RENDER"

	// KindCustom marks caller-defined step bodies.
	KindCustom StepKind = "CUSTOM"
)

// Valid returns true if the kind is a known value.
func (k StepKind) Valid() bool {
	switch k {
	case KindParse, KindSemanticAnalyze, KindSQLGenerate, KindValidate,
		KindExecute, KindRender, KindCustom:
		return true
	default:
		return false
	}
}

// Tier is the reasoning/resource level a step executes at.
type Tier string

const (
	// TierFast uses the default, cheaper reasoning path.
	TierFast Tier = "FAST"

	// TierDeep uses the stronger, slower reasoning path.
	TierDeep Tier = "DEEP"
)

// Valid returns true if the tier is a known value.
func (t Tier) Valid() bool {
	return t == TierFast || t == TierDeep
}

// StepState represents the lifecycle state of a step.
type StepState string

const (
	// StatePending indicates the step hasn't been dispatched yet.
	StatePending StepState = "PENDING"

	// StateReady indicates all dependencies succeeded and dispatch is imminent.
	StateReady StepState = "READY"

	// StateRunning indicates the step is executing.
	StateRunning StepState = "RUNNING"

	// StateSucceeded indicates the step returned a result without error.
	StateSucceeded StepState = "SUCCEEDED"

	// StateFailed indicates the step's last attempt returned an error.
	StateFailed StepState = "FAILED"

	// StateRetrying indicates the step is queued for another attempt.
	StateRetrying StepState = "RETRYING"

	// StateSkipped is terminal: the step exhausted its attempts or sits
	// downstream of one that did. Skipped steps never execute.
	StateSkipped StepState = "SKIPPED"
)

// Valid returns true if the state is a known value.
func (s StepState) Valid() bool {
	switch s {
	case StatePending, StateReady, StateRunning, StateSucceeded,
		StateFailed, StateRetrying, StateSkipped:
		return true
	default:
		return false
	}
}

// Terminal returns true for states a step never leaves on its own.
// SUCCEEDED is terminal unless the scheduler invalidates or retries the step.
func (s StepState) Terminal() bool {
	return s == StateSucceeded || s == StateSkipped
}

// TaskState represents the overall state of a task.
type TaskState string

const (
	// TaskRunning indicates the task's loop is still making progress.
	TaskRunning TaskState = "RUNNING"

	// TaskCompleted indicates the task reached a complete (possibly partial) end.
	TaskCompleted TaskState = "COMPLETED"

	// TaskFailed indicates the task terminated without usable output.
	TaskFailed TaskState = "FAILED"
)

// Step is one unit of work in a placeholder resolution task.
//
// Description:
//
//	Steps are declared up front (or appended by the scheduler) and owned by
//	their TaskContext. The engine is the only writer; runners receive value
//	copies and must treat them as read-only snapshots taken at dispatch.
type Step struct {
	// ID uniquely identifies the step within its task.
	ID string `json:"id"`

	// Kind classifies the step's work.
	Kind StepKind `json:"kind"`

	// Dependencies lists step ids that must succeed before this step runs.
	Dependencies []string `json:"dependencies,omitempty"`

	// Tier is the current reasoning tier. May be escalated on retry.
	Tier Tier `json:"tier"`

	// State is the current lifecycle state.
	State StepState `json:"state"`

	// Attempt counts execution attempts. Starts at 0, incremented at dispatch.
	Attempt int `json:"attempt"`

	// Required marks steps whose loss fails the whole task instead of
	// degrading it to a partial result.
	Required bool `json:"required,omitempty"`

	// Params carries opaque, runner-facing inputs (directive text, SQL
	// fragments, model hints). The engine never interprets it.
	Params map[string]any `json:"params,omitempty"`

	// Result is the step's output. Nil until the step has succeeded.
	Result any `json:"result,omitempty"`

	// Quality is the [0,1] confidence of the last result. Nil until a
	// result exists.
	Quality *float64 `json:"quality,omitempty"`

	// LastError describes the most recent failure, if any.
	LastError string `json:"last_error,omitempty"`
}

// clone returns a deep-enough copy for hand-off across the engine boundary.
// Result stays a shared reference; step results are treated as immutable
// once recorded.
func (s *Step) clone() *Step {
	c := *s
	if s.Dependencies != nil {
		c.Dependencies = make([]string, len(s.Dependencies))
		copy(c.Dependencies, s.Dependencies)
	}
	if s.Params != nil {
		c.Params = make(map[string]any, len(s.Params))
		for k, v := range s.Params {
			c.Params[k] = v
		}
	}
	if s.Quality != nil {
		q := *s.Quality
		c.Quality = &q
	}
	return &c
}

// HistoryEntry records one completed step attempt.
type HistoryEntry struct {
	// StepID is the step that executed.
	StepID string `json:"step_id"`

	// Attempt is the attempt number the entry records (1-based).
	Attempt int `json:"attempt"`

	// Tier is the tier the attempt ran at.
	Tier Tier `json:"tier"`

	// Quality is the evaluated quality of the attempt.
	Quality float64 `json:"quality"`

	// Timestamp is when the attempt finished.
	Timestamp time.Time `json:"timestamp"`
}

// TaskContext aggregates the steps, quality history, and task-level state of
// one placeholder resolution task.
//
// Description:
//
//	TaskContext is created from a validated step list, mutated exclusively by
//	the Engine running it, and persisted to a ContextStore after every round.
//	Read accessors are safe for concurrent use by in-flight step runners.
//
// Thread Safety:
//
//	Internally locked. Exported methods are read-only; mutation is reserved
//	for the owning engine.
type TaskContext struct {
	mu sync.RWMutex

	taskID string

	// order preserves declaration order for deterministic iteration.
	order []string
	steps map[string]*Step

	// dependents is the reverse adjacency list, in declaration order.
	dependents map[string][]string

	maxAttemptsPerStep int
	qualityThreshold   float64

	overallState TaskState
	history      []HistoryEntry

	// running is held by the Run call driving this task.
	running bool

	createdAt time.Time
	rounds    int
}

// NewTaskContext builds a TaskContext from a declared step list.
//
// Description:
//
//	Validates the step graph: ids must be non-empty and unique, kinds and
//	tiers must be known (empty tier defaults to FAST), dependencies must
//	reference declared steps, and the graph must be acyclic. Steps are
//	deep-copied; the caller's slice is not retained.
//
// Inputs:
//
//	taskID - Unique task identifier. Empty generates a UUID.
//	steps - Declared steps in declaration order. Must not be empty.
//	cfg - Task-level thresholds. Zero fields take defaults.
//
// Outputs:
//
//	*TaskContext - The validated context, overall state RUNNING.
//	error - Non-nil if validation fails (e.g. a CycleError).
func NewTaskContext(taskID string, steps []*Step, cfg Config) (*TaskContext, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: at least one step is required", ErrInvalidInput)
	}
	if taskID == "" {
		taskID = uuid.NewString()
	}

	tc := &TaskContext{
		taskID:             taskID,
		order:              make([]string, 0, len(steps)),
		steps:              make(map[string]*Step, len(steps)),
		dependents:         make(map[string][]string),
		maxAttemptsPerStep: cfg.MaxAttemptsPerStep,
		qualityThreshold:   cfg.QualityThreshold,
		overallState:       TaskRunning,
		history:            make([]HistoryEntry, 0),
		createdAt:          time.Now(),
	}

	if err := tc.admitSteps(steps); err != nil {
		return nil, err
	}
	return tc, nil
}

// admitSteps validates and installs a batch of steps. Caller holds no lock
// during construction; MergeSteps locks before calling.
func (tc *TaskContext) admitSteps(steps []*Step) error {
	batch := make([]*Step, 0, len(steps))
	for _, s := range steps {
		if s == nil {
			return ErrNilStep
		}
		if s.ID == "" {
			return fmt.Errorf("%w: step id must not be empty", ErrInvalidInput)
		}
		if !s.Kind.Valid() {
			return NewStepError(s.ID, fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, s.Kind))
		}
		c := s.clone()
		if c.Tier == "" {
			c.Tier = TierFast
		}
		if !c.Tier.Valid() {
			return NewStepError(s.ID, fmt.Errorf("%w: unknown tier %q", ErrInvalidInput, s.Tier))
		}
		if c.State == "" {
			c.State = StatePending
		}
		if !c.State.Valid() {
			return NewStepError(s.ID, fmt.Errorf("%w: unknown state %q", ErrInvalidInput, s.State))
		}
		if _, exists := tc.steps[c.ID]; exists {
			return NewStepError(c.ID, ErrDuplicateStep)
		}
		for _, b := range batch {
			if b.ID == c.ID {
				return NewStepError(c.ID, ErrDuplicateStep)
			}
		}
		batch = append(batch, c)
	}

	known := make(map[string]bool, len(tc.steps)+len(batch))
	for id := range tc.steps {
		known[id] = true
	}
	for _, s := range batch {
		known[s.ID] = true
	}
	for _, s := range batch {
		for _, dep := range s.Dependencies {
			if !known[dep] {
				return NewStepError(s.ID, fmt.Errorf("%w: %q", ErrUnknownDependency, dep))
			}
		}
	}

	// Cycle check over the merged graph.
	adj := make(map[string][]string, len(known))
	for id, s := range tc.steps {
		adj[id] = s.Dependencies
	}
	for _, s := range batch {
		adj[s.ID] = s.Dependencies
	}
	if err := detectCycles(adj); err != nil {
		return err
	}

	// Commit.
	for _, s := range batch {
		tc.order = append(tc.order, s.ID)
		tc.steps[s.ID] = s
	}
	tc.rebuildDependents()
	return nil
}

// rebuildDependents recomputes the reverse adjacency list in declaration order.
func (tc *TaskContext) rebuildDependents() {
	tc.dependents = make(map[string][]string, len(tc.steps))
	for _, id := range tc.order {
		for _, dep := range tc.steps[id].Dependencies {
			tc.dependents[dep] = append(tc.dependents[dep], id)
		}
	}
}

// detectCycles runs DFS with a recursion stack over the dependency edges.
func detectCycles(adj map[string][]string) error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	path := make([]string, 0)

	var dfs func(node string) error
	dfs = func(node string) error {
		visited[node] = true
		recStack[node] = true
		path = append(path, node)

		for _, dep := range adj[node] {
			if !visited[dep] {
				if err := dfs(dep); err != nil {
					return err
				}
			} else if recStack[dep] {
				cycleStart := -1
				for i, n := range path {
					if n == dep {
						cycleStart = i
						break
					}
				}
				cyclePath := append(path[cycleStart:], dep)
				return NewCycleError(cyclePath)
			}
		}

		path = path[:len(path)-1]
		recStack[node] = false
		return nil
	}

	for node := range adj {
		if !visited[node] {
			if err := dfs(node); err != nil {
				return err
			}
		}
	}
	return nil
}

// TaskID returns the task's unique identifier.
func (tc *TaskContext) TaskID() string {
	return tc.taskID
}

// StepIDs returns all step ids in declaration order.
func (tc *TaskContext) StepIDs() []string {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	ids := make([]string, len(tc.order))
	copy(ids, tc.order)
	return ids
}

// StepCount returns the number of declared steps.
func (tc *TaskContext) StepCount() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return len(tc.order)
}

// Step returns a copy of the step with the given id.
//
// Outputs:
//
//	Step - Value copy; mutating it does not affect the task.
//	bool - True if found.
func (tc *TaskContext) Step(id string) (Step, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	s, ok := tc.steps[id]
	if !ok {
		return Step{}, false
	}
	return *s.clone(), true
}

// StepResult returns the recorded result of a step.
//
// Outputs:
//
//	any - The result value. Nil if the step hasn't succeeded.
//	bool - True if the step exists and has a result.
func (tc *TaskContext) StepResult(id string) (any, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	s, ok := tc.steps[id]
	if !ok || s.Result == nil {
		return nil, false
	}
	return s.Result, true
}

// StepState returns the current state of a step, or StatePending if unknown.
func (tc *TaskContext) StepState(id string) StepState {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	s, ok := tc.steps[id]
	if !ok {
		return StatePending
	}
	return s.State
}

// Dependents returns the ids of steps that directly depend on the given step.
func (tc *TaskContext) Dependents(id string) []string {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	deps := tc.dependents[id]
	out := make([]string, len(deps))
	copy(out, deps)
	return out
}

// TransitiveDependents returns every step downstream of the given step,
// in breadth-first declaration order.
func (tc *TaskContext) TransitiveDependents(id string) []string {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.transitiveDependentsLocked(id)
}

func (tc *TaskContext) transitiveDependentsLocked(id string) []string {
	seen := make(map[string]bool)
	queue := append([]string(nil), tc.dependents[id]...)
	out := make([]string, 0)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, tc.dependents[next]...)
	}
	return out
}

// LeafSteps returns the ids of steps no other step depends on, in
// declaration order. Leaves are the task's output steps.
func (tc *TaskContext) LeafSteps() []string {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	leaves := make([]string, 0)
	for _, id := range tc.order {
		if len(tc.dependents[id]) == 0 {
			leaves = append(leaves, id)
		}
	}
	return leaves
}

// ReadySteps returns the ids of steps whose dependencies have all succeeded
// and that are awaiting dispatch (PENDING or RETRYING), in declaration order.
func (tc *TaskContext) ReadySteps() []string {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	ready := make([]string, 0)
	for _, id := range tc.order {
		if tc.isReadyLocked(id) {
			ready = append(ready, id)
		}
	}
	return ready
}

func (tc *TaskContext) isReadyLocked(id string) bool {
	s := tc.steps[id]
	if s.State != StatePending && s.State != StateRetrying {
		return false
	}
	for _, dep := range s.Dependencies {
		if tc.steps[dep].State != StateSucceeded {
			return false
		}
	}
	return true
}

// History returns a copy of the append-only attempt log.
func (tc *TaskContext) History() []HistoryEntry {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	out := make([]HistoryEntry, len(tc.history))
	copy(out, tc.history)
	return out
}

// OverallState returns the task's overall state.
func (tc *TaskContext) OverallState() TaskState {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.overallState
}

// QualityThreshold returns the minimum quality for accepting a result.
func (tc *TaskContext) QualityThreshold() float64 {
	return tc.qualityThreshold
}

// MaxAttemptsPerStep returns the per-step attempt budget.
func (tc *TaskContext) MaxAttemptsPerStep() int {
	return tc.maxAttemptsPerStep
}

// Rounds returns the number of completed dispatch rounds.
func (tc *TaskContext) Rounds() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.rounds
}

// CreatedAt returns when the task context was created.
func (tc *TaskContext) CreatedAt() time.Time {
	return tc.createdAt
}

// --- Engine-side mutation. Unexported: the engine is the single writer. ---

// acquireRun claims the task for a Run call. False if another Run holds it.
func (tc *TaskContext) acquireRun() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.running {
		return false
	}
	tc.running = true
	return true
}

// releaseRun releases the claim taken by acquireRun.
func (tc *TaskContext) releaseRun() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.running = false
}

// markRetrying transitions a step queued for another attempt.
func (tc *TaskContext) markRetrying(id string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if s, ok := tc.steps[id]; ok {
		s.State = StateRetrying
	}
}

// markReady transitions a step to READY just before dispatch.
func (tc *TaskContext) markReady(id string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if s, ok := tc.steps[id]; ok {
		s.State = StateReady
	}
}

// beginAttempt marks a step RUNNING and increments its attempt counter.
// Must happen before the dispatch goroutine starts to prevent double dispatch.
func (tc *TaskContext) beginAttempt(id string) (Step, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	s, ok := tc.steps[id]
	if !ok {
		return Step{}, false
	}
	s.State = StateRunning
	s.Attempt++
	return *s.clone(), true
}

// applyTier sets a step's tier. Used for scheduler escalations.
func (tc *TaskContext) applyTier(id string, tier Tier) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if s, ok := tc.steps[id]; ok {
		s.Tier = tier
	}
}

// completeStep records a successful attempt.
func (tc *TaskContext) completeStep(id string, result any, quality float64) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	s, ok := tc.steps[id]
	if !ok {
		return
	}
	s.State = StateSucceeded
	s.Result = result
	q := quality
	s.Quality = &q
	s.LastError = ""
}

// failStep records a failed attempt.
func (tc *TaskContext) failStep(id string, errMsg string, quality float64) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	s, ok := tc.steps[id]
	if !ok {
		return
	}
	s.State = StateFailed
	q := quality
	s.Quality = &q
	s.LastError = errMsg
}

// invalidateStep resets a step whose consumed input is now suspect.
// The attempt counter is preserved; results and quality are cleared.
func (tc *TaskContext) invalidateStep(id string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	s, ok := tc.steps[id]
	if !ok {
		return
	}
	s.State = StatePending
	s.Result = nil
	s.Quality = nil
	s.LastError = ""
}

// skipStep marks a step terminally skipped, recording the cause chain.
func (tc *TaskContext) skipStep(id string, cause string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	s, ok := tc.steps[id]
	if !ok {
		return
	}
	s.State = StateSkipped
	if cause != "" {
		s.LastError = cause
	}
}

// appendHistory records a finished attempt in the append-only log.
func (tc *TaskContext) appendHistory(e HistoryEntry) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.history = append(tc.history, e)
}

// setOverallState transitions the task-level state.
func (tc *TaskContext) setOverallState(st TaskState) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.overallState = st
}

// completeRound bumps the completed-round counter.
func (tc *TaskContext) completeRound() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.rounds++
	return tc.rounds
}

// MergeSteps appends scheduler-created steps to the task mid-execution.
//
// Description:
//
//	New steps join in PENDING state and are subject to the same validation as
//	construction: unique ids, known dependencies (existing or within the
//	batch), and acyclicity over the merged graph. On error the task is left
//	unchanged.
//
// Inputs:
//
//	steps - Steps to append, in declaration order.
//
// Outputs:
//
//	error - Non-nil if validation fails.
func (tc *TaskContext) MergeSteps(steps []*Step) error {
	if len(steps) == 0 {
		return nil
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.admitSteps(steps)
}

// ResultStatus classifies a finished task for the caller.
type ResultStatus string

const (
	// StatusCompleted means every step succeeded.
	StatusCompleted ResultStatus = "COMPLETED"

	// StatusPartial means the task finished with a skipped subset.
	StatusPartial ResultStatus = "PARTIAL"

	// StatusFailed means the task produced no usable output.
	StatusFailed ResultStatus = "FAILED"
)

// SkippedStep surfaces a skipped step and its failure chain to the caller.
type SkippedStep struct {
	// ID is the skipped step.
	ID string `json:"id"`

	// LastError is the cause chain recorded when the step was skipped.
	LastError string `json:"last_error,omitempty"`
}

// FinalResult is the engine's answer to the calling layer.
//
// Description:
//
//	Run always returns a FinalResult; step errors and retries are internal.
//	PerStepResults carries results of succeeded steps only. Skipped steps
//	are listed in SkippedSteps with their error chains instead of
//	contributing placeholder values.
type FinalResult struct {
	// TaskID identifies the task.
	TaskID string `json:"task_id"`

	// RunID identifies this engine run (short id, for log correlation).
	RunID string `json:"run_id"`

	// Status is COMPLETED, PARTIAL, or FAILED.
	Status ResultStatus `json:"status"`

	// Reason explains PARTIAL and FAILED outcomes.
	Reason string `json:"reason,omitempty"`

	// PerStepResults maps step id to result for every succeeded step.
	PerStepResults map[string]any `json:"per_step_results,omitempty"`

	// SkippedSteps lists steps that were skipped, with causes.
	SkippedSteps []SkippedStep `json:"skipped_steps,omitempty"`

	// Rounds is the number of dispatch rounds executed.
	Rounds int `json:"rounds"`

	// Duration is the wall-clock time of this run.
	Duration time.Duration `json:"duration"`
}
