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
	"errors"
	"math"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// memStore is an in-memory ContextStore with injectable save failures.
type memStore struct {
	mu         sync.Mutex
	snaps      map[string]TaskSnapshot
	saves      int
	failNext   int
	failAlways bool
}

func newMemStore() *memStore {
	return &memStore{snaps: make(map[string]TaskSnapshot)}
}

func (m *memStore) Save(ctx context.Context, taskID string, snap TaskSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.failAlways {
		return errors.New("store down")
	}
	if m.failNext > 0 {
		m.failNext--
		return errors.New("store hiccup")
	}
	m.snaps[taskID] = snap
	return nil
}

func (m *memStore) Load(ctx context.Context, taskID string) (TaskSnapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[taskID]
	return snap, ok, nil
}

func (m *memStore) Delete(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, taskID)
	return nil
}

func (m *memStore) List(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.snaps))
	for id := range m.snaps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memStore) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func mustEngine(t *testing.T, runner StepRunner, store ContextStore, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(runner, store, opts...)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e
}

// --- Construction Tests ---

func TestNewEngine_Validation(t *testing.T) {
	runner := NewScriptedRunner(nil)

	if _, err := NewEngine(nil, newMemStore()); !errors.Is(err, ErrNilRunner) {
		t.Errorf("nil runner error = %v, want %v", err, ErrNilRunner)
	}
	if _, err := NewEngine(runner, nil); !errors.Is(err, ErrNilStore) {
		t.Errorf("nil store error = %v, want %v", err, ErrNilStore)
	}
	if _, err := NewEngine(runner, newMemStore(),
		WithEngineConfig(EngineConfig{MaxParallel: -1})); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("bad config error = %v, want %v", err, ErrInvalidConfig)
	}
}

// --- Run Tests ---

func TestEngine_Run_SingleStep(t *testing.T) {
	task := mustTask(t, DefaultConfig(), &Step{ID: "parse", Kind: KindParse})
	store := newMemStore()
	engine := mustEngine(t, NewScriptedRunner(nil), store)

	res, err := engine.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res.Status != StatusCompleted {
		t.Errorf("Status = %v, want COMPLETED", res.Status)
	}
	if res.Rounds != 1 {
		t.Errorf("Rounds = %d, want 1", res.Rounds)
	}
	if res.PerStepResults["parse"] != "parse:ok" {
		t.Errorf("PerStepResults[parse] = %v, want parse:ok", res.PerStepResults["parse"])
	}
	if task.OverallState() != TaskCompleted {
		t.Errorf("OverallState() = %v, want COMPLETED", task.OverallState())
	}

	s, _ := task.Step("parse")
	if s.Attempt != 1 || s.Quality == nil || *s.Quality != 1.0 {
		t.Errorf("parse = attempt %d quality %v, want 1/1.0", s.Attempt, s.Quality)
	}
}

func TestEngine_Run_LinearChain(t *testing.T) {
	task := mustTask(t, DefaultConfig(),
		testStep("a"),
		testStep("b", "a"),
		testStep("c", "b"),
	)
	runner := NewScriptedRunner(map[string][]ScriptedOutcome{
		"a": {{Result: "a:ok", Confidence: 0.9}},
		"b": {{Result: "b:ok", Confidence: 0.9}},
		"c": {{Result: "c:ok", Confidence: 0.9}},
	})
	engine := mustEngine(t, runner, newMemStore())

	res, err := engine.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res.Status != StatusCompleted {
		t.Errorf("Status = %v, want COMPLETED", res.Status)
	}
	if res.Rounds != 3 {
		t.Errorf("Rounds = %d, want 3", res.Rounds)
	}
	if len(res.PerStepResults) != 3 {
		t.Errorf("PerStepResults = %v, want 3 entries", res.PerStepResults)
	}
	if len(task.History()) != 3 {
		t.Errorf("History = %d entries, want 3", len(task.History()))
	}
}

func TestEngine_Run_QualityRetryEscalatesTier(t *testing.T) {
	// parse → sql_generate → validate; sql_generate's first attempt is
	// below threshold, the retry runs DEEP and passes.
	task := mustTask(t, DefaultConfig(),
		&Step{ID: "parse", Kind: KindParse},
		&Step{ID: "sql_generate", Kind: KindSQLGenerate, Dependencies: []string{"parse"}},
		&Step{ID: "validate", Kind: KindValidate, Dependencies: []string{"sql_generate"}},
	)
	runner := NewScriptedRunner(map[string][]ScriptedOutcome{
		"sql_generate": {
			{Result: "SELECT 1", Confidence: 0.6},
			{Result: "SELECT 2", Confidence: 0.9},
		},
		"validate": {{Result: "valid", Confidence: 0.95}},
	})
	engine := mustEngine(t, runner, newMemStore())

	res, err := engine.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res.Status != StatusCompleted {
		t.Fatalf("Status = %v, want COMPLETED", res.Status)
	}
	if res.Rounds != 4 {
		t.Errorf("Rounds = %d, want 4", res.Rounds)
	}

	sql, _ := task.Step("sql_generate")
	if sql.Attempt != 2 {
		t.Errorf("sql_generate.Attempt = %d, want 2", sql.Attempt)
	}
	if sql.Tier != TierDeep {
		t.Errorf("sql_generate.Tier = %v, want DEEP", sql.Tier)
	}
	if sql.Quality == nil || *sql.Quality != 0.9 {
		t.Errorf("sql_generate.Quality = %v, want 0.9", sql.Quality)
	}
	if sql.Result != "SELECT 2" {
		t.Errorf("sql_generate.Result = %v, want accepted retry value", sql.Result)
	}

	history := task.History()
	if len(history) != 4 {
		t.Fatalf("History = %d entries, want 4", len(history))
	}
	first, second := history[1], history[2]
	if first.StepID != "sql_generate" || first.Attempt != 1 ||
		first.Tier != TierFast || first.Quality != 0.6 {
		t.Errorf("first sql attempt = %+v, want attempt 1 FAST 0.6", first)
	}
	if second.StepID != "sql_generate" || second.Attempt != 2 ||
		second.Tier != TierDeep || second.Quality != 0.9 {
		t.Errorf("second sql attempt = %+v, want attempt 2 DEEP 0.9", second)
	}
}

func TestEngine_Run_ExhaustionYieldsPartial(t *testing.T) {
	// a fails both attempts; b sits downstream; c is an independent
	// survivor keeping one output alive.
	task := mustTask(t, Config{MaxAttemptsPerStep: 2, QualityThreshold: 0.8},
		testStep("a"),
		testStep("b", "a"),
		testStep("c"),
	)
	runner := NewScriptedRunner(map[string][]ScriptedOutcome{
		"a": {{Err: errors.New("boom")}},
		"c": {{Result: "c:ok", Confidence: 0.9}},
	})
	engine := mustEngine(t, runner, newMemStore())

	res, err := engine.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res.Status != StatusPartial {
		t.Fatalf("Status = %v, want PARTIAL", res.Status)
	}
	if len(res.SkippedSteps) != 2 {
		t.Fatalf("SkippedSteps = %v, want a and b", res.SkippedSteps)
	}
	if res.SkippedSteps[0].ID != "a" ||
		!strings.Contains(res.SkippedSteps[0].LastError, "attempts exhausted") {
		t.Errorf("SkippedSteps[0] = %+v, want exhaustion cause", res.SkippedSteps[0])
	}
	if res.SkippedSteps[1].ID != "b" ||
		!strings.Contains(res.SkippedSteps[1].LastError, `upstream step "a"`) {
		t.Errorf("SkippedSteps[1] = %+v, want upstream cause", res.SkippedSteps[1])
	}

	if _, ok := res.PerStepResults["a"]; ok {
		t.Error("skipped step a leaked into PerStepResults")
	}
	if res.PerStepResults["c"] != "c:ok" {
		t.Errorf("PerStepResults[c] = %v, want c:ok", res.PerStepResults["c"])
	}

	a, _ := task.Step("a")
	if a.Attempt != 2 {
		t.Errorf("a.Attempt = %d, want 2 (budget spent)", a.Attempt)
	}
	if b, _ := task.Step("b"); b.Attempt != 0 {
		t.Errorf("b.Attempt = %d, want 0 (never executed)", b.Attempt)
	}
	if runner.Calls("b") != 0 {
		t.Errorf("b executed %d times, want 0", runner.Calls("b"))
	}
}

func TestEngine_Run_LostChainFails(t *testing.T) {
	task := mustTask(t, Config{MaxAttemptsPerStep: 2, QualityThreshold: 0.8},
		testStep("a"),
		testStep("b", "a"),
	)
	runner := NewScriptedRunner(map[string][]ScriptedOutcome{
		"a": {{Err: errors.New("boom")}},
	})
	engine := mustEngine(t, runner, newMemStore())

	res, err := engine.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res.Status != StatusFailed {
		t.Errorf("Status = %v, want FAILED", res.Status)
	}
	if res.Reason != "upstream dependency skipped" {
		t.Errorf("Reason = %q, want %q", res.Reason, "upstream dependency skipped")
	}
	if task.OverallState() != TaskFailed {
		t.Errorf("OverallState() = %v, want FAILED", task.OverallState())
	}
}

func TestEngine_Run_RequiredStepFails(t *testing.T) {
	task := mustTask(t, Config{MaxAttemptsPerStep: 1, QualityThreshold: 0.8},
		&Step{ID: "a", Kind: KindCustom, Required: true},
		testStep("c"),
	)
	runner := NewScriptedRunner(map[string][]ScriptedOutcome{
		"a": {{Err: errors.New("boom")}},
		"c": {{Result: "c:ok", Confidence: 0.9}},
	})
	engine := mustEngine(t, runner, newMemStore())

	res, err := engine.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res.Status != StatusFailed {
		t.Errorf("Status = %v, want FAILED", res.Status)
	}
	if !strings.Contains(res.Reason, `required step "a"`) {
		t.Errorf("Reason = %q, want required-step mention", res.Reason)
	}
}

func TestEngine_Run_ParallelDispatch(t *testing.T) {
	//     a   b   (independent, must overlap)
	//      \ /
	//       d
	var active, maxActive int64
	runner := RunnerFunc(func(ctx context.Context, step Step, task *TaskContext) (any, float64, error) {
		if step.ID == "d" {
			return "d:ok", 0.9, nil
		}
		cur := atomic.AddInt64(&active, 1)
		for {
			old := atomic.LoadInt64(&maxActive)
			if cur <= old || atomic.CompareAndSwapInt64(&maxActive, old, cur) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt64(&active, -1)
		return step.ID + ":ok", 0.9, nil
	})

	task := mustTask(t, DefaultConfig(),
		testStep("a"),
		testStep("b"),
		testStep("d", "a", "b"),
	)
	engine := mustEngine(t, runner, newMemStore())

	res, err := engine.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res.Status != StatusCompleted {
		t.Errorf("Status = %v, want COMPLETED", res.Status)
	}
	if res.Rounds != 2 {
		t.Errorf("Rounds = %d, want 2", res.Rounds)
	}
	if atomic.LoadInt64(&maxActive) < 2 {
		t.Errorf("maxActive = %d, want >= 2 (a and b overlapping)", maxActive)
	}
}

func TestEngine_Run_MaxParallelBounds(t *testing.T) {
	var active, maxActive int64
	runner := RunnerFunc(func(ctx context.Context, step Step, task *TaskContext) (any, float64, error) {
		cur := atomic.AddInt64(&active, 1)
		for {
			old := atomic.LoadInt64(&maxActive)
			if cur <= old || atomic.CompareAndSwapInt64(&maxActive, old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&active, -1)
		return step.ID + ":ok", 0.9, nil
	})

	steps := make([]*Step, 0, 6)
	for _, id := range []string{"s1", "s2", "s3", "s4", "s5", "s6"} {
		steps = append(steps, testStep(id))
	}
	task := mustTask(t, DefaultConfig(), steps...)
	engine := mustEngine(t, runner, newMemStore(),
		WithEngineConfig(EngineConfig{MaxParallel: 2}))

	res, err := engine.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res.Status != StatusCompleted {
		t.Errorf("Status = %v, want COMPLETED", res.Status)
	}
	if got := atomic.LoadInt64(&maxActive); got > 2 {
		t.Errorf("maxActive = %d, want <= 2", got)
	}
}

func TestEngine_Run_StepTimeout(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, step Step, task *TaskContext) (any, float64, error) {
		select {
		case <-time.After(5 * time.Second):
			return "late", 0.9, nil
		case <-ctx.Done():
			return nil, math.NaN(), ctx.Err()
		}
	})

	task := mustTask(t, Config{MaxAttemptsPerStep: 1, QualityThreshold: 0.8},
		testStep("slow"))
	engine := mustEngine(t, runner, newMemStore(),
		WithEngineConfig(EngineConfig{StepTimeout: 30 * time.Millisecond}))

	res, err := engine.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res.Status != StatusFailed {
		t.Errorf("Status = %v, want FAILED", res.Status)
	}
	s, _ := task.Step("slow")
	if !strings.Contains(s.LastError, "timed out") {
		t.Errorf("LastError = %q, want timeout mention", s.LastError)
	}
}

func TestEngine_Run_Cancellation(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	runner := RunnerFunc(func(ctx context.Context, step Step, task *TaskContext) (any, float64, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, math.NaN(), ctx.Err()
	})

	task := mustTask(t, DefaultConfig(), testStep("wait"))
	engine := mustEngine(t, runner, newMemStore())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	res, err := engine.Run(ctx, task)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res.Status != StatusFailed {
		t.Errorf("Status = %v, want FAILED", res.Status)
	}
	if res.Reason != "cancelled" {
		t.Errorf("Reason = %q, want cancelled", res.Reason)
	}
	s, _ := task.Step("wait")
	if s.State != StateFailed || !strings.Contains(s.LastError, "cancelled") {
		t.Errorf("wait = %v/%q, want FAILED with cancelled error", s.State, s.LastError)
	}
}

func TestEngine_Run_PersistenceRetryRecovers(t *testing.T) {
	store := newMemStore()
	store.failNext = 1

	task := mustTask(t, DefaultConfig(), testStep("a"))
	engine := mustEngine(t, NewScriptedRunner(map[string][]ScriptedOutcome{
		"a": {{Result: "a:ok", Confidence: 0.9}},
	}), store)

	res, err := engine.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != StatusCompleted {
		t.Errorf("Status = %v, want COMPLETED after save retry", res.Status)
	}
	if store.saveCount() < 2 {
		t.Errorf("saves = %d, want the failed attempt plus its retry", store.saveCount())
	}
}

func TestEngine_Run_PersistenceUnavailableFails(t *testing.T) {
	store := newMemStore()
	store.failAlways = true

	task := mustTask(t, DefaultConfig(), testStep("a"))
	engine := mustEngine(t, NewScriptedRunner(map[string][]ScriptedOutcome{
		"a": {{Result: "a:ok", Confidence: 0.9}},
	}), store)

	res, err := engine.Run(context.Background(), task)

	if !errors.Is(err, ErrPersistenceUnavailable) {
		t.Fatalf("error = %v, want %v", err, ErrPersistenceUnavailable)
	}
	if res.Status != StatusFailed {
		t.Errorf("Status = %v, want FAILED", res.Status)
	}
	if res.Reason != "persistence unavailable" {
		t.Errorf("Reason = %q, want persistence unavailable", res.Reason)
	}
}

func TestEngine_Run_TerminalTaskRejected(t *testing.T) {
	task := mustTask(t, DefaultConfig(), testStep("a"))
	task.setOverallState(TaskCompleted)

	engine := mustEngine(t, NewScriptedRunner(nil), newMemStore())
	_, err := engine.Run(context.Background(), task)

	if !errors.Is(err, ErrTaskTerminal) {
		t.Errorf("error = %v, want %v", err, ErrTaskTerminal)
	}
}

func TestEngine_Run_ConcurrentRunRejected(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	runner := RunnerFunc(func(ctx context.Context, step Step, task *TaskContext) (any, float64, error) {
		once.Do(func() { close(started) })
		<-release
		return "ok", 0.9, nil
	})

	task := mustTask(t, DefaultConfig(), testStep("a"))
	engine := mustEngine(t, runner, newMemStore())

	done := make(chan error, 1)
	go func() {
		_, err := engine.Run(context.Background(), task)
		done <- err
	}()
	<-started

	_, err := engine.Run(context.Background(), task)
	if !errors.Is(err, ErrTaskRunning) {
		t.Errorf("second Run error = %v, want %v", err, ErrTaskRunning)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Run error = %v", err)
	}
}

// stuckScheduler always advances with nothing to dispatch.
type stuckScheduler struct{}

func (stuckScheduler) Decide(*TaskContext) ControlDecision {
	return ControlDecision{Kind: DecisionAdvance}
}

func TestEngine_Run_NoProgressFails(t *testing.T) {
	task := mustTask(t, DefaultConfig(), testStep("a"))
	engine := mustEngine(t, NewScriptedRunner(nil), newMemStore(),
		WithScheduler(stuckScheduler{}))

	res, err := engine.Run(context.Background(), task)

	if !errors.Is(err, ErrNoProgress) {
		t.Fatalf("error = %v, want %v", err, ErrNoProgress)
	}
	if res.Status != StatusFailed {
		t.Errorf("Status = %v, want FAILED", res.Status)
	}
}

// growingScheduler appends a fallback step on its first ADVANCE.
type growingScheduler struct {
	inner Scheduler
	added bool
}

func (g *growingScheduler) Decide(task *TaskContext) ControlDecision {
	d := g.inner.Decide(task)
	if !g.added && d.Kind == DecisionAdvance {
		g.added = true
		d.NewSteps = []*Step{
			{ID: "fallback", Kind: KindCustom, Dependencies: []string{"a"}},
		}
	}
	return d
}

func TestEngine_Run_SchedulerGrowsGraph(t *testing.T) {
	task := mustTask(t, DefaultConfig(), testStep("a"))
	runner := NewScriptedRunner(map[string][]ScriptedOutcome{
		"a":        {{Result: "a:ok", Confidence: 0.9}},
		"fallback": {{Result: "fb:ok", Confidence: 0.9}},
	})
	engine := mustEngine(t, runner, newMemStore(),
		WithScheduler(&growingScheduler{inner: NewDefaultScheduler(nil)}))

	res, err := engine.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res.Status != StatusCompleted {
		t.Fatalf("Status = %v, want COMPLETED", res.Status)
	}
	if task.StepCount() != 2 {
		t.Errorf("StepCount() = %d, want 2 after merge", task.StepCount())
	}
	if res.PerStepResults["fallback"] != "fb:ok" {
		t.Errorf("PerStepResults[fallback] = %v, want fb:ok", res.PerStepResults["fallback"])
	}
}

// --- Resume Tests ---

func TestEngine_Resume_ContinuesFromCheckpoint(t *testing.T) {
	build := func() []*Step {
		return []*Step{
			testStep("a"),
			testStep("b", "a"),
			testStep("c", "b"),
		}
	}
	scripts := map[string][]ScriptedOutcome{
		"a": {{Result: "a:ok", Confidence: 0.9}},
		"b": {{Result: "b:ok", Confidence: 0.9}},
		"c": {{Result: "c:ok", Confidence: 0.9}},
	}

	// Uninterrupted reference run.
	refTask := mustTask(t, DefaultConfig(), build()...)
	refEngine := mustEngine(t, NewScriptedRunner(scripts), newMemStore())
	refRes, err := refEngine.Run(context.Background(), refTask)
	if err != nil {
		t.Fatalf("reference Run() error = %v", err)
	}

	// Crash simulation: round 1 completed and checkpointed, then the
	// process dies. Only the stored snapshot survives.
	crashed := mustTask(t, DefaultConfig(), build()...)
	runStepSuccess(crashed, "a", 0.9)
	crashed.completeRound()
	snap, err := crashed.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	store := newMemStore()
	if err := store.Save(context.Background(), crashed.TaskID(), snap); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	engine := mustEngine(t, NewScriptedRunner(scripts), store)
	res, err := engine.Resume(context.Background(), crashed.TaskID())
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	if res.Status != StatusCompleted {
		t.Fatalf("Status = %v, want COMPLETED", res.Status)
	}
	if !reflect.DeepEqual(res.PerStepResults, refRes.PerStepResults) {
		t.Errorf("resumed results = %v, want %v (same as uninterrupted)",
			res.PerStepResults, refRes.PerStepResults)
	}
	if res.Rounds != 3 {
		t.Errorf("Rounds = %d, want 3 (1 checkpointed + 2 resumed)", res.Rounds)
	}
}

func TestEngine_Resume_UnknownTask(t *testing.T) {
	engine := mustEngine(t, NewScriptedRunner(nil), newMemStore())

	_, err := engine.Resume(context.Background(), "ghost")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("error = %v, want %v", err, ErrTaskNotFound)
	}
}

func TestEngine_Resume_TerminalTask(t *testing.T) {
	task := mustTask(t, DefaultConfig(), testStep("a"))
	runStepSuccess(task, "a", 0.9)
	task.setOverallState(TaskCompleted)
	snap, err := task.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	store := newMemStore()
	if err := store.Save(context.Background(), task.TaskID(), snap); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	engine := mustEngine(t, NewScriptedRunner(nil), store)
	_, err = engine.Resume(context.Background(), task.TaskID())
	if !errors.Is(err, ErrTaskTerminal) {
		t.Errorf("error = %v, want %v", err, ErrTaskTerminal)
	}
}

func TestEngine_Run_RetryDelay(t *testing.T) {
	task := mustTask(t, DefaultConfig(), testStep("a"))
	runner := NewScriptedRunner(map[string][]ScriptedOutcome{
		"a": {
			{Err: errors.New("flaky")},
			{Result: "a:ok", Confidence: 0.9},
		},
	})
	engine := mustEngine(t, runner, newMemStore(),
		WithEngineConfig(EngineConfig{RetryDelay: 10 * time.Millisecond}))

	start := time.Now()
	res, err := engine.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res.Status != StatusCompleted {
		t.Errorf("Status = %v, want COMPLETED", res.Status)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("elapsed = %v, want >= retry delay", elapsed)
	}
}
