// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline implements the step-orchestration engine that resolves a
// single report placeholder through its dependency graph of steps.
//
// A placeholder resolution task moves through a small DAG of steps (parse →
// semantic-analyze → generate-SQL → validate → execute → render). The engine
// drives that graph in rounds:
//   - Quality-gated retries: a step that succeeds below the quality threshold
//     is retried, and downstream steps that consumed its suspect result are
//     invalidated so they re-run against the corrected value.
//   - Tier escalation: retries may be promoted from the FAST reasoning tier
//     to DEEP, based on per-step and task-wide quality trends.
//   - Dependency-aware concurrency: independent ready steps run in parallel
//     within a round, bounded by configurable parallelism, with a barrier
//     between rounds.
//   - Checkpoint/resume: every completed round is persisted to a ContextStore
//     so a crashed task resumes from its last round instead of from scratch.
//
// Step bodies are opaque: the engine dispatches them to an injected
// StepRunner and treats the returned (result, confidence, error) uniformly.
//
// # Thread Safety
//
// TaskContext is mutated only by the engine that runs it (single writer);
// its read accessors are safe for concurrent use by in-flight runners.
// Engine is safe for concurrent use across distinct tasks.
//
// # Example
//
//	steps := pipeline.StandardPlaceholderSteps("{{ metric: total_revenue; period: 2025-Q3 }}")
//	task, err := pipeline.NewTaskContext("", steps, pipeline.DefaultConfig())
//	engine, err := pipeline.NewEngine(runner, store)
//	result, err := engine.Run(ctx, task)
package pipeline
