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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// SnapshotVersion is the current snapshot format version. Bump on
// incompatible changes to TaskSnapshot.
const SnapshotVersion = "1.0.0"

// TaskSnapshot is the serializable projection of a TaskContext.
//
// Description:
//
//	Snapshots are written to the ContextStore after every completed round
//	and carry everything needed to resume: steps with their states and
//	attempt counters, the attempt history, and the task-level knobs.
//	Integrity is a SHA-256 checksum over the JSON encoding with the
//	checksum field blanked. Step results must be JSON-encodable; numeric
//	results round-trip as float64.
type TaskSnapshot struct {
	// TaskID identifies the task.
	TaskID string `json:"task_id"`

	// Steps holds every step in declaration order.
	Steps []Step `json:"steps"`

	// History is the append-only attempt log.
	History []HistoryEntry `json:"history"`

	// OverallState is the task state at save time.
	OverallState TaskState `json:"overall_state"`

	// MaxAttemptsPerStep and QualityThreshold reproduce the task config.
	MaxAttemptsPerStep int     `json:"max_attempts_per_step"`
	QualityThreshold   float64 `json:"quality_threshold"`

	// Rounds counts completed dispatch rounds at save time.
	Rounds int `json:"rounds"`

	// CreatedAt is the task's creation time.
	CreatedAt time.Time `json:"created_at"`

	// SavedAt is when the snapshot was taken.
	SavedAt time.Time `json:"saved_at"`

	// Version is the snapshot format version.
	Version string `json:"version"`

	// Checksum is the integrity hash, hex-encoded.
	Checksum string `json:"checksum"`
}

// ContextStore persists task snapshots between rounds and across restarts.
//
// Description:
//
//	Save must be atomic per task id: a reader never observes a torn
//	snapshot. Load's bool reports whether the task exists.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use.
type ContextStore interface {
	// Save persists the snapshot under its task id, replacing any
	// previous snapshot for the task.
	Save(ctx context.Context, taskID string, snap TaskSnapshot) error

	// Load retrieves the latest snapshot for the task.
	Load(ctx context.Context, taskID string) (TaskSnapshot, bool, error)

	// Delete removes the task's snapshot. Deleting an absent task is
	// not an error.
	Delete(ctx context.Context, taskID string) error

	// List returns the stored task ids, sorted.
	List(ctx context.Context) ([]string, error)
}

// Snapshot produces a verifiable snapshot of the task's current state.
func (tc *TaskContext) Snapshot() (TaskSnapshot, error) {
	tc.mu.RLock()
	snap := TaskSnapshot{
		TaskID:             tc.taskID,
		Steps:              make([]Step, 0, len(tc.order)),
		History:            make([]HistoryEntry, len(tc.history)),
		OverallState:       tc.overallState,
		MaxAttemptsPerStep: tc.maxAttemptsPerStep,
		QualityThreshold:   tc.qualityThreshold,
		Rounds:             tc.rounds,
		CreatedAt:          tc.createdAt,
		SavedAt:            time.Now().UTC(),
		Version:            SnapshotVersion,
	}
	for _, id := range tc.order {
		snap.Steps = append(snap.Steps, *tc.steps[id].clone())
	}
	copy(snap.History, tc.history)
	tc.mu.RUnlock()

	checksum, err := computeSnapshotChecksum(snap)
	if err != nil {
		return TaskSnapshot{}, fmt.Errorf("computing snapshot checksum: %w", err)
	}
	snap.Checksum = checksum
	return snap, nil
}

// Verify checks the snapshot's version and integrity.
func (s TaskSnapshot) Verify() error {
	if s.Version != SnapshotVersion {
		return fmt.Errorf("%w: snapshot version %q, expected %q",
			ErrSnapshotVersionMismatch, s.Version, SnapshotVersion)
	}
	expected, err := computeSnapshotChecksum(s)
	if err != nil {
		return fmt.Errorf("recomputing snapshot checksum: %w", err)
	}
	if s.Checksum != expected {
		return fmt.Errorf("%w: checksum mismatch", ErrSnapshotCorrupt)
	}
	return nil
}

// computeSnapshotChecksum hashes the JSON encoding with the checksum
// field blanked.
func computeSnapshotChecksum(s TaskSnapshot) (string, error) {
	s.Checksum = ""
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// RestoreTaskContext rebuilds a TaskContext from a verified snapshot.
//
// Description:
//
//	The step graph is re-validated on the way in. Transient states that
//	cannot legitimately appear at a round barrier are normalized: RUNNING
//	and READY steps fall back to RETRYING (attempt already spent) or
//	PENDING, so an interrupted dispatch re-runs instead of wedging.
//
// Outputs:
//
//	*TaskContext - Ready to resume.
//	error - Verification or graph validation failure.
func RestoreTaskContext(snap TaskSnapshot) (*TaskContext, error) {
	if err := snap.Verify(); err != nil {
		return nil, err
	}
	if snap.TaskID == "" {
		return nil, fmt.Errorf("%w: snapshot has no task id", ErrInvalidInput)
	}
	if len(snap.Steps) == 0 {
		return nil, fmt.Errorf("%w: snapshot has no steps", ErrInvalidInput)
	}

	cfg := Config{
		MaxAttemptsPerStep: snap.MaxAttemptsPerStep,
		QualityThreshold:   snap.QualityThreshold,
	}.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tc := &TaskContext{
		taskID:             snap.TaskID,
		order:              make([]string, 0, len(snap.Steps)),
		steps:              make(map[string]*Step, len(snap.Steps)),
		dependents:         make(map[string][]string),
		maxAttemptsPerStep: cfg.MaxAttemptsPerStep,
		qualityThreshold:   cfg.QualityThreshold,
		overallState:       snap.OverallState,
		history:            make([]HistoryEntry, len(snap.History)),
		createdAt:          snap.CreatedAt,
		rounds:             snap.Rounds,
	}
	copy(tc.history, snap.History)
	if tc.overallState == "" {
		tc.overallState = TaskRunning
	}

	steps := make([]*Step, 0, len(snap.Steps))
	for i := range snap.Steps {
		steps = append(steps, &snap.Steps[i])
	}
	if err := tc.admitSteps(steps); err != nil {
		return nil, err
	}

	for _, s := range tc.steps {
		if s.State == StateRunning || s.State == StateReady {
			if s.Attempt > 0 {
				s.State = StateRetrying
			} else {
				s.State = StatePending
			}
		}
	}
	return tc, nil
}
