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
	"errors"
	"testing"
)

func snapshotFixture(t *testing.T) (*TaskContext, TaskSnapshot) {
	t.Helper()
	task := mustTask(t, DefaultConfig(),
		testStep("a"),
		testStep("b", "a"),
	)
	runStepSuccess(task, "a", 0.9)
	task.completeRound()

	snap, err := task.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	return task, snap
}

func TestTaskSnapshot_Verify(t *testing.T) {
	_, snap := snapshotFixture(t)

	if err := snap.Verify(); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if snap.Version != SnapshotVersion {
		t.Errorf("Version = %q, want %q", snap.Version, SnapshotVersion)
	}
	if snap.Checksum == "" {
		t.Error("Checksum is empty")
	}
}

func TestTaskSnapshot_Verify_DetectsTampering(t *testing.T) {
	_, snap := snapshotFixture(t)

	snap.Steps[0].Quality = qptr(1.0)

	err := snap.Verify()
	if !errors.Is(err, ErrSnapshotCorrupt) {
		t.Errorf("Verify() error = %v, want %v", err, ErrSnapshotCorrupt)
	}
}

func TestTaskSnapshot_Verify_VersionMismatch(t *testing.T) {
	_, snap := snapshotFixture(t)

	snap.Version = "0.9.0"

	err := snap.Verify()
	if !errors.Is(err, ErrSnapshotVersionMismatch) {
		t.Errorf("Verify() error = %v, want %v", err, ErrSnapshotVersionMismatch)
	}
}

func TestRestoreTaskContext_RoundTrip(t *testing.T) {
	task, snap := snapshotFixture(t)

	restored, err := RestoreTaskContext(snap)
	if err != nil {
		t.Fatalf("RestoreTaskContext() error = %v", err)
	}

	if restored.TaskID() != task.TaskID() {
		t.Errorf("TaskID() = %q, want %q", restored.TaskID(), task.TaskID())
	}
	if restored.Rounds() != 1 {
		t.Errorf("Rounds() = %d, want 1", restored.Rounds())
	}
	if restored.OverallState() != TaskRunning {
		t.Errorf("OverallState() = %v, want RUNNING", restored.OverallState())
	}
	if restored.MaxAttemptsPerStep() != task.MaxAttemptsPerStep() {
		t.Errorf("MaxAttemptsPerStep() = %d, want %d",
			restored.MaxAttemptsPerStep(), task.MaxAttemptsPerStep())
	}

	a, _ := restored.Step("a")
	if a.State != StateSucceeded || a.Attempt != 1 {
		t.Errorf("a = %v/%d, want SUCCEEDED/1", a.State, a.Attempt)
	}
	if a.Quality == nil || *a.Quality != 0.9 {
		t.Errorf("a.Quality = %v, want 0.9", a.Quality)
	}
	if len(restored.History()) != 1 {
		t.Errorf("History = %d entries, want 1", len(restored.History()))
	}
	if ready := restored.ReadySteps(); len(ready) != 1 || ready[0] != "b" {
		t.Errorf("ReadySteps() = %v, want [b]", ready)
	}
}

func TestRestoreTaskContext_NormalizesInFlightStates(t *testing.T) {
	// A snapshot torn mid-dispatch must not wedge: interrupted attempts
	// re-run.
	task := mustTask(t, DefaultConfig(),
		testStep("a"),
		testStep("b"),
	)
	task.markReady("b")
	task.beginAttempt("a") // RUNNING, attempt 1

	snap, err := task.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	restored, err := RestoreTaskContext(snap)
	if err != nil {
		t.Fatalf("RestoreTaskContext() error = %v", err)
	}

	a, _ := restored.Step("a")
	if a.State != StateRetrying || a.Attempt != 1 {
		t.Errorf("a = %v/%d, want RETRYING/1 (attempt already spent)", a.State, a.Attempt)
	}
	b, _ := restored.Step("b")
	if b.State != StatePending {
		t.Errorf("b = %v, want PENDING", b.State)
	}
}

func TestRestoreTaskContext_RejectsCorrupt(t *testing.T) {
	_, snap := snapshotFixture(t)
	snap.Checksum = "0000"

	_, err := RestoreTaskContext(snap)
	if !errors.Is(err, ErrSnapshotCorrupt) {
		t.Errorf("error = %v, want %v", err, ErrSnapshotCorrupt)
	}
}
