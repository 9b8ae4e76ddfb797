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
	"fmt"
)

// Sentinel errors for the pipeline package.
var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNilStep is returned when a nil step is provided.
	ErrNilStep = errors.New("step must not be nil")

	// ErrNilRunner is returned when an engine is built without a step runner.
	ErrNilRunner = errors.New("step runner must not be nil")

	// ErrNilStore is returned when an engine is built without a context store.
	ErrNilStore = errors.New("context store must not be nil")

	// ErrDuplicateStep is returned when adding a step with an existing id.
	ErrDuplicateStep = errors.New("step with this id already exists")

	// ErrStepNotFound is returned when a referenced step doesn't exist.
	ErrStepNotFound = errors.New("step not found")

	// ErrUnknownDependency is returned when a step depends on an undeclared step.
	ErrUnknownDependency = errors.New("dependency references unknown step")

	// ErrCycleDetected is returned when the step graph contains a cycle.
	ErrCycleDetected = errors.New("cycle detected in step graph")

	// ErrNoProgress is returned when no steps can make progress (deadlock).
	ErrNoProgress = errors.New("no progress possible: deadlock or missing dependency")

	// ErrStepTimeout is returned when a step exceeds its timeout.
	ErrStepTimeout = errors.New("step execution timed out")

	// ErrTaskTerminal is returned when running a task already in a terminal state.
	ErrTaskTerminal = errors.New("task is already in a terminal state")

	// ErrTaskRunning is returned when a task is handed to Run twice concurrently.
	ErrTaskRunning = errors.New("task is already running")

	// ErrTaskNotFound is returned when resuming a task the store doesn't hold.
	ErrTaskNotFound = errors.New("task not found in context store")

	// ErrSnapshotCorrupt is returned when a snapshot fails checksum verification.
	ErrSnapshotCorrupt = errors.New("snapshot data is corrupt")

	// ErrSnapshotVersionMismatch is returned when snapshot version doesn't match.
	ErrSnapshotVersionMismatch = errors.New("snapshot version mismatch")

	// ErrPersistenceUnavailable is returned when a round checkpoint cannot be
	// saved even after the immediate retry. It is the only runtime error class
	// the engine surfaces instead of absorbing, because continuing without a
	// checkpoint would break the resume guarantee.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")

	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)

// StepError wraps an error with the step that caused it.
type StepError struct {
	StepID string
	Err    error
}

// Error returns the error message.
func (e *StepError) Error() string {
	return fmt.Sprintf("step %q: %v", e.StepID, e.Err)
}

// Unwrap returns the underlying error.
func (e *StepError) Unwrap() error {
	return e.Err
}

// NewStepError creates a StepError.
func NewStepError(stepID string, err error) *StepError {
	return &StepError{
		StepID: stepID,
		Err:    err,
	}
}

// CycleError provides details about a detected cycle.
type CycleError struct {
	Path []string
}

// Error returns the cycle description.
func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %v", e.Path)
}

// Unwrap links CycleError to the ErrCycleDetected sentinel.
func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}

// NewCycleError creates a CycleError.
func NewCycleError(path []string) *CycleError {
	return &CycleError{Path: path}
}
