// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianReports/services/report_engine/pipeline"
)

// Memory is an in-process snapshot store.
//
// Snapshots are held as marshaled JSON rather than live structs, so loads
// observe the same type normalization as the durable backends (step results
// come back as decoded JSON values, not the originals) and callers can
// never mutate stored state through a shared pointer.
//
// Thread Safety: Safe for concurrent use.
type Memory struct {
	mu    sync.RWMutex
	snaps map[string][]byte
}

// NewMemory creates an empty in-memory snapshot store.
func NewMemory() *Memory {
	return &Memory{snaps: make(map[string][]byte)}
}

// Save stores the snapshot, replacing any previous snapshot for the task.
func (s *Memory) Save(_ context.Context, taskID string, snap pipeline.TaskSnapshot) (err error) {
	start := time.Now()
	defer func() { observeOp("memory", "save", start, err) }()

	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	storeSnapshotSize.WithLabelValues("memory").Observe(float64(len(data)))

	s.mu.Lock()
	s.snaps[taskID] = data
	s.mu.Unlock()
	return nil
}

// Load retrieves the snapshot for the task, reporting false when absent.
func (s *Memory) Load(_ context.Context, taskID string) (snap pipeline.TaskSnapshot, found bool, err error) {
	start := time.Now()
	defer func() { observeOp("memory", "load", start, err) }()

	s.mu.RLock()
	data, ok := s.snaps[taskID]
	s.mu.RUnlock()
	if !ok {
		return pipeline.TaskSnapshot{}, false, nil
	}

	snap, err = decodeSnapshot(data)
	if err != nil {
		return pipeline.TaskSnapshot{}, false, err
	}
	return snap, true, nil
}

// Delete removes the task's snapshot. Absent tasks are not an error.
func (s *Memory) Delete(_ context.Context, taskID string) error {
	start := time.Now()
	defer func() { observeOp("memory", "delete", start, nil) }()

	s.mu.Lock()
	delete(s.snaps, taskID)
	s.mu.Unlock()
	return nil
}

// List returns the stored task ids, sorted.
func (s *Memory) List(_ context.Context) ([]string, error) {
	start := time.Now()
	defer func() { observeOp("memory", "list", start, nil) }()

	s.mu.RLock()
	ids := make([]string, 0, len(s.snaps))
	for id := range s.snaps {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	return ids, nil
}

// Len reports the number of stored snapshots.
func (s *Memory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snaps)
}
