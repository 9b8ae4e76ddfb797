// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store provides durable backends for task snapshots.
//
// Three backends implement pipeline.ContextStore:
//
//   - Memory: process-local, for tests and dry runs.
//   - File: one JSON document per task with atomic replace, for single
//     operator machines.
//   - Badger: embedded BadgerDB, for long-lived daemons that resume tasks
//     across restarts.
//
// Backends persist and retrieve snapshots verbatim. Integrity checking
// belongs to pipeline.RestoreTaskContext, which verifies version and
// checksum before rebuilding a task. The store layer only rejects bytes
// that no longer parse as a snapshot.
package store

import (
	"encoding/json"
	"fmt"

	"github.com/AleutianAI/AleutianReports/services/report_engine/pipeline"
)

var (
	_ pipeline.ContextStore = (*Memory)(nil)
	_ pipeline.ContextStore = (*File)(nil)
	_ pipeline.ContextStore = (*Badger)(nil)
)

// encodeSnapshot marshals a snapshot for storage.
func encodeSnapshot(snap pipeline.TaskSnapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot for task %s: %w", snap.TaskID, err)
	}
	return data, nil
}

// decodeSnapshot unmarshals stored bytes. Bytes that do not parse surface
// as ErrSnapshotCorrupt so callers can distinguish damage from absence.
func decodeSnapshot(data []byte) (pipeline.TaskSnapshot, error) {
	var snap pipeline.TaskSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return pipeline.TaskSnapshot{}, fmt.Errorf("%w: %v", pipeline.ErrSnapshotCorrupt, err)
	}
	return snap, nil
}
