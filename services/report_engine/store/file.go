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
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianReports/services/report_engine/pipeline"
)

// validTaskIDPattern constrains task ids used as file names. Rejects path
// separators and dots so a task id can never escape the snapshot directory.
var validTaskIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const snapshotFileExt = ".json"

// File stores one JSON snapshot document per task in a directory.
//
// Writes are atomic: the snapshot is written to a temp file, synced, then
// renamed over the previous document. A crash mid-save leaves the prior
// snapshot intact.
//
// Thread Safety: Safe for concurrent use across tasks. Concurrent saves of
// the same task serialize on the rename; last writer wins.
type File struct {
	dir string
}

// NewFile creates a file-backed snapshot store rooted at dir, creating the
// directory if needed.
func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: dir must not be empty", pipeline.ErrInvalidInput)
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create snapshot directory %s: %w", dir, err)
	}
	return &File{dir: dir}, nil
}

// Dir returns the snapshot directory.
func (s *File) Dir() string {
	return s.dir
}

func (s *File) path(taskID string) string {
	return filepath.Join(s.dir, taskID+snapshotFileExt)
}

func checkTaskID(taskID string) error {
	if !validTaskIDPattern.MatchString(taskID) {
		return fmt.Errorf("%w: task id must match pattern [a-zA-Z0-9_-]+, got %q", pipeline.ErrInvalidInput, taskID)
	}
	return nil
}

// Save writes the snapshot atomically, replacing any previous document.
func (s *File) Save(_ context.Context, taskID string, snap pipeline.TaskSnapshot) (err error) {
	start := time.Now()
	defer func() { observeOp("file", "save", start, err) }()

	if err = checkTaskID(taskID); err != nil {
		return err
	}

	// Indented for operator readability; snapshots are small.
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot for task %s: %w", taskID, err)
	}
	storeSnapshotSize.WithLabelValues("file").Observe(float64(len(data)))

	tempFile, err := os.CreateTemp(s.dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tempPath)
		}
	}()

	if _, err = tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err = tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err = tempFile.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}

	if err = os.Rename(tempPath, s.path(taskID)); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}

	success = true
	return nil
}

// Load reads the snapshot for the task, reporting false when no document
// exists.
func (s *File) Load(_ context.Context, taskID string) (snap pipeline.TaskSnapshot, found bool, err error) {
	start := time.Now()
	defer func() { observeOp("file", "load", start, err) }()

	if err = checkTaskID(taskID); err != nil {
		return pipeline.TaskSnapshot{}, false, err
	}

	data, err := os.ReadFile(s.path(taskID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return pipeline.TaskSnapshot{}, false, nil
		}
		return pipeline.TaskSnapshot{}, false, fmt.Errorf("read snapshot for task %s: %w", taskID, err)
	}

	snap, err = decodeSnapshot(data)
	if err != nil {
		return pipeline.TaskSnapshot{}, false, err
	}
	return snap, true, nil
}

// Delete removes the task's snapshot document. Absent tasks are not an
// error.
func (s *File) Delete(_ context.Context, taskID string) (err error) {
	start := time.Now()
	defer func() { observeOp("file", "delete", start, err) }()

	if err = checkTaskID(taskID); err != nil {
		return err
	}

	if err = os.Remove(s.path(taskID)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("delete snapshot for task %s: %w", taskID, err)
	}
	return nil
}

// List returns the stored task ids, sorted. Files that do not look like
// snapshot documents (temp files, foreign names) are skipped.
func (s *File) List(_ context.Context) (ids []string, err error) {
	start := time.Now()
	defer func() { observeOp("file", "list", start, err) }()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read snapshot directory %s: %w", s.dir, err)
	}

	ids = make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, snapshotFileExt) {
			continue
		}
		id := strings.TrimSuffix(name, snapshotFileExt)
		if !validTaskIDPattern.MatchString(id) {
			continue
		}
		ids = append(ids, id)
	}

	sort.Strings(ids)
	return ids, nil
}
