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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianReports/services/report_engine/pipeline"
)

// TestNewFile_CreatesDirectory verifies the store creates its root.
func TestNewFile_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "snapshots", "nested")
	_, err := NewFile(dir)
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

// TestNewFile_RequiresDir verifies an empty directory path is rejected.
func TestNewFile_RequiresDir(t *testing.T) {
	_, err := NewFile("")
	assert.ErrorIs(t, err, pipeline.ErrInvalidInput)
}

// TestFile_RejectsUnsafeTaskIDs verifies ids that could escape the
// snapshot directory never reach the filesystem.
func TestFile_RejectsUnsafeTaskIDs(t *testing.T) {
	s, err := NewFile(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, id := range []string{"", "../evil", "a/b", "a.b", "task id"} {
		t.Run("id "+id, func(t *testing.T) {
			err := s.Save(ctx, id, snapshotFor(t, "task-x"))
			assert.ErrorIs(t, err, pipeline.ErrInvalidInput)

			_, _, err = s.Load(ctx, id)
			assert.ErrorIs(t, err, pipeline.ErrInvalidInput)

			err = s.Delete(ctx, id)
			assert.ErrorIs(t, err, pipeline.ErrInvalidInput)
		})
	}
}

// TestFile_SaveLeavesNoTempFiles verifies the temp file is consumed by the
// rename on success.
func TestFile_SaveLeavesNoTempFiles(t *testing.T) {
	s, err := NewFile(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	snap := snapshotFor(t, "task-atomic")
	require.NoError(t, s.Save(ctx, snap.TaskID, snap))
	require.NoError(t, s.Save(ctx, snap.TaskID, snap))

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasSuffix(entry.Name(), ".tmp"),
			"leftover temp file %s", entry.Name())
	}
}

// TestFile_ListSkipsForeignFiles verifies stray files in the directory do
// not show up as task ids.
func TestFile_ListSkipsForeignFiles(t *testing.T) {
	s, err := NewFile(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	snap := snapshotFor(t, "task-real")
	require.NoError(t, s.Save(ctx, snap.TaskID, snap))

	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "notes.txt"), []byte("x"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), ".snapshot-stray.tmp"), []byte("x"), 0600))
	require.NoError(t, os.Mkdir(filepath.Join(s.Dir(), "subdir"), 0750))

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"task-real"}, ids)
}

// TestFile_LoadCorruptDocument verifies unparseable bytes surface as
// snapshot corruption, not absence.
func TestFile_LoadCorruptDocument(t *testing.T) {
	s, err := NewFile(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	path := filepath.Join(s.Dir(), "task-bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, _, err = s.Load(ctx, "task-bad")
	assert.ErrorIs(t, err, pipeline.ErrSnapshotCorrupt)
}

// TestFile_DocumentIsIndented verifies the on-disk document stays readable
// for operators inspecting snapshots by hand.
func TestFile_DocumentIsIndented(t *testing.T) {
	s, err := NewFile(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	snap := snapshotFor(t, "task-pretty")
	require.NoError(t, s.Save(ctx, snap.TaskID, snap))

	data, err := os.ReadFile(filepath.Join(s.Dir(), "task-pretty.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n  \"task_id\"")
}
