// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOpen_InMemory verifies in-memory database creation works.
func TestOpen_InMemory(t *testing.T) {
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	err = db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("key"), []byte("value"))
	})
	require.NoError(t, err)

	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("key"))
		require.NoError(t, err)

		return item.Value(func(val []byte) error {
			assert.Equal(t, []byte("value"), val)
			return nil
		})
	})
	require.NoError(t, err)
}

// TestOpen_PersistsAcrossReopen verifies data survives a close and reopen.
func TestOpen_PersistsAcrossReopen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()

	db, err := Open(cfg)
	require.NoError(t, err)

	err = db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("persistent-key"), []byte("persistent-value"))
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := Open(cfg)
	require.NoError(t, err)
	defer db2.Close()

	err = db2.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("persistent-key"))
		require.NoError(t, err)

		return item.Value(func(val []byte) error {
			assert.Equal(t, []byte("persistent-value"), val)
			return nil
		})
	})
	require.NoError(t, err)
}

// TestOpen_RequiresPath verifies that persistent mode requires a path.
func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{InMemory: false, Path: ""})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

// TestConfigDefaults verifies the canned configurations.
func TestConfigDefaults(t *testing.T) {
	t.Run("DefaultConfig is durable with GC", func(t *testing.T) {
		cfg := DefaultConfig()
		assert.True(t, cfg.SyncWrites)
		assert.False(t, cfg.InMemory)
		assert.Equal(t, 5*time.Minute, cfg.GCInterval)
		assert.Equal(t, 0.5, cfg.GCDiscardRatio)
	})

	t.Run("InMemoryConfig disables persistence", func(t *testing.T) {
		cfg := InMemoryConfig()
		assert.True(t, cfg.InMemory)
		assert.False(t, cfg.SyncWrites)
		assert.Equal(t, time.Duration(0), cfg.GCInterval)
	})
}

// TestOpenDB_Lifecycle verifies the managed wrapper opens, reports its
// mode, and closes cleanly.
func TestOpenDB_Lifecycle(t *testing.T) {
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)

	assert.True(t, db.InMemory())
	assert.Empty(t, db.Path())
	require.NoError(t, db.Close())
}

// TestOpenDB_StartsGCForPersistent verifies the GC runner starts and stops
// with the database.
func TestOpenDB_StartsGCForPersistent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.GCInterval = 10 * time.Millisecond

	db, err := OpenDB(cfg)
	require.NoError(t, err)
	require.NotNil(t, db.gcRunner)

	// Let a few GC ticks fire before shutdown.
	time.Sleep(35 * time.Millisecond)
	require.NoError(t, db.Close())
}

// TestNewGCRunner_Validation verifies constructor argument checks.
func TestNewGCRunner_Validation(t *testing.T) {
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	t.Run("nil db", func(t *testing.T) {
		_, err := NewGCRunner(nil, time.Minute, 0.5, nil)
		assert.Error(t, err)
	})

	t.Run("zero interval", func(t *testing.T) {
		_, err := NewGCRunner(db, 0, 0.5, nil)
		assert.Error(t, err)
	})

	t.Run("ratio out of range", func(t *testing.T) {
		_, err := NewGCRunner(db, time.Minute, 1.5, nil)
		assert.Error(t, err)
	})
}
