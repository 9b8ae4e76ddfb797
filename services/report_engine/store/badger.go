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
	"errors"
	"fmt"
	"sort"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianReports/services/report_engine/pipeline"
	storagebadger "github.com/AleutianAI/AleutianReports/services/report_engine/storage/badger"
)

// snapshotKeyPrefix namespaces snapshot keys so the database can hold
// other record types later without key collisions.
const snapshotKeyPrefix = "snapshot/"

// Badger stores snapshots in an embedded BadgerDB instance.
//
// Thread Safety: Safe for concurrent use.
type Badger struct {
	db *storagebadger.DB
}

// NewBadger creates a snapshot store over an open database. The caller owns
// the database lifecycle; closing it invalidates the store.
func NewBadger(db *storagebadger.DB) (*Badger, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: db must not be nil", pipeline.ErrInvalidInput)
	}
	return &Badger{db: db}, nil
}

func snapshotKey(taskID string) []byte {
	return []byte(snapshotKeyPrefix + taskID)
}

// Save persists the snapshot, replacing any previous snapshot for the task.
func (s *Badger) Save(ctx context.Context, taskID string, snap pipeline.TaskSnapshot) (err error) {
	start := time.Now()
	defer func() { observeOp("badger", "save", start, err) }()

	if taskID == "" {
		return fmt.Errorf("%w: task id must not be empty", pipeline.ErrInvalidInput)
	}

	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	storeSnapshotSize.WithLabelValues("badger").Observe(float64(len(data)))

	err = s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		return txn.Set(snapshotKey(taskID), data)
	})
	if err != nil {
		return fmt.Errorf("save snapshot for task %s: %w", taskID, err)
	}
	return nil
}

// Load retrieves the snapshot for the task, reporting false when absent.
func (s *Badger) Load(ctx context.Context, taskID string) (snap pipeline.TaskSnapshot, found bool, err error) {
	start := time.Now()
	defer func() { observeOp("badger", "load", start, err) }()

	var data []byte
	err = s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		item, err := txn.Get(snapshotKey(taskID))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			err = nil
			return pipeline.TaskSnapshot{}, false, nil
		}
		return pipeline.TaskSnapshot{}, false, fmt.Errorf("load snapshot for task %s: %w", taskID, err)
	}

	snap, err = decodeSnapshot(data)
	if err != nil {
		return pipeline.TaskSnapshot{}, false, err
	}
	return snap, true, nil
}

// Delete removes the task's snapshot. Absent tasks are not an error.
func (s *Badger) Delete(ctx context.Context, taskID string) (err error) {
	start := time.Now()
	defer func() { observeOp("badger", "delete", start, err) }()

	err = s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		return txn.Delete(snapshotKey(taskID))
	})
	if err != nil {
		return fmt.Errorf("delete snapshot for task %s: %w", taskID, err)
	}
	return nil
}

// List returns the stored task ids, sorted. Iterates keys only; snapshot
// values are not fetched.
func (s *Badger) List(ctx context.Context) (ids []string, err error) {
	start := time.Now()
	defer func() { observeOp("badger", "list", start, err) }()

	prefix := []byte(snapshotKeyPrefix)
	err = s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			ids = append(ids, string(key[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	sort.Strings(ids)
	return ids, nil
}
