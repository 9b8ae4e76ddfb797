// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianReports/services/report_engine/pipeline"
)

// runInspect lists stored task ids, or dumps one task's snapshot.
//
// Inspect only needs the store, so it wires the snapshot backend directly
// instead of standing up the full engine.
func runInspect(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg, err := loadAppConfig()
	if err != nil {
		outputError("startup failed", err)
		os.Exit(exitError)
	}

	logger := newLogger(cfg.Logging)
	defer logger.Close()

	st, closer, err := openStore(cfg.Store, logger.Slog())
	if err != nil {
		outputError("open store", err)
		os.Exit(exitError)
	}
	if closer != nil {
		defer closer()
	}

	if flagInspectTaskID != "" {
		dumpSnapshot(ctx, st, flagInspectTaskID)
		return
	}
	listSnapshots(ctx, st)
}

// listSnapshots prints the stored task ids.
func listSnapshots(ctx context.Context, st pipeline.ContextStore) {
	ids, err := st.List(ctx)
	if err != nil {
		outputError("list snapshots", err)
		os.Exit(exitError)
	}

	if useJSONOutput() {
		if err := outputJSON(map[string]any{"tasks": ids}); err != nil {
			outputError("encode output", err)
			os.Exit(exitError)
		}
		return
	}

	if len(ids) == 0 {
		fmt.Println("No stored tasks.")
		return
	}
	fmt.Printf("Stored tasks (%d):\n", len(ids))
	for _, id := range ids {
		fmt.Printf("  %s\n", id)
	}
}

// dumpSnapshot prints one task's snapshot. Snapshots are stored documents
// with no terse rendering, so the dump is always JSON; on a terminal a
// status line precedes it.
func dumpSnapshot(ctx context.Context, st pipeline.ContextStore, taskID string) {
	snap, found, err := st.Load(ctx, taskID)
	if err != nil {
		outputError("load snapshot", err)
		os.Exit(exitError)
	}
	if !found {
		outputError("load snapshot", fmt.Errorf("no snapshot for task %q", taskID))
		os.Exit(exitError)
	}

	if !useJSONOutput() {
		fmt.Printf("Task %s (saved %s):\n", taskID,
			snap.SavedAt.Format(time.RFC3339))
	}
	if err := outputJSON(snap); err != nil {
		outputError("encode snapshot", err)
		os.Exit(exitError)
	}
}
