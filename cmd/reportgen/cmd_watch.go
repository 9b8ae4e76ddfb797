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
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianReports/services/report_engine/taskdef"
	"github.com/AleutianAI/AleutianReports/services/report_engine/watch"
)

// runWatch executes the watch command: observe a task directory and run
// definitions as they appear or change.
func runWatch(cmd *cobra.Command, args []string) {
	if flagWatchDir == "" {
		outputError("invalid arguments", errors.New("--dir is required"))
		os.Exit(exitError)
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		outputError("startup failed", err)
		os.Exit(exitError)
	}
	defer a.close()

	opts := watch.DefaultOptions()
	opts.Logger = a.logger.Slog()
	if flagWatchDebounce != "" {
		d, err := time.ParseDuration(flagWatchDebounce)
		if err != nil {
			outputError("invalid arguments", err)
			os.Exit(exitError)
		}
		opts.DebounceWindow = d
	}

	// Task runs happen inside the watcher's dispatch goroutine, so files
	// changed during a run queue up and trigger one batch afterward.
	watcher, err := watch.New(flagWatchDir, func(changes []watch.Change) {
		for _, c := range changes {
			if c.Op == watch.OpRemove {
				continue
			}
			runTaskFile(ctx, a, c.Path)
		}
	}, &opts)
	if err != nil {
		outputError("create watcher", err)
		os.Exit(exitError)
	}

	if err := watcher.Start(ctx); err != nil {
		outputError("start watcher", err)
		os.Exit(exitError)
	}
	defer watcher.Stop()

	a.logger.Info("Watching for task definitions",
		"dir", flagWatchDir,
		"debounce", opts.DebounceWindow.String())

	<-ctx.Done()
	a.logger.Info("Watch stopped")
}

// runTaskFile loads, compiles, and runs one definition file. Failures are
// logged, never fatal: one bad file must not stop the watch loop.
func runTaskFile(ctx context.Context, a *app, path string) {
	if ctx.Err() != nil {
		return
	}

	def, err := taskdef.Load(path)
	if err != nil {
		a.logger.Warn("Skipping task file", "path", path, "error", err.Error())
		return
	}
	task, err := def.Compile()
	if err != nil {
		a.logger.Warn("Skipping task file", "path", path, "error", err.Error())
		return
	}

	a.logger.Info("Running task", "path", path, "task_id", task.TaskID())

	result, err := a.engine.Run(ctx, task)
	if err != nil {
		a.logger.Error("Task run failed", "path", path, "error", err.Error())
		return
	}
	printResult(result, useJSONOutput())
}
