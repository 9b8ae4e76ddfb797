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
	"github.com/spf13/cobra"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	// Persistent flags
	flagConfig    string
	flagLogLevel  string
	flagLogFormat string
	flagTelemetry bool
	flagJSON      bool

	// run
	flagTaskFile  string
	flagDirective string
	flagTaskID    string
	flagStoreDir  string
	flagBackend   string

	// inspect
	flagInspectTaskID string

	// watch
	flagWatchDir      string
	flagWatchDebounce string
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

// rootCmd is the reportgen entry point.
var rootCmd = &cobra.Command{
	Use:   "reportgen",
	Short: "Resolve report placeholders through the quality-gated step pipeline",
	Long: `reportgen runs placeholder tasks: small DAGs of steps that turn a
report directive into queried, rendered values.

Each step's result is gated on a quality score. Weak results retry on the
deep model route before the step is given up and its dependents skipped.
Every round is checkpointed, so an interrupted task resumes where it
stopped.

Examples:
  reportgen run --task revenue.yaml
  reportgen run --directive "metric: total_revenue; period: 2025-Q4; group: region"
  reportgen resume --task-id revenue-q4
  reportgen inspect --task-id revenue-q4
  reportgen watch --dir ./tasks`,
}

// runCmd executes one task to completion.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a placeholder task to completion",
	Long: `Run loads a task definition, compiles it into a step plan, and runs
the plan through the engine.

The task comes from a YAML definition file (--task) or, for the common
case, from a single directive (--directive) expanded into the standard
six-step pipeline. Directives are "key: value" pairs separated by
semicolons: metric (required), period, group, filter, chart.

Examples:
  reportgen run --task revenue.yaml
  reportgen run --task revenue.yaml --backend badger --store ./snapshots
  reportgen run --directive "metric: total_revenue; period: 2025-Q4; group: region"
  reportgen run --directive "metric: headcount; group: site" --task-id headcount-2026`,
	Run: runRun,
}

// resumeCmd continues a checkpointed task.
var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a checkpointed task from the snapshot store",
	Long: `Resume restores the task's last snapshot and continues the round
loop. Steps that already succeeded keep their results; in-flight work
that never committed runs again.

Examples:
  reportgen resume --task-id revenue-q4
  reportgen resume --task-id revenue-q4 --backend badger --store ./snapshots`,
	Run: runResume,
}

// inspectCmd lists or dumps stored snapshots.
var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "List stored task snapshots, or dump one",
	Long: `Without --task-id, inspect lists the task ids present in the
snapshot store. With --task-id, it dumps that task's snapshot as JSON.

Examples:
  reportgen inspect
  reportgen inspect --task-id revenue-q4
  reportgen inspect --backend file --store ./snapshots --json`,
	Run: runInspect,
}

// watchCmd runs task files as they appear or change.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch a directory and run task files as they change",
	Long: `Watch observes a directory of YAML task definitions and runs each
file when it appears or changes. Changes are debounced, so an editor
writing a file several times triggers one run.

Stops on SIGINT/SIGTERM; the in-flight task drains and checkpoints first.

Examples:
  reportgen watch --dir ./tasks
  reportgen watch --dir ./tasks --debounce 2s --backend badger`,
	Run: runWatch,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "",
		"Path to a YAML/JSON config file")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "",
		"Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "",
		"Log format: auto, text, json")
	rootCmd.PersistentFlags().BoolVar(&flagTelemetry, "telemetry", false,
		"Enable trace/metric export (otlp traces, prometheus metrics)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false,
		"Output as JSON for scripting")

	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&flagTaskFile, "task", "",
		"Path to a YAML task definition")
	runCmd.Flags().StringVar(&flagDirective, "directive", "",
		"Run the standard pipeline for one directive instead of a file")
	runCmd.Flags().StringVar(&flagTaskID, "task-id", "",
		"Task id override (defaults to the definition's, or a generated id)")
	runCmd.Flags().StringVar(&flagStoreDir, "store", "",
		"Snapshot store directory (file and badger backends)")
	runCmd.Flags().StringVar(&flagBackend, "backend", "",
		"Snapshot store backend: memory, file, or badger")

	rootCmd.AddCommand(resumeCmd)
	resumeCmd.Flags().StringVar(&flagTaskID, "task-id", "",
		"Task id to resume (required)")
	resumeCmd.Flags().StringVar(&flagStoreDir, "store", "",
		"Snapshot store directory (file and badger backends)")
	resumeCmd.Flags().StringVar(&flagBackend, "backend", "",
		"Snapshot store backend: memory, file, or badger")

	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().StringVar(&flagInspectTaskID, "task-id", "",
		"Dump this task's snapshot instead of listing ids")
	inspectCmd.Flags().StringVar(&flagStoreDir, "store", "",
		"Snapshot store directory (file and badger backends)")
	inspectCmd.Flags().StringVar(&flagBackend, "backend", "",
		"Snapshot store backend: memory, file, or badger")

	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&flagWatchDir, "dir", "",
		"Directory of task definitions to watch (required)")
	watchCmd.Flags().StringVar(&flagWatchDebounce, "debounce", "",
		"Debounce window for file changes (e.g. 500ms, 2s)")
	watchCmd.Flags().StringVar(&flagStoreDir, "store", "",
		"Snapshot store directory (file and badger backends)")
	watchCmd.Flags().StringVar(&flagBackend, "backend", "",
		"Snapshot store backend: memory, file, or badger")
}
