// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command reportgen resolves report placeholders through the quality-gated
// step pipeline.
//
// A placeholder task is a small DAG of steps (parse, semantic analysis, SQL
// generation, validation, execution, rendering) declared in a YAML task
// definition. The engine runs ready steps in rounds, gates each result on a
// quality threshold, retries weak results on the deep model route, and
// checkpoints after every round so an interrupted task resumes where it
// stopped.
//
// Usage:
//
//	reportgen run --task revenue.yaml
//	reportgen run --directive "metric: total_revenue; period: 2025-Q4; group: region"
//	reportgen resume --task-id revenue-q4
//	reportgen inspect
//	reportgen inspect --task-id revenue-q4
//	reportgen watch --dir ./tasks
//
// Configuration merges flags over environment variables over an optional
// config file (--config) over defaults. On a terminal, results print as
// human-readable text; piped output switches to JSON (force it with --json).
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}
}
