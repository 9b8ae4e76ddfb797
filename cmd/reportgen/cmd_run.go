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
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianReports/services/report_engine/pipeline"
	"github.com/AleutianAI/AleutianReports/services/report_engine/taskdef"
)

// runRun executes the run command: load or synthesize a definition, compile
// it, run it, print the result.
func runRun(cmd *cobra.Command, args []string) {
	if (flagTaskFile == "") == (flagDirective == "") {
		outputError("invalid arguments",
			errors.New("exactly one of --task or --directive is required"))
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

	task, err := compileTask()
	if err != nil {
		outputError("load task", err)
		os.Exit(exitError)
	}

	result, err := a.engine.Run(ctx, task)
	if err != nil {
		outputError("run task", err)
		os.Exit(exitError)
	}

	printResult(result, useJSONOutput())
	os.Exit(exitCode(result))
}

// runResume executes the resume command: restore a checkpointed task from
// the store and continue it.
func runResume(cmd *cobra.Command, args []string) {
	if flagTaskID == "" {
		outputError("invalid arguments", errors.New("--task-id is required"))
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

	result, err := a.engine.Resume(ctx, flagTaskID)
	if err != nil {
		outputError("resume task", err)
		os.Exit(exitError)
	}

	printResult(result, useJSONOutput())
	os.Exit(exitCode(result))
}

// compileTask builds the TaskContext from --task or --directive, applying
// the --task-id override.
func compileTask() (*pipeline.TaskContext, error) {
	var def *taskdef.Definition
	var err error

	if flagTaskFile != "" {
		def, err = taskdef.Load(flagTaskFile)
		if err != nil {
			return nil, err
		}
	} else {
		def = taskdef.Standard(flagTaskID, flagDirective)
	}

	if flagTaskID != "" {
		def.TaskID = flagTaskID
	}
	return def.Compile()
}

// signalContext returns a context cancelled on SIGINT/SIGTERM. The engine
// treats cancellation as a drain: in-flight steps finish, the task
// checkpoints, and the partial result comes back.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}
