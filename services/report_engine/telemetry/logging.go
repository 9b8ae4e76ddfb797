// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// LoggerWithTrace returns a logger with trace context injected.
//
// Description:
//
//	Extracts trace_id and span_id from the context and adds them as
//	structured log fields. This enables log correlation in Grafana/Loki
//	with traces in Jaeger.
//
// Inputs:
//
//	ctx - Context containing span context. May be nil or have no active span.
//	logger - Base logger to enhance. Must not be nil.
//
// Outputs:
//
//	*slog.Logger - Logger with trace_id and span_id fields added if available.
//	              Returns the original logger if no valid span context.
//
// Example:
//
//	func (e *Engine) Run(ctx context.Context, task *TaskContext) error {
//	    logger := telemetry.LoggerWithTrace(ctx, e.logger)
//	    logger.Info("run started")
//	}
//
// Thread Safety: Safe for concurrent use.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if ctx == nil {
		return logger
	}

	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}

	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}

// LoggerWithStep returns a logger with trace context and a step id.
//
// Description:
//
//	Combines LoggerWithTrace with a step identifier for pipeline execution
//	logging. Useful for distinguishing log entries from different steps
//	running in the same round.
//
// Inputs:
//
//	ctx - Context containing span context.
//	logger - Base logger to enhance.
//	stepID - Id of the current step (e.g., "sql_generate").
//
// Outputs:
//
//	*slog.Logger - Logger with trace_id, span_id, and step fields.
//
// Thread Safety: Safe for concurrent use.
func LoggerWithStep(ctx context.Context, logger *slog.Logger, stepID string) *slog.Logger {
	return LoggerWithTrace(ctx, logger).With(
		slog.String("step", stepID),
	)
}

// LoggerWithTask returns a logger with trace context and a task id.
//
// Description:
//
//	Adds the task identifier for tracking related log entries across the
//	rounds of a single placeholder resolution run.
//
// Inputs:
//
//	ctx - Context containing span context.
//	logger - Base logger to enhance.
//	taskID - Unique task identifier.
//
// Outputs:
//
//	*slog.Logger - Logger with trace_id, span_id, and task_id fields.
//
// Thread Safety: Safe for concurrent use.
func LoggerWithTask(ctx context.Context, logger *slog.Logger, taskID string) *slog.Logger {
	return LoggerWithTrace(ctx, logger).With(
		slog.String("task_id", taskID),
	)
}
