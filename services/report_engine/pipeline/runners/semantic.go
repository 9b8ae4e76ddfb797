// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runners

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/AleutianAI/AleutianReports/services/report_engine/pipeline"
)

// SemanticPlan maps a placeholder request onto the warehouse vocabulary:
// which tables and columns carry the metric, and at what grain it must be
// aggregated.
type SemanticPlan struct {
	Tables  []string `json:"tables"`
	Columns []string `json:"columns"`
	// Grain names the aggregation level, e.g. "one row per region".
	Grain string `json:"grain"`
	// Notes carries caveats the model wants downstream steps to see.
	Notes string `json:"notes,omitempty"`
}

// SchemaSource supplies a human-readable schema document for prompts.
type SchemaSource interface {
	SchemaDoc(ctx context.Context) (string, error)
}

// SemanticRunner asks a model to resolve a PlaceholderRequest against the
// warehouse schema. Confidence comes from the model's self-assessment.
type SemanticRunner struct {
	gen    TierGenerator
	schema SchemaSource
}

// NewSemanticRunner builds the runner. schema may be nil; prompts then
// state that no schema is available and the model must rely on the
// request alone.
func NewSemanticRunner(gen TierGenerator, schema SchemaSource) *SemanticRunner {
	return &SemanticRunner{gen: gen, schema: schema}
}

const semanticPromptFormat = `You plan warehouse queries for a reporting system.

Warehouse schema:
%s

Placeholder request (JSON):
%s

Identify the tables and columns that carry this metric and the aggregation
grain one result row must represent. Stay strictly within the schema; if
the metric cannot be resolved, say so in notes and lower your confidence.

Reply with a single JSON object and nothing else:
{"content":{"tables":["..."],"columns":["..."],"grain":"...","notes":"..."},"confidence":0.0}`

// Execute implements pipeline.StepRunner.
func (s *SemanticRunner) Execute(ctx context.Context, step pipeline.Step, task *pipeline.TaskContext) (any, float64, error) {
	raw, ok := ancestorResultByKind(task, step, pipeline.KindParse)
	if !ok {
		return nil, 0, fmt.Errorf("step %s: no completed PARSE step upstream", step.ID)
	}
	req, err := coerceResult[PlaceholderRequest](raw)
	if err != nil {
		return nil, 0, fmt.Errorf("step %s: %w", step.ID, err)
	}

	schemaDoc := "(no schema available)"
	if s.schema != nil {
		doc, err := s.schema.SchemaDoc(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("step %s: load schema: %w", step.ID, err)
		}
		if doc != "" {
			schemaDoc = doc
		}
	}

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, 0, fmt.Errorf("step %s: encode request: %w", step.ID, err)
	}

	prompt := fmt.Sprintf(semanticPromptFormat, schemaDoc, reqJSON)
	answer, err := s.gen.Generate(ctx, tierRoute(step), prompt, defaultParams(0.2, 1024))
	if err != nil {
		return nil, 0, fmt.Errorf("step %s: %w", step.ID, err)
	}

	reply, err := parseModelReply(answer)
	if err != nil {
		return nil, 0, fmt.Errorf("step %s: %w", step.ID, err)
	}
	var plan SemanticPlan
	if err := json.Unmarshal(reply.Content, &plan); err != nil {
		return nil, 0, fmt.Errorf("step %s: malformed semantic plan: %w", step.ID, err)
	}
	if len(plan.Tables) == 0 {
		return nil, 0, fmt.Errorf("step %s: semantic plan names no tables", step.ID)
	}
	return plan, reply.Confidence, nil
}
