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
	"strings"

	"github.com/AleutianAI/AleutianReports/services/report_engine/pipeline"
)

// GeneratedSQL is a candidate query for a placeholder, before review.
type GeneratedSQL struct {
	Query string `json:"query"`
	// Rationale is the model's one-paragraph account of the query shape.
	Rationale string `json:"rationale,omitempty"`
}

// SQLGenerateRunner asks a model to write a single SELECT for the
// semantic plan. The query is reviewed by VALIDATE and guarded again at
// execution, so this step optimizes for recall, not safety.
type SQLGenerateRunner struct {
	gen TierGenerator
}

// NewSQLGenerateRunner builds the runner.
func NewSQLGenerateRunner(gen TierGenerator) *SQLGenerateRunner {
	return &SQLGenerateRunner{gen: gen}
}

const sqlgenPromptFormat = `You write SQLite SQL for a reporting warehouse.

Placeholder request (JSON):
%s

Semantic plan (JSON):
%s

Write one SELECT statement that produces the requested metric at the
plan's grain. Apply the request's filters as WHERE equality predicates and
its group_by dimensions as GROUP BY columns. No DDL, no writes, no
multiple statements, no trailing semicolon.

Reply with a single JSON object and nothing else:
{"content":{"query":"SELECT ...","rationale":"..."},"confidence":0.0}`

// Execute implements pipeline.StepRunner.
func (g *SQLGenerateRunner) Execute(ctx context.Context, step pipeline.Step, task *pipeline.TaskContext) (any, float64, error) {
	rawPlan, ok := ancestorResultByKind(task, step, pipeline.KindSemanticAnalyze)
	if !ok {
		return nil, 0, fmt.Errorf("step %s: no completed SEMANTIC_ANALYZE step upstream", step.ID)
	}
	plan, err := coerceResult[SemanticPlan](rawPlan)
	if err != nil {
		return nil, 0, fmt.Errorf("step %s: %w", step.ID, err)
	}

	var req PlaceholderRequest
	if rawReq, ok := ancestorResultByKind(task, step, pipeline.KindParse); ok {
		if req, err = coerceResult[PlaceholderRequest](rawReq); err != nil {
			return nil, 0, fmt.Errorf("step %s: %w", step.ID, err)
		}
	}

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, 0, fmt.Errorf("step %s: encode request: %w", step.ID, err)
	}
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return nil, 0, fmt.Errorf("step %s: encode plan: %w", step.ID, err)
	}

	prompt := fmt.Sprintf(sqlgenPromptFormat, reqJSON, planJSON)
	answer, err := g.gen.Generate(ctx, tierRoute(step), prompt, defaultParams(0.1, 1024))
	if err != nil {
		return nil, 0, fmt.Errorf("step %s: %w", step.ID, err)
	}

	reply, err := parseModelReply(answer)
	if err != nil {
		return nil, 0, fmt.Errorf("step %s: %w", step.ID, err)
	}
	var sql GeneratedSQL
	if err := json.Unmarshal(reply.Content, &sql); err != nil {
		return nil, 0, fmt.Errorf("step %s: malformed query payload: %w", step.ID, err)
	}
	sql.Query = strings.TrimSpace(sql.Query)
	if sql.Query == "" {
		return nil, 0, fmt.Errorf("step %s: model returned an empty query", step.ID)
	}
	return sql, reply.Confidence, nil
}
