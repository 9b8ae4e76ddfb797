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

// ValidatedSQL is a reviewed query cleared for execution. Query may differ
// from the generated one when the reviewer repaired it.
type ValidatedSQL struct {
	Query string `json:"query"`
	// Issues lists reviewer findings that did not block approval.
	Issues []string `json:"issues,omitempty"`
}

// ValidateRunner reviews a generated query before it touches the
// warehouse. A deterministic read-only check runs first; only queries
// that pass it are worth model review. Rejection is an ordinary step
// failure, so the engine's retry ladder gets a chance to regenerate.
type ValidateRunner struct {
	gen TierGenerator
}

// NewValidateRunner builds the runner.
func NewValidateRunner(gen TierGenerator) *ValidateRunner {
	return &ValidateRunner{gen: gen}
}

const validatePromptFormat = `You review SQLite SQL before it runs against a reporting warehouse.

Placeholder request (JSON):
%s

Candidate query:
%s

Check that the query answers the request, aggregates at a sensible grain,
and contains no writes, DDL, or schema inspection. Repair small problems
yourself; reject anything structurally wrong.

Reply with a single JSON object and nothing else:
{"content":{"approved":true,"query":"final SELECT ...","issues":["..."]},"confidence":0.0}`

// validateVerdict is the reviewer's reply payload.
type validateVerdict struct {
	Approved bool     `json:"approved"`
	Query    string   `json:"query"`
	Issues   []string `json:"issues"`
}

// Execute implements pipeline.StepRunner.
func (v *ValidateRunner) Execute(ctx context.Context, step pipeline.Step, task *pipeline.TaskContext) (any, float64, error) {
	rawSQL, ok := ancestorResultByKind(task, step, pipeline.KindSQLGenerate)
	if !ok {
		return nil, 0, fmt.Errorf("step %s: no completed SQL_GENERATE step upstream", step.ID)
	}
	generated, err := coerceResult[GeneratedSQL](rawSQL)
	if err != nil {
		return nil, 0, fmt.Errorf("step %s: %w", step.ID, err)
	}
	if err := ensureReadOnly(generated.Query); err != nil {
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

	prompt := fmt.Sprintf(validatePromptFormat, reqJSON, generated.Query)
	answer, err := v.gen.Generate(ctx, tierRoute(step), prompt, defaultParams(0.0, 1024))
	if err != nil {
		return nil, 0, fmt.Errorf("step %s: %w", step.ID, err)
	}

	reply, err := parseModelReply(answer)
	if err != nil {
		return nil, 0, fmt.Errorf("step %s: %w", step.ID, err)
	}
	var verdict validateVerdict
	if err := json.Unmarshal(reply.Content, &verdict); err != nil {
		return nil, 0, fmt.Errorf("step %s: malformed review payload: %w", step.ID, err)
	}
	if !verdict.Approved {
		return nil, 0, fmt.Errorf("step %s: query rejected: %s", step.ID, summarizeIssues(verdict.Issues))
	}

	final := strings.TrimSpace(verdict.Query)
	if final == "" {
		final = generated.Query
	}
	// The reviewer's repair must obey the same guard as the original.
	if err := ensureReadOnly(final); err != nil {
		return nil, 0, fmt.Errorf("step %s: reviewed query: %w", step.ID, err)
	}
	return ValidatedSQL{Query: final, Issues: verdict.Issues}, reply.Confidence, nil
}

func summarizeIssues(issues []string) string {
	if len(issues) == 0 {
		return "no reason given"
	}
	return strings.Join(issues, "; ")
}
