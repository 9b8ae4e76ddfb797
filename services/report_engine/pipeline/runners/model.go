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

	"github.com/AleutianAI/AleutianReports/services/llm"
	"github.com/AleutianAI/AleutianReports/services/report_engine/pipeline"
)

// TierGenerator is the slice of llm.Router the model-backed runners use.
type TierGenerator interface {
	Generate(ctx context.Context, route string, prompt string, params llm.GenerationParams) (string, error)
}

// tierRoute maps a step's reasoning tier onto a router route name.
func tierRoute(step pipeline.Step) string {
	if step.Tier == pipeline.TierDeep {
		return llm.RouteDeep
	}
	return llm.RouteFast
}

// modelReply is the envelope every model-backed runner asks the model to
// produce. Content is runner-specific JSON; Confidence is the model's
// self-assessment in [0,1].
type modelReply struct {
	Content    json.RawMessage `json:"content"`
	Confidence float64         `json:"confidence"`
}

// stripFences removes a surrounding markdown code fence if present. Models
// often wrap JSON in ```json blocks despite instructions.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// parseModelReply decodes the reply envelope, failing closed: any shape
// problem is an error, never a guessed result.
func parseModelReply(raw string) (modelReply, error) {
	var reply modelReply
	cleaned := stripFences(raw)
	if err := json.Unmarshal([]byte(cleaned), &reply); err != nil {
		return modelReply{}, fmt.Errorf("malformed model reply: %w", err)
	}
	if len(reply.Content) == 0 {
		return modelReply{}, fmt.Errorf("model reply missing content")
	}
	return reply, nil
}

// ancestorResultByKind walks the step's dependencies breadth-first
// (nearest first) and returns the result of the first upstream step with
// the given kind. Kind is the discriminator rather than the result's Go
// type: after a snapshot restore upstream results are generic JSON values,
// not the structs the producing runner returned.
func ancestorResultByKind(task *pipeline.TaskContext, step pipeline.Step, kind pipeline.StepKind) (any, bool) {
	visited := make(map[string]bool)
	queue := append([]string(nil), step.Dependencies...)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		dep, ok := task.Step(id)
		if !ok {
			continue
		}
		if dep.Kind == kind {
			if result, found := task.StepResult(id); found {
				return result, true
			}
		}
		queue = append(queue, dep.Dependencies...)
	}
	return nil, false
}

// coerceResult recovers a typed value from an upstream result, which is
// either the struct the producing runner returned (same-process run) or a
// decoded JSON document (restored task). The JSON round-trip covers both.
func coerceResult[T any](v any) (T, error) {
	if typed, ok := v.(T); ok {
		return typed, nil
	}
	var typed T
	raw, err := json.Marshal(v)
	if err != nil {
		return typed, fmt.Errorf("re-encode upstream result: %w", err)
	}
	if err := json.Unmarshal(raw, &typed); err != nil {
		return typed, fmt.Errorf("decode upstream result: %w", err)
	}
	return typed, nil
}

// paramString reads a string parameter from the step, tolerating absence.
func paramString(step pipeline.Step, key string) (string, bool) {
	v, ok := step.Params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// defaultParams builds GenerationParams with the runner's sampling knobs.
func defaultParams(temperature float32, maxTokens int) llm.GenerationParams {
	return llm.GenerationParams{
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	}
}
