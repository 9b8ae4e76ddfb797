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
	"fmt"
	"math"
	"strings"

	"github.com/AleutianAI/AleutianReports/services/report_engine/pipeline"
)

// PlaceholderRequest is the structured form of a report placeholder
// directive. It is the root input every downstream step derives from.
type PlaceholderRequest struct {
	// Metric names the quantity being reported, e.g. "total_revenue".
	Metric string `json:"metric"`
	// Period scopes the metric in time, e.g. "2025-Q4". Empty means
	// all recorded history.
	Period string `json:"period,omitempty"`
	// GroupBy lists grouping dimensions in directive order.
	GroupBy []string `json:"group_by,omitempty"`
	// Filters holds equality constraints keyed by column name.
	Filters map[string]string `json:"filters,omitempty"`
	// Chart selects the presentation form. Empty defaults to "table".
	Chart string `json:"chart,omitempty"`
	// Raw preserves the original directive text for prompts and audit.
	Raw string `json:"raw"`
}

// chartForms are the presentation forms the renderer understands.
var chartForms = map[string]bool{
	"table":  true,
	"bar":    true,
	"line":   true,
	"pie":    true,
	"scalar": true,
}

// ParseRunner turns a placeholder directive into a PlaceholderRequest.
//
// Directives are semicolon- or newline-separated "key: value" pairs,
// optionally wrapped in the {{ }} braces they carry inside a report
// template:
//
//	{{ metric: total_revenue; period: 2025-Q4; group: region; chart: bar }}
//
// Recognized keys are metric (required), period, group (repeatable or
// comma-separated), filter (repeatable "column=value"), and chart. The
// parse is strict: an unknown key or malformed pair fails the step, which
// drives the task to a fast clean failure instead of a speculative query.
type ParseRunner struct{}

// NewParseRunner returns the directive parser.
func NewParseRunner() *ParseRunner {
	return &ParseRunner{}
}

// Execute implements pipeline.StepRunner. Confidence is NaN: the parse is
// deterministic and scored by outcome alone.
func (p *ParseRunner) Execute(ctx context.Context, step pipeline.Step, task *pipeline.TaskContext) (any, float64, error) {
	directive, ok := paramString(step, "directive")
	if !ok || strings.TrimSpace(directive) == "" {
		return nil, 0, fmt.Errorf("step %s: missing %q parameter", step.ID, "directive")
	}

	req, err := ParseDirective(directive)
	if err != nil {
		return nil, 0, fmt.Errorf("step %s: %w", step.ID, err)
	}
	return req, math.NaN(), nil
}

// ParseDirective parses directive text into a PlaceholderRequest.
func ParseDirective(directive string) (PlaceholderRequest, error) {
	req := PlaceholderRequest{Raw: directive}

	body := strings.TrimSpace(directive)
	if strings.HasPrefix(body, "{{") && strings.HasSuffix(body, "}}") {
		body = strings.TrimSuffix(strings.TrimPrefix(body, "{{"), "}}")
	}

	for _, segment := range splitSegments(body) {
		key, value, found := strings.Cut(segment, ":")
		if !found {
			return PlaceholderRequest{}, fmt.Errorf("malformed directive segment %q: expected \"key: value\"", segment)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if value == "" {
			return PlaceholderRequest{}, fmt.Errorf("directive key %q has empty value", key)
		}

		switch key {
		case "metric":
			if req.Metric != "" {
				return PlaceholderRequest{}, fmt.Errorf("directive repeats key %q", key)
			}
			req.Metric = value
		case "period":
			if req.Period != "" {
				return PlaceholderRequest{}, fmt.Errorf("directive repeats key %q", key)
			}
			req.Period = value
		case "group", "group_by":
			for _, dim := range strings.Split(value, ",") {
				dim = strings.TrimSpace(dim)
				if dim != "" {
					req.GroupBy = append(req.GroupBy, dim)
				}
			}
		case "filter":
			column, want, ok := strings.Cut(value, "=")
			column = strings.TrimSpace(column)
			want = strings.TrimSpace(want)
			if !ok || column == "" || want == "" {
				return PlaceholderRequest{}, fmt.Errorf("malformed filter %q: expected \"column=value\"", value)
			}
			if req.Filters == nil {
				req.Filters = make(map[string]string)
			}
			req.Filters[column] = want
		case "chart":
			form := strings.ToLower(value)
			if !chartForms[form] {
				return PlaceholderRequest{}, fmt.Errorf("unknown chart form %q", value)
			}
			req.Chart = form
		default:
			return PlaceholderRequest{}, fmt.Errorf("unknown directive key %q", key)
		}
	}

	if req.Metric == "" {
		return PlaceholderRequest{}, fmt.Errorf("directive missing required key %q", "metric")
	}
	return req, nil
}

// splitSegments breaks a directive on semicolons and newlines, dropping
// empty pieces.
func splitSegments(directive string) []string {
	fields := strings.FieldsFunc(directive, func(r rune) bool {
		return r == ';' || r == '\n'
	})
	segments := make([]string, 0, len(fields))
	for _, f := range fields {
		if s := strings.TrimSpace(f); s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}
