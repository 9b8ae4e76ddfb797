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
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianReports/services/report_engine/pipeline"
)

// ChartSpec describes the chart a downstream report builder should draw
// from the rendered block's data.
type ChartSpec struct {
	Type string `json:"type"`
	// XField and YField name the columns for the axes.
	XField string `json:"x_field"`
	YField string `json:"y_field"`
	Title  string `json:"title"`
}

// RenderedBlock is the final form of a resolved placeholder: markdown
// ready for inclusion in the report, plus an optional chart spec.
type RenderedBlock struct {
	Format  string     `json:"format"`
	Title   string     `json:"title"`
	Content string     `json:"content"`
	Chart   *ChartSpec `json:"chart,omitempty"`
}

// RenderRunner formats a query result as a markdown block. Formatting is
// deterministic; narrative prose around the numbers is a report-builder
// concern, not a placeholder concern.
type RenderRunner struct{}

// NewRenderRunner builds the runner.
func NewRenderRunner() *RenderRunner {
	return &RenderRunner{}
}

// Execute implements pipeline.StepRunner.
func (r *RenderRunner) Execute(ctx context.Context, step pipeline.Step, task *pipeline.TaskContext) (any, float64, error) {
	rawResult, ok := ancestorResultByKind(task, step, pipeline.KindExecute)
	if !ok {
		return nil, 0, fmt.Errorf("step %s: no completed EXECUTE step upstream", step.ID)
	}
	result, err := coerceResult[QueryResult](rawResult)
	if err != nil {
		return nil, 0, fmt.Errorf("step %s: %w", step.ID, err)
	}

	var req PlaceholderRequest
	if rawReq, ok := ancestorResultByKind(task, step, pipeline.KindParse); ok {
		if req, err = coerceResult[PlaceholderRequest](rawReq); err != nil {
			return nil, 0, fmt.Errorf("step %s: %w", step.ID, err)
		}
	}

	block := renderBlock(req, result)
	return block, math.NaN(), nil
}

// renderBlock builds the markdown block for a result.
func renderBlock(req PlaceholderRequest, result QueryResult) RenderedBlock {
	title := blockTitle(req)
	chart := req.Chart
	if chart == "" {
		chart = "table"
	}
	// A single cell renders as a scalar regardless of the requested form.
	if result.RowCount == 1 && len(result.Columns) == 1 {
		chart = "scalar"
	}

	block := RenderedBlock{Format: "markdown", Title: title}
	switch chart {
	case "scalar":
		block.Content = renderScalar(title, result)
	default:
		block.Content = renderTable(result)
		if chart != "table" && len(result.Columns) >= 2 {
			block.Chart = &ChartSpec{
				Type:   chart,
				XField: result.Columns[0],
				YField: result.Columns[1],
				Title:  title,
			}
		}
	}
	if result.Truncated {
		block.Content += fmt.Sprintf("\n\n_Result truncated at %d rows._", result.RowCount)
	}
	return block
}

func blockTitle(req PlaceholderRequest) string {
	if req.Metric == "" {
		return "Query result"
	}
	title := req.Metric
	if len(req.GroupBy) > 0 {
		title += " by " + strings.Join(req.GroupBy, ", ")
	}
	if req.Period != "" {
		title += " (" + req.Period + ")"
	}
	return title
}

func renderScalar(title string, result QueryResult) string {
	if result.RowCount == 0 || len(result.Rows[0]) == 0 {
		return fmt.Sprintf("**%s:** no data", title)
	}
	return fmt.Sprintf("**%s:** %s", title, formatCell(result.Rows[0][0]))
}

func renderTable(result QueryResult) string {
	if result.RowCount == 0 {
		return "_No rows._"
	}

	var b strings.Builder
	b.WriteString("| " + strings.Join(escapeCells(result.Columns), " | ") + " |\n")
	b.WriteString("|" + strings.Repeat(" --- |", len(result.Columns)) + "\n")
	for _, row := range result.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = escapeCell(formatCell(v))
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatCell renders a result value for markdown. Floats drop trailing
// zeros so SUM(price) reads as money, not machine epsilon.
func formatCell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", "\\|")
}

func escapeCells(cells []string) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = escapeCell(c)
	}
	return out
}
