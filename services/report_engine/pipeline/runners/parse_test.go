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
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianReports/services/report_engine/pipeline"
)

func TestParseDirective(t *testing.T) {
	t.Run("full directive", func(t *testing.T) {
		req, err := ParseDirective("metric: total_revenue; period: 2025-Q4; group: region; chart: bar; filter: country=US")
		require.NoError(t, err)
		assert.Equal(t, "total_revenue", req.Metric)
		assert.Equal(t, "2025-Q4", req.Period)
		assert.Equal(t, []string{"region"}, req.GroupBy)
		assert.Equal(t, "bar", req.Chart)
		assert.Equal(t, map[string]string{"country": "US"}, req.Filters)
	})

	t.Run("metric only", func(t *testing.T) {
		req, err := ParseDirective("metric: order_count")
		require.NoError(t, err)
		assert.Equal(t, "order_count", req.Metric)
		assert.Empty(t, req.Period)
		assert.Empty(t, req.GroupBy)
		assert.Empty(t, req.Chart)
	})

	t.Run("newline separated", func(t *testing.T) {
		req, err := ParseDirective("metric: total_revenue\nperiod: 2025-Q4")
		require.NoError(t, err)
		assert.Equal(t, "2025-Q4", req.Period)
	})

	t.Run("template braces stripped", func(t *testing.T) {
		req, err := ParseDirective("{{ metric: total_revenue; period: 2025-Q4 }}")
		require.NoError(t, err)
		assert.Equal(t, "total_revenue", req.Metric)
		assert.Equal(t, "2025-Q4", req.Period)
		assert.Equal(t, "{{ metric: total_revenue; period: 2025-Q4 }}", req.Raw)
	})

	t.Run("comma and repeated group keys accumulate", func(t *testing.T) {
		req, err := ParseDirective("metric: m; group: region, product; group: channel")
		require.NoError(t, err)
		assert.Equal(t, []string{"region", "product", "channel"}, req.GroupBy)
	})

	t.Run("multiple filters", func(t *testing.T) {
		req, err := ParseDirective("metric: m; filter: country=US; filter: tier=gold")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"country": "US", "tier": "gold"}, req.Filters)
	})

	t.Run("keys are case insensitive", func(t *testing.T) {
		req, err := ParseDirective("Metric: m; PERIOD: 2024")
		require.NoError(t, err)
		assert.Equal(t, "m", req.Metric)
		assert.Equal(t, "2024", req.Period)
	})

	t.Run("raw preserved verbatim", func(t *testing.T) {
		directive := "metric: m; chart: pie"
		req, err := ParseDirective(directive)
		require.NoError(t, err)
		assert.Equal(t, directive, req.Raw)
	})

	rejects := []struct {
		name      string
		directive string
		wantErr   string
	}{
		{"missing metric", "period: 2025-Q4", "missing required key"},
		{"unknown key", "metric: m; granularity: day", "unknown directive key"},
		{"repeated metric", "metric: a; metric: b", "repeats key"},
		{"empty value", "metric: m; period:", "empty value"},
		{"segment without colon", "metric: m; just words", "malformed directive segment"},
		{"unknown chart form", "metric: m; chart: sparkline", "unknown chart form"},
		{"filter without equals", "metric: m; filter: country", "malformed filter"},
	}
	for _, tt := range rejects {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDirective(tt.directive)
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestParseRunner_Execute(t *testing.T) {
	runner := NewParseRunner()

	t.Run("parses the directive param", func(t *testing.T) {
		task := taskWith(t, &pipeline.Step{
			ID:     "parse",
			Kind:   pipeline.KindParse,
			Params: map[string]any{"directive": "metric: total_revenue; group: region"},
		})
		step, ok := task.Step("parse")
		require.True(t, ok)

		result, confidence, err := runner.Execute(context.Background(), step, task)
		require.NoError(t, err)
		assert.True(t, math.IsNaN(confidence))

		req, ok := result.(PlaceholderRequest)
		require.True(t, ok)
		assert.Equal(t, "total_revenue", req.Metric)
	})

	t.Run("missing directive param", func(t *testing.T) {
		task := taskWith(t, &pipeline.Step{ID: "parse", Kind: pipeline.KindParse})
		step, ok := task.Step("parse")
		require.True(t, ok)

		_, _, err := runner.Execute(context.Background(), step, task)
		require.ErrorContains(t, err, `missing "directive" parameter`)
	})

	t.Run("blank directive param", func(t *testing.T) {
		task := taskWith(t, &pipeline.Step{
			ID:     "parse",
			Kind:   pipeline.KindParse,
			Params: map[string]any{"directive": "   "},
		})
		step, ok := task.Step("parse")
		require.True(t, ok)

		_, _, err := runner.Execute(context.Background(), step, task)
		require.Error(t, err)
	})
}
