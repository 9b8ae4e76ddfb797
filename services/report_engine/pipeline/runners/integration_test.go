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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianReports/services/llm"
	"github.com/AleutianAI/AleutianReports/services/report_engine/pipeline"
	"github.com/AleutianAI/AleutianReports/services/report_engine/store"
)

// seqGen replays replies in call order, erroring when the script runs out.
type seqGen struct {
	mu      sync.Mutex
	replies []string
	next    int
}

func (g *seqGen) Generate(ctx context.Context, route, prompt string, params llm.GenerationParams) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.next >= len(g.replies) {
		return "", fmt.Errorf("generator script exhausted after %d calls", g.next)
	}
	reply := g.replies[g.next]
	g.next++
	return reply, nil
}

func TestStandardPipeline_EndToEnd(t *testing.T) {
	wh := newWarehouse(t)
	gen := &seqGen{replies: []string{
		`{"content":{"tables":["sales"],"columns":["amount","region"],"grain":"one row per region"},"confidence":0.9}`,
		`{"content":{"query":"SELECT region, SUM(amount) AS total FROM sales GROUP BY region ORDER BY region","rationale":"sum per region"},"confidence":0.85}`,
		`{"content":{"approved":true,"query":"","issues":[]},"confidence":0.95}`,
	}}
	router := DefaultKindRouter(gen, wh)

	engine, err := pipeline.NewEngine(router, store.NewMemory())
	require.NoError(t, err)

	task, err := pipeline.NewTaskContext("placeholder-1",
		pipeline.StandardPlaceholderSteps("metric: total_revenue; group: region; chart: bar"),
		pipeline.DefaultConfig())
	require.NoError(t, err)

	result, err := engine.Run(context.Background(), task)
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusCompleted, result.Status)
	assert.Empty(t, result.SkippedSteps)

	rendered, ok := result.PerStepResults[pipeline.StepRender].(RenderedBlock)
	require.True(t, ok)
	assert.Equal(t, "total_revenue by region", rendered.Title)
	assert.Contains(t, rendered.Content, "| north | 200.5 |")
	assert.Contains(t, rendered.Content, "| south | 210.25 |")
	require.NotNil(t, rendered.Chart)
	assert.Equal(t, "bar", rendered.Chart.Type)
}

func TestStandardPipeline_LowConfidenceRetries(t *testing.T) {
	wh := newWarehouse(t)
	// First semantic reply is below the quality gate; the retry passes.
	gen := &seqGen{replies: []string{
		`{"content":{"tables":["sales"],"grain":"unsure"},"confidence":0.3}`,
		`{"content":{"tables":["sales"],"columns":["amount"],"grain":"single total"},"confidence":0.9}`,
		`{"content":{"query":"SELECT SUM(amount) AS total FROM sales","rationale":"grand total"},"confidence":0.85}`,
		`{"content":{"approved":true,"query":"","issues":[]},"confidence":0.9}`,
	}}
	router := DefaultKindRouter(gen, wh)

	engine, err := pipeline.NewEngine(router, store.NewMemory())
	require.NoError(t, err)

	task, err := pipeline.NewTaskContext("placeholder-retry",
		pipeline.StandardPlaceholderSteps("metric: total_revenue"),
		pipeline.DefaultConfig())
	require.NoError(t, err)

	result, err := engine.Run(context.Background(), task)
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusCompleted, result.Status)

	rendered, ok := result.PerStepResults[pipeline.StepRender].(RenderedBlock)
	require.True(t, ok)
	assert.Equal(t, "**total_revenue:** 410.75", rendered.Content)
}

func TestStandardPipeline_PersistentRejectionSkips(t *testing.T) {
	wh := newWarehouse(t)
	// The reviewer rejects every attempt; validate exhausts its budget and
	// the downstream chain is skipped. EXECUTE is required, so the task
	// fails rather than degrading to partial.
	rejection := `{"content":{"approved":false,"issues":["wrong grain"]},"confidence":0.2}`
	gen := &seqGen{replies: []string{
		`{"content":{"tables":["sales"],"grain":"total"},"confidence":0.9}`,
		`{"content":{"query":"SELECT SUM(amount) FROM sales","rationale":"total"},"confidence":0.85}`,
		rejection, rejection, rejection,
	}}
	router := DefaultKindRouter(gen, wh)

	engine, err := pipeline.NewEngine(router, store.NewMemory())
	require.NoError(t, err)

	task, err := pipeline.NewTaskContext("placeholder-rejected",
		pipeline.StandardPlaceholderSteps("metric: total_revenue"),
		pipeline.DefaultConfig())
	require.NoError(t, err)

	result, err := engine.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusFailed, result.Status)

	skipped := make([]string, 0, len(result.SkippedSteps))
	for _, s := range result.SkippedSteps {
		skipped = append(skipped, s.ID)
	}
	assert.Contains(t, skipped, pipeline.StepValidate)
	assert.Contains(t, skipped, pipeline.StepExecute)
	assert.Contains(t, skipped, pipeline.StepRender)
}
