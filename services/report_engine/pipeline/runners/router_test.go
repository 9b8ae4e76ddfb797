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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianReports/services/report_engine/pipeline"
)

func TestKindRouter_Execute(t *testing.T) {
	t.Run("dispatches by step kind", func(t *testing.T) {
		router := NewKindRouter()
		router.Register(pipeline.KindParse, pipeline.RunnerFunc(
			func(ctx context.Context, step pipeline.Step, task *pipeline.TaskContext) (any, float64, error) {
				return "parsed", 1.0, nil
			}))

		task := taskWith(t, &pipeline.Step{ID: "p", Kind: pipeline.KindParse})
		step, ok := task.Step("p")
		require.True(t, ok)

		result, _, err := router.Execute(context.Background(), step, task)
		require.NoError(t, err)
		assert.Equal(t, "parsed", result)
	})

	t.Run("unknown kind is a step failure", func(t *testing.T) {
		router := NewKindRouter()
		task := taskWith(t, &pipeline.Step{ID: "c", Kind: pipeline.KindCustom})
		step, ok := task.Step("c")
		require.True(t, ok)

		_, _, err := router.Execute(context.Background(), step, task)
		require.ErrorContains(t, err, `no runner registered for step kind "CUSTOM"`)
	})

	t.Run("fallback catches unregistered kinds", func(t *testing.T) {
		router := NewKindRouter()
		router.SetFallback(pipeline.RunnerFunc(
			func(ctx context.Context, step pipeline.Step, task *pipeline.TaskContext) (any, float64, error) {
				return "fallback", 0.5, nil
			}))

		task := taskWith(t, &pipeline.Step{ID: "c", Kind: pipeline.KindCustom})
		step, ok := task.Step("c")
		require.True(t, ok)

		result, confidence, err := router.Execute(context.Background(), step, task)
		require.NoError(t, err)
		assert.Equal(t, "fallback", result)
		assert.InDelta(t, 0.5, confidence, 1e-9)
	})

	t.Run("registration replaces a previous binding", func(t *testing.T) {
		router := NewKindRouter()
		router.Register(pipeline.KindParse, pipeline.RunnerFunc(
			func(ctx context.Context, step pipeline.Step, task *pipeline.TaskContext) (any, float64, error) {
				return "old", 0, nil
			}))
		router.Register(pipeline.KindParse, pipeline.RunnerFunc(
			func(ctx context.Context, step pipeline.Step, task *pipeline.TaskContext) (any, float64, error) {
				return "new", 0, nil
			}))

		task := taskWith(t, &pipeline.Step{ID: "p", Kind: pipeline.KindParse})
		step, ok := task.Step("p")
		require.True(t, ok)

		result, _, err := router.Execute(context.Background(), step, task)
		require.NoError(t, err)
		assert.Equal(t, "new", result)
	})
}

func TestKindRouter_Kinds(t *testing.T) {
	router := NewKindRouter()
	router.Register(pipeline.KindRender, NewRenderRunner())
	router.Register(pipeline.KindParse, NewParseRunner())

	assert.Equal(t, []pipeline.StepKind{pipeline.KindParse, pipeline.KindRender}, router.Kinds())
}

func TestDefaultKindRouter(t *testing.T) {
	router := DefaultKindRouter(&scriptGen{}, nil)

	want := []pipeline.StepKind{
		pipeline.KindParse,
		pipeline.KindSemanticAnalyze,
		pipeline.KindSQLGenerate,
		pipeline.KindValidate,
		pipeline.KindExecute,
		pipeline.KindRender,
	}
	for _, kind := range want {
		assert.Contains(t, router.Kinds(), kind)
	}
}
