// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubClient returns a fixed reply or error and counts calls.
type stubClient struct {
	reply string
	err   error
	calls atomic.Int64
}

func (s *stubClient) Generate(_ context.Context, _ string, _ GenerationParams) (string, error) {
	s.calls.Add(1)
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

// TestRouter_RoutesByName verifies calls reach the registered backend.
func TestRouter_RoutesByName(t *testing.T) {
	fast := &stubClient{reply: "fast answer"}
	deep := &stubClient{reply: "deep answer"}

	router := NewRouter()
	router.Register(RouteFast, fast)
	router.Register(RouteDeep, deep)

	out, err := router.Generate(context.Background(), RouteDeep, "q", GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "deep answer", out)
	assert.EqualValues(t, 0, fast.calls.Load())
	assert.EqualValues(t, 1, deep.calls.Load())

	assert.Equal(t, []string{RouteDeep, RouteFast}, router.Routes())
}

// TestRouter_UnregisteredRoute verifies the error without a fallback and
// the fallback path with one.
func TestRouter_UnregisteredRoute(t *testing.T) {
	t.Run("no fallback", func(t *testing.T) {
		router := NewRouter()
		_, err := router.Generate(context.Background(), "FAST", "q", GenerationParams{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), `no backend registered for route "FAST"`)
	})

	t.Run("fallback serves unknown routes", func(t *testing.T) {
		fallback := &stubClient{reply: "fallback answer"}
		router := NewRouter(WithFallback(fallback))

		out, err := router.Generate(context.Background(), "UNKNOWN", "q", GenerationParams{})
		require.NoError(t, err)
		assert.Equal(t, "fallback answer", out)
	})
}

// TestRouter_BackendErrorAnnotated verifies backend failures carry the
// route and stay inspectable with errors.Is.
func TestRouter_BackendErrorAnnotated(t *testing.T) {
	backendErr := errors.New("model overloaded")
	router := NewRouter()
	router.Register(RouteFast, &stubClient{err: backendErr})

	_, err := router.Generate(context.Background(), RouteFast, "q", GenerationParams{})
	require.Error(t, err)
	assert.ErrorIs(t, err, backendErr)
	assert.Contains(t, err.Error(), `route "FAST"`)
}

// TestRouter_RateLimitHonorsContext verifies a blocked limiter wait aborts
// on cancellation instead of queueing forever.
func TestRouter_RateLimitHonorsContext(t *testing.T) {
	// 1 request burst, then ~1000s until the next token.
	router := NewRouter(WithRateLimit(0.001, 1))
	router.Register(RouteFast, &stubClient{reply: "ok"})

	_, err := router.Generate(context.Background(), RouteFast, "q", GenerationParams{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = router.Generate(ctx, RouteFast, "q", GenerationParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit wait")
}

// TestRouter_Stats verifies per-route call and failure counts.
func TestRouter_Stats(t *testing.T) {
	router := NewRouter()
	router.Register(RouteFast, &stubClient{reply: "ok"})
	router.Register(RouteDeep, &stubClient{err: errors.New("boom")})

	ctx := context.Background()
	_, _ = router.Generate(ctx, RouteFast, "q", GenerationParams{})
	_, _ = router.Generate(ctx, RouteFast, "q", GenerationParams{})
	_, _ = router.Generate(ctx, RouteDeep, "q", GenerationParams{})

	stats := router.Stats()
	require.Len(t, stats, 2)

	// Sorted by route name: DEEP before FAST.
	assert.Equal(t, RouteDeep, stats[0].Route)
	assert.EqualValues(t, 1, stats[0].Calls)
	assert.EqualValues(t, 1, stats[0].Failures)
	assert.False(t, stats[0].LastUsed.IsZero())

	assert.Equal(t, RouteFast, stats[1].Route)
	assert.EqualValues(t, 2, stats[1].Calls)
	assert.EqualValues(t, 0, stats[1].Failures)
}

// TestNewAnthropicClient_Validation verifies the API key guard and model
// default.
func TestNewAnthropicClient_Validation(t *testing.T) {
	_, err := NewAnthropicClient(AnthropicConfig{})
	assert.Error(t, err)

	client, err := NewAnthropicClient(AnthropicConfig{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, defaultAnthropicModel, client.Model())
}

// TestNewOpenAIClient_Validation verifies the API key guard and model
// default.
func TestNewOpenAIClient_Validation(t *testing.T) {
	_, err := NewOpenAIClient(OpenAIConfig{})
	assert.Error(t, err)

	client, err := NewOpenAIClient(OpenAIConfig{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, defaultOpenAIModel, client.Model())
}
