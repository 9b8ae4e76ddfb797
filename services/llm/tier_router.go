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
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

// Canonical route names. Routes are free strings; these two are what the
// report pipeline registers for its reasoning tiers.
const (
	RouteFast = "FAST"
	RouteDeep = "DEEP"
)

// RouteStats tracks usage of one registered backend.
type RouteStats struct {
	// Route is the registered route name.
	Route string `json:"route"`

	// Calls is the number of completed generation calls.
	Calls int64 `json:"calls"`

	// Failures is the number of calls that returned an error.
	Failures int64 `json:"failures"`

	// LastUsed is when the route last served a call.
	LastUsed time.Time `json:"last_used"`
}

// Router dispatches generation calls to a backend selected by route name.
//
// # Description
//
// The report pipeline escalates steps between a fast and a deep model.
// Router keeps those backends behind stable route names so the pipeline
// never needs to know which provider or model serves a tier. An optional
// shared rate limiter throttles all outbound calls; providers meter by
// account, not by model, so one limiter covers every route.
//
// # Thread Safety
//
// Router is safe for concurrent use.
//
// # Example
//
//	router := llm.NewRouter(llm.WithRateLimit(2, 4))
//	router.Register(llm.RouteFast, fastClient)
//	router.Register(llm.RouteDeep, deepClient)
//	out, err := router.Generate(ctx, llm.RouteDeep, prompt, params)
type Router struct {
	mu       sync.RWMutex
	backends map[string]LLMClient
	stats    map[string]*RouteStats
	fallback LLMClient
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRateLimit throttles all generation calls to rps requests per second
// with the given burst.
func WithRateLimit(rps float64, burst int) RouterOption {
	return func(r *Router) {
		if rps > 0 && burst > 0 {
			r.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithFallback sets the backend used for routes with no registration.
func WithFallback(client LLMClient) RouterOption {
	return func(r *Router) { r.fallback = client }
}

// WithRouterLogger sets the logger. Defaults to slog.Default().
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRouter creates an empty router. Register backends before use.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		backends: make(map[string]LLMClient),
		stats:    make(map[string]*RouteStats),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds a backend to a route name, replacing any previous binding.
func (r *Router) Register(route string, client LLMClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[route] = client
	if _, ok := r.stats[route]; !ok {
		r.stats[route] = &RouteStats{Route: route}
	}
}

// Routes returns the registered route names, sorted.
func (r *Router) Routes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make([]string, 0, len(r.backends))
	for route := range r.backends {
		routes = append(routes, route)
	}
	sort.Strings(routes)
	return routes
}

// Stats returns a snapshot of per-route usage.
func (r *Router) Stats() []RouteStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RouteStats, 0, len(r.stats))
	for _, s := range r.stats {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Route < out[j].Route })
	return out
}

// resolve picks the backend for a route, falling back when unregistered.
func (r *Router) resolve(route string) (LLMClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if client, ok := r.backends[route]; ok {
		return client, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("no backend registered for route %q", route)
}

// Generate dispatches one generation call to the backend for the route.
//
// # Description
//
// Resolves the backend, waits on the shared rate limiter (honoring context
// cancellation), and delegates. The backend's error is returned unwrapped
// beyond route annotation so callers can inspect provider errors.
//
// # Thread Safety
//
// Safe for concurrent use.
func (r *Router) Generate(ctx context.Context, route string, prompt string, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "Router.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.route", route))

	client, err := r.resolve(route)
	if err != nil {
		return "", err
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limit wait for route %q: %w", route, err)
		}
	}

	start := time.Now()
	out, err := client.Generate(ctx, prompt, params)
	r.record(route, err)

	if err != nil {
		r.logger.Warn("Generation call failed",
			slog.String("route", route),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("route %q: %w", route, err)
	}

	r.logger.Debug("Generation call completed",
		slog.String("route", route),
		slog.Duration("elapsed", time.Since(start)),
		slog.Int("response_len", len(out)),
	)
	return out, nil
}

func (r *Router) record(route string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.stats[route]
	if !ok {
		s = &RouteStats{Route: route}
		r.stats[route] = s
	}
	s.Calls++
	if err != nil {
		s.Failures++
	}
	s.LastUsed = time.Now()
}
