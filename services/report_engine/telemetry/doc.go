// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry provides OpenTelemetry-based observability for the
// report engine.
//
// This package initializes the OTel SDK with opinionated defaults for
// tracing and metrics, while allowing backend flexibility through exporter
// configuration.
//
// # Philosophy
//
// Be opinionated about the API, flexible about the backend. OpenTelemetry IS
// the abstraction layer. The pipeline, store, and llm packages use OTel APIs
// directly through the global tracer and meter, so they instrument themselves
// lazily: before Init runs they get no-op providers and cost nothing, after
// Init runs their spans and instruments flow to the configured exporters.
//
// # Trace Backend (default: Jaeger via OTLP)
//
// Jaeger supports OTLP natively since 1.35, which is the recommended
// protocol. Users can swap to any OTLP-compatible backend via environment
// variables without code changes.
//
// # Metrics Backend (default: Prometheus)
//
// Prometheus is the default metrics backend. After Init, MetricsHandler()
// returns the handler to mount at /metrics for scraping; the handler also
// serves metrics registered directly with the default prometheus registry
// (the store layer's persistence counters).
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	shutdown, err := telemetry.Init(ctx, cfg)
//	if err != nil {
//	    return fmt.Errorf("init telemetry: %w", err)
//	}
//	defer shutdown(ctx)
//
// # Environment Variables
//
// Standard OTel environment variables are supported:
//
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint (default: localhost:4317)
//   - OTEL_TRACES_EXPORTER: otlp, stdout, or none (default: otlp)
//   - OTEL_METRICS_EXPORTER: prometheus, stdout, or none (default: prometheus)
//   - ALEUTIAN_ENV: environment name (default: development)
//
// # Thread Safety
//
// All exported functions are safe for concurrent use after Init() returns.
package telemetry
