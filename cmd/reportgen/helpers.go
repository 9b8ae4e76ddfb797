// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/AleutianReports/pkg/logging"
	"github.com/AleutianAI/AleutianReports/services/llm"
	"github.com/AleutianAI/AleutianReports/services/report_engine/config"
	"github.com/AleutianAI/AleutianReports/services/report_engine/pipeline"
	"github.com/AleutianAI/AleutianReports/services/report_engine/pipeline/runners"
	"github.com/AleutianAI/AleutianReports/services/report_engine/store"
	storagebadger "github.com/AleutianAI/AleutianReports/services/report_engine/storage/badger"
	"github.com/AleutianAI/AleutianReports/services/report_engine/telemetry"
)

// Exit codes.
const (
	exitSuccess = 0 // Task completed (fully or partially)
	exitFailed  = 1 // Task finished FAILED
	exitError   = 2 // Wiring or execution error
)

// =============================================================================
// APPLICATION WIRING
// =============================================================================

// app holds the wired services one command invocation uses.
type app struct {
	cfg    config.AppConfig
	logger *logging.Logger
	store  pipeline.ContextStore
	engine *pipeline.Engine

	// closers run in reverse order on shutdown.
	closers []func() error
}

// newApp loads configuration and wires logging, telemetry, the snapshot
// store, the model router, and the engine. Callers must defer a.close().
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadAppConfig()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}

	a.logger = newLogger(cfg.Logging)
	slog.SetDefault(a.logger.Slog())
	a.closers = append(a.closers, a.logger.Close)

	if err := a.initTelemetry(ctx); err != nil {
		a.close()
		return nil, err
	}
	if err := a.initStore(); err != nil {
		a.close()
		return nil, err
	}
	if err := a.initEngine(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// close releases resources in reverse wiring order. Close errors are logged,
// not returned; shutdown never masks the command's outcome.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		}
	}
	a.closers = nil
}

// loadAppConfig merges flags over environment over the config file over
// defaults.
func loadAppConfig() (config.AppConfig, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return cfg, err
	}
	applyFlagOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyFlagOverrides lays explicit command-line flags over the loaded
// configuration. Empty flags leave the config untouched.
func applyFlagOverrides(cfg *config.AppConfig) {
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if flagLogFormat != "" {
		cfg.Logging.Format = flagLogFormat
	}
	if flagBackend != "" {
		cfg.Store.Backend = flagBackend
	}
	if flagStoreDir != "" {
		cfg.Store.Dir = flagStoreDir
		cfg.Store.BadgerPath = flagStoreDir
	}
	if flagTelemetry {
		if cfg.Telemetry.TracesExporter == "" || cfg.Telemetry.TracesExporter == "none" {
			cfg.Telemetry.TracesExporter = "otlp"
		}
		if cfg.Telemetry.MetricsExporter == "" || cfg.Telemetry.MetricsExporter == "none" {
			cfg.Telemetry.MetricsExporter = "prometheus"
		}
	}
}

// newLogger builds the process logger from config. Unknown level or format
// strings fall back to defaults with a warning once logging is up.
func newLogger(cfg config.LoggingConfig) *logging.Logger {
	level, levelErr := logging.ParseLevel(cfg.Level)
	format, formatErr := logging.ParseFormat(cfg.Format)

	logger := logging.New(logging.Config{
		Level:   level,
		Format:  format,
		Service: "reportgen",
	})
	if levelErr != nil {
		logger.Warn("Unknown log level, using info", "value", cfg.Level)
	}
	if formatErr != nil {
		logger.Warn("Unknown log format, using auto", "value", cfg.Format)
	}
	return logger
}

// initTelemetry bootstraps trace and metric export when any exporter is
// configured. With both exporters at "none" the engine's instruments stay
// on the otel noop providers and cost nothing.
func (a *app) initTelemetry(ctx context.Context) error {
	tc := a.cfg.Telemetry
	if tc.TracesExporter == "none" && tc.MetricsExporter == "none" {
		return nil
	}

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    tc.ServiceName,
		ServiceVersion: "1.0.0",
		Environment:    getEnvOr("ALEUTIAN_ENV", "development"),
		TraceExporter:  tc.TracesExporter,
		MetricExporter: tc.MetricsExporter,
		OTLPEndpoint:   tc.OTLPEndpoint,
		OTLPInsecure:   true,
		SampleRate:     tc.SampleRate,
		AllowDegraded:  true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(ctx)
	})

	if tc.MetricsExporter == "prometheus" {
		a.serveMetrics(tc.PrometheusAddr)
	}
	return nil
}

// serveMetrics exposes /metrics for the prometheus exporter. Serve errors
// are logged; a busy port never blocks a report run.
func (a *app) serveMetrics(addr string) {
	handler := telemetry.MetricsHandler()
	if handler == nil || addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		a.logger.Info("Serving metrics", "addr", addr, "path", "/metrics")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Warn("Metrics server stopped", "error", err.Error())
		}
	}()
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})
}

// initStore opens the configured snapshot store backend.
func (a *app) initStore() error {
	st, closer, err := openStore(a.cfg.Store, a.logger.Slog())
	if err != nil {
		return err
	}
	a.store = st
	if closer != nil {
		a.closers = append(a.closers, closer)
	}
	return nil
}

// openStore builds a pipeline.ContextStore for the selected backend. The
// returned closer is nil for backends with nothing to release.
func openStore(cfg config.StoreConfig, logger *slog.Logger) (pipeline.ContextStore, func() error, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return store.NewMemory(), nil, nil

	case config.BackendFile:
		st, err := store.NewFile(cfg.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("open file store: %w", err)
		}
		return st, nil, nil

	case config.BackendBadger:
		db, err := storagebadger.OpenDB(storagebadger.Config{
			Path:           cfg.BadgerPath,
			InMemory:       cfg.BadgerInMemory,
			SyncWrites:     true,
			Logger:         logger,
			GCInterval:     cfg.GCInterval,
			GCDiscardRatio: 0.5,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open badger store: %w", err)
		}
		st, err := store.NewBadger(db)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("open badger store: %w", err)
		}
		return st, db.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q (want memory, file, or badger)", cfg.Backend)
	}
}

// initEngine wires the model router, the warehouse, the step runners, and
// the engine itself.
func (a *app) initEngine() error {
	router, err := buildModelRouter(a.cfg.LLM, a.logger.Slog())
	if err != nil {
		return err
	}

	var wh *runners.Warehouse
	if a.cfg.Warehouse.Path != "" {
		wh, err = runners.OpenWarehouse(a.cfg.Warehouse.Path)
		if err != nil {
			return fmt.Errorf("open warehouse: %w", err)
		}
		a.closers = append(a.closers, wh.Close)
	}

	engine, err := pipeline.NewEngine(
		runners.DefaultKindRouter(router, wh),
		a.store,
		pipeline.WithEngineConfig(a.cfg.Engine),
		pipeline.WithLogger(a.logger.Slog()),
	)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	a.engine = engine
	return nil
}

// buildModelRouter registers the FAST and DEEP routes on the providers the
// config names. Both routes may share one client.
func buildModelRouter(cfg config.LLMConfig, logger *slog.Logger) (*llm.Router, error) {
	router := llm.NewRouter(
		llm.WithRateLimit(cfg.RatePerSec, cfg.RateBurst),
		llm.WithRouterLogger(logger),
	)

	fast, err := newProviderClient(cfg.FastProvider, cfg)
	if err != nil {
		return nil, fmt.Errorf("fast route provider: %w", err)
	}
	router.Register(llm.RouteFast, fast)

	if cfg.DeepProvider == cfg.FastProvider {
		router.Register(llm.RouteDeep, fast)
		return router, nil
	}

	deep, err := newProviderClient(cfg.DeepProvider, cfg)
	if err != nil {
		return nil, fmt.Errorf("deep route provider: %w", err)
	}
	router.Register(llm.RouteDeep, deep)
	return router, nil
}

// newProviderClient builds one model client for a named provider.
func newProviderClient(provider string, cfg config.LLMConfig) (llm.LLMClient, error) {
	switch provider {
	case config.ProviderOllama:
		return llm.NewOllamaClient(llm.OllamaConfig{
			BaseURL: cfg.OllamaBaseURL,
			Model:   cfg.OllamaModel,
		})
	case config.ProviderOpenAI:
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey: os.Getenv("OPENAI_API_KEY"),
			Model:  cfg.OpenAIModel,
		})
	case config.ProviderAnthropic:
		return llm.NewAnthropicClient(llm.AnthropicConfig{
			APIKey: os.Getenv("ANTHROPIC_API_KEY"),
			Model:  cfg.AnthropicModel,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q (want ollama, openai, or anthropic)", provider)
	}
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// =============================================================================
// OUTPUT
// =============================================================================

// useJSONOutput reports whether results should print as JSON: forced by
// --json, or implied by piped stdout.
func useJSONOutput() bool {
	if flagJSON {
		return true
	}
	fd := os.Stdout.Fd()
	return !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd)
}

// outputJSON prints any value as indented JSON on stdout.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResult renders a FinalResult for the operator.
func printResult(result pipeline.FinalResult, asJSON bool) {
	if asJSON {
		if err := outputJSON(result); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode result: %v\n", err)
		}
		return
	}

	fmt.Printf("Task %s: %s", result.TaskID, result.Status)
	if result.Reason != "" {
		fmt.Printf(" (%s)", result.Reason)
	}
	fmt.Printf("\n  run %s, %d rounds, %s\n", result.RunID, result.Rounds,
		result.Duration.Round(time.Millisecond))

	if len(result.PerStepResults) > 0 {
		fmt.Println("\nStep results:")
		for _, id := range sortedKeys(result.PerStepResults) {
			fmt.Printf("  %-20s %s\n", id, compactValue(result.PerStepResults[id]))
		}
	}
	if len(result.SkippedSteps) > 0 {
		fmt.Println("\nSkipped steps:")
		for _, s := range result.SkippedSteps {
			if s.LastError != "" {
				fmt.Printf("  %-20s %s\n", s.ID, s.LastError)
			} else {
				fmt.Printf("  %s\n", s.ID)
			}
		}
	}
}

// outputError reports a command failure in the active output mode.
func outputError(msg string, err error) {
	if useJSONOutput() {
		_ = outputJSON(map[string]any{
			"success": false,
			"error":   fmt.Sprintf("%s: %v", msg, err),
		})
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
}

// exitCode maps a task outcome to the process exit code.
func exitCode(result pipeline.FinalResult) int {
	if result.Status == pipeline.StatusFailed {
		return exitFailed
	}
	return exitSuccess
}

// sortedKeys returns the map's keys in sorted order.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// compactValue renders one step result on a single line, truncated so a
// wide render never floods the terminal.
func compactValue(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	const max = 120
	s := string(raw)
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}
