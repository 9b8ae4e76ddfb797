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
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianReports/services/report_engine/config"
	"github.com/AleutianAI/AleutianReports/services/report_engine/pipeline"
)

// resetFlags saves the package flag variables and restores them when the
// test finishes, since command flags are package globals.
func resetFlags(t *testing.T) {
	t.Helper()

	savedConfig := flagConfig
	savedLogLevel := flagLogLevel
	savedLogFormat := flagLogFormat
	savedTelemetry := flagTelemetry
	savedJSON := flagJSON
	savedTaskFile := flagTaskFile
	savedDirective := flagDirective
	savedTaskID := flagTaskID
	savedStoreDir := flagStoreDir
	savedBackend := flagBackend

	t.Cleanup(func() {
		flagConfig = savedConfig
		flagLogLevel = savedLogLevel
		flagLogFormat = savedLogFormat
		flagTelemetry = savedTelemetry
		flagJSON = savedJSON
		flagTaskFile = savedTaskFile
		flagDirective = savedDirective
		flagTaskID = savedTaskID
		flagStoreDir = savedStoreDir
		flagBackend = savedBackend
	})
}

func TestApplyFlagOverrides(t *testing.T) {
	resetFlags(t)

	flagLogLevel = "debug"
	flagLogFormat = "json"
	flagBackend = "memory"
	flagStoreDir = "/tmp/snapshots"

	cfg := config.Default()
	applyFlagOverrides(&cfg)

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("Store.Backend = %q, want memory", cfg.Store.Backend)
	}
	if cfg.Store.Dir != "/tmp/snapshots" {
		t.Errorf("Store.Dir = %q, want /tmp/snapshots", cfg.Store.Dir)
	}
	if cfg.Store.BadgerPath != "/tmp/snapshots" {
		t.Errorf("Store.BadgerPath = %q, want /tmp/snapshots", cfg.Store.BadgerPath)
	}
}

func TestApplyFlagOverrides_EmptyFlagsKeepConfig(t *testing.T) {
	resetFlags(t)

	cfg := config.Default()
	want := cfg
	applyFlagOverrides(&cfg)

	if cfg.Logging.Level != want.Logging.Level {
		t.Errorf("Logging.Level changed to %q", cfg.Logging.Level)
	}
	if cfg.Store.Backend != want.Store.Backend {
		t.Errorf("Store.Backend changed to %q", cfg.Store.Backend)
	}
}

func TestApplyFlagOverrides_TelemetryFlag(t *testing.T) {
	resetFlags(t)

	flagTelemetry = true
	cfg := config.Default() // exporters default to none
	applyFlagOverrides(&cfg)

	if cfg.Telemetry.TracesExporter != "otlp" {
		t.Errorf("TracesExporter = %q, want otlp", cfg.Telemetry.TracesExporter)
	}
	if cfg.Telemetry.MetricsExporter != "prometheus" {
		t.Errorf("MetricsExporter = %q, want prometheus", cfg.Telemetry.MetricsExporter)
	}
}

func TestApplyFlagOverrides_TelemetryFlagKeepsExplicitExporters(t *testing.T) {
	resetFlags(t)

	flagTelemetry = true
	cfg := config.Default()
	cfg.Telemetry.TracesExporter = "stdout"
	applyFlagOverrides(&cfg)

	if cfg.Telemetry.TracesExporter != "stdout" {
		t.Errorf("TracesExporter = %q, want stdout (explicit config wins)", cfg.Telemetry.TracesExporter)
	}
}

func TestOpenStore_Memory(t *testing.T) {
	st, closer, err := openStore(config.StoreConfig{Backend: config.BackendMemory}, slog.Default())
	if err != nil {
		t.Fatalf("openStore failed: %v", err)
	}
	if st == nil {
		t.Fatal("store is nil")
	}
	if closer != nil {
		t.Error("memory backend should not need a closer")
	}
}

func TestOpenStore_File(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "snaps")
	st, closer, err := openStore(config.StoreConfig{
		Backend: config.BackendFile,
		Dir:     dir,
	}, slog.Default())
	if err != nil {
		t.Fatalf("openStore failed: %v", err)
	}
	if st == nil {
		t.Fatal("store is nil")
	}
	if closer != nil {
		t.Error("file backend should not need a closer")
	}

	if _, err := os.Stat(dir); err != nil {
		t.Errorf("snapshot directory not created: %v", err)
	}
}

func TestOpenStore_BadgerInMemory(t *testing.T) {
	st, closer, err := openStore(config.StoreConfig{
		Backend:        config.BackendBadger,
		BadgerInMemory: true,
	}, slog.Default())
	if err != nil {
		t.Fatalf("openStore failed: %v", err)
	}
	if st == nil {
		t.Fatal("store is nil")
	}
	if closer == nil {
		t.Fatal("badger backend must return a closer")
	}
	if err := closer(); err != nil {
		t.Errorf("closer failed: %v", err)
	}
}

func TestOpenStore_UnknownBackend(t *testing.T) {
	_, _, err := openStore(config.StoreConfig{Backend: "redis"}, slog.Default())
	if err == nil {
		t.Fatal("expected error for unknown backend")
	}
	if !strings.Contains(err.Error(), "redis") {
		t.Errorf("error should name the backend: %v", err)
	}
}

func TestCompileTask_Directive(t *testing.T) {
	resetFlags(t)

	flagDirective = "metric: total_revenue; period: 2025-Q4; group: region"
	flagTaskID = "revenue-q4"

	task, err := compileTask()
	if err != nil {
		t.Fatalf("compileTask failed: %v", err)
	}
	if task.TaskID() != "revenue-q4" {
		t.Errorf("TaskID = %q, want revenue-q4", task.TaskID())
	}
	if got := len(task.StepIDs()); got != 6 {
		t.Errorf("standard pipeline has %d steps, want 6", got)
	}
}

func TestCompileTask_File(t *testing.T) {
	resetFlags(t)

	path := filepath.Join(t.TempDir(), "task.yaml")
	def := `
task_id: report-42
steps:
  - id: parse
    kind: PARSE
    params:
      directive: "metric: widgets_sold"
  - id: render
    kind: RENDER
    depends_on: [parse]
`
	if err := os.WriteFile(path, []byte(def), 0o600); err != nil {
		t.Fatal(err)
	}

	flagTaskFile = path
	task, err := compileTask()
	if err != nil {
		t.Fatalf("compileTask failed: %v", err)
	}
	if task.TaskID() != "report-42" {
		t.Errorf("TaskID = %q, want report-42", task.TaskID())
	}
}

func TestCompileTask_FileWithTaskIDOverride(t *testing.T) {
	resetFlags(t)

	path := filepath.Join(t.TempDir(), "task.yaml")
	def := `
task_id: original-id
steps:
  - id: parse
    kind: PARSE
`
	if err := os.WriteFile(path, []byte(def), 0o600); err != nil {
		t.Fatal(err)
	}

	flagTaskFile = path
	flagTaskID = "override-id"
	task, err := compileTask()
	if err != nil {
		t.Fatalf("compileTask failed: %v", err)
	}
	if task.TaskID() != "override-id" {
		t.Errorf("TaskID = %q, want override-id", task.TaskID())
	}
}

func TestCompileTask_MissingFile(t *testing.T) {
	resetFlags(t)

	flagTaskFile = filepath.Join(t.TempDir(), "absent.yaml")
	if _, err := compileTask(); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestBuildModelRouter_SharedProvider(t *testing.T) {
	cfg := config.LLMConfig{
		FastProvider:  config.ProviderOllama,
		DeepProvider:  config.ProviderOllama,
		OllamaBaseURL: "http://localhost:11434",
		OllamaModel:   "gpt-oss",
	}
	router, err := buildModelRouter(cfg, slog.Default())
	if err != nil {
		t.Fatalf("buildModelRouter failed: %v", err)
	}

	routes := router.Routes()
	if len(routes) != 2 {
		t.Fatalf("Routes() = %v, want FAST and DEEP", routes)
	}
}

func TestNewProviderClient_Unknown(t *testing.T) {
	_, err := newProviderClient("cohere", config.LLMConfig{})
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
	if !strings.Contains(err.Error(), "cohere") {
		t.Errorf("error should name the provider: %v", err)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		status pipeline.ResultStatus
		want   int
	}{
		{pipeline.StatusCompleted, exitSuccess},
		{pipeline.StatusPartial, exitSuccess},
		{pipeline.StatusFailed, exitFailed},
	}
	for _, tt := range tests {
		got := exitCode(pipeline.FinalResult{Status: tt.status})
		if got != tt.want {
			t.Errorf("exitCode(%s) = %d, want %d", tt.status, got, tt.want)
		}
	}
}

func TestUseJSONOutput_FlagForcesJSON(t *testing.T) {
	resetFlags(t)

	flagJSON = true
	if !useJSONOutput() {
		t.Error("useJSONOutput() = false with --json set")
	}
}

func TestSortedKeys(t *testing.T) {
	m := map[string]any{"render": 1, "parse": 2, "execute": 3}
	got := sortedKeys(m)
	want := []string{"execute", "parse", "render"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sortedKeys = %v, want %v", got, want)
		}
	}
}

func TestCompactValue(t *testing.T) {
	if got := compactValue(map[string]any{"v": 1}); got != `{"v":1}` {
		t.Errorf("compactValue = %q", got)
	}

	long := strings.Repeat("x", 500)
	got := compactValue(long)
	if len(got) > 120 {
		t.Errorf("compactValue did not truncate: %d bytes", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("truncated value should end with ellipsis: %q", got)
	}
}
