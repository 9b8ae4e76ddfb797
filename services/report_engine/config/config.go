// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the application-level configuration for the report
// generator: snapshot store backend, warehouse location, model providers,
// engine knobs, telemetry, and logging. Loading merges, in priority order,
// environment variables over a config file over defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianReports/services/report_engine/pipeline"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendBadger = "badger"
)

// Model providers.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// AppConfig is the top-level configuration, loadable from files/env.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after creation.
type AppConfig struct {
	// Store selects and configures the snapshot store backend.
	Store StoreConfig `json:"store" yaml:"store"`

	// Warehouse locates the reporting database EXECUTE steps query.
	Warehouse WarehouseConfig `json:"warehouse" yaml:"warehouse"`

	// LLM configures the model providers behind the FAST and DEEP routes.
	LLM LLMConfig `json:"llm" yaml:"llm"`

	// Engine contains the round-loop knobs.
	Engine pipeline.EngineConfig `json:"engine" yaml:"engine"`

	// Task contains the per-task defaults applied to compiled plans.
	Task pipeline.Config `json:"task" yaml:"task"`

	// Telemetry contains trace/metric exporter settings.
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`

	// Logging contains log output settings.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// StoreConfig selects the snapshot store backend.
type StoreConfig struct {
	Backend string `json:"backend" yaml:"backend"`
	// Dir is the snapshot directory for the file backend.
	Dir string `json:"dir" yaml:"dir"`
	// BadgerPath is the database directory for the badger backend.
	BadgerPath string `json:"badger_path" yaml:"badger_path"`
	// BadgerInMemory runs badger without files (testing/demo).
	BadgerInMemory bool `json:"badger_in_memory" yaml:"badger_in_memory"`
	// GCInterval is the badger value-log GC cadence. 0 disables.
	GCInterval time.Duration `json:"gc_interval" yaml:"gc_interval"`
}

// WarehouseConfig locates the reporting database.
type WarehouseConfig struct {
	// Path is the SQLite file. Empty disables EXECUTE steps.
	Path string `json:"path" yaml:"path"`
}

// LLMConfig configures the model routes.
type LLMConfig struct {
	// FastProvider and DeepProvider name the providers behind the two
	// routes: ollama, openai, or anthropic.
	FastProvider string `json:"fast_provider" yaml:"fast_provider"`
	DeepProvider string `json:"deep_provider" yaml:"deep_provider"`

	OllamaBaseURL  string `json:"ollama_base_url" yaml:"ollama_base_url"`
	OllamaModel    string `json:"ollama_model" yaml:"ollama_model"`
	OpenAIModel    string `json:"openai_model" yaml:"openai_model"`
	AnthropicModel string `json:"anthropic_model" yaml:"anthropic_model"`

	// RatePerSec caps generation calls across all routes. 0 disables.
	RatePerSec float64 `json:"rate_per_sec" yaml:"rate_per_sec"`
	RateBurst  int     `json:"rate_burst" yaml:"rate_burst"`
}

// TelemetryConfig contains exporter settings.
type TelemetryConfig struct {
	// TracesExporter is otlp, stdout, or none.
	TracesExporter string `json:"traces_exporter" yaml:"traces_exporter"`
	// MetricsExporter is prometheus, stdout, or none.
	MetricsExporter string `json:"metrics_exporter" yaml:"metrics_exporter"`
	// OTLPEndpoint is the gRPC collector endpoint for the otlp exporter.
	OTLPEndpoint string `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	// PrometheusAddr is the listen address for the prometheus exporter.
	PrometheusAddr string  `json:"prometheus_addr" yaml:"prometheus_addr"`
	ServiceName    string  `json:"service_name" yaml:"service_name"`
	SampleRate     float64 `json:"sample_rate" yaml:"sample_rate"`
}

// LoggingConfig contains log output settings.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `json:"level" yaml:"level"`
	// Format is json, text, or auto (text on a TTY, json otherwise).
	Format string `json:"format" yaml:"format"`
}

// Default returns the default configuration.
func Default() AppConfig {
	return AppConfig{
		Store: StoreConfig{
			Backend:    BackendFile,
			Dir:        "snapshots",
			BadgerPath: "snapshots.badger",
			GCInterval: 5 * time.Minute,
		},
		LLM: LLMConfig{
			FastProvider:  ProviderOllama,
			DeepProvider:  ProviderOllama,
			OllamaBaseURL: "http://localhost:11434",
			OllamaModel:   "gpt-oss",
			RateBurst:     1,
		},
		Engine: pipeline.DefaultEngineConfig(),
		Task:   pipeline.DefaultConfig(),
		Telemetry: TelemetryConfig{
			TracesExporter:  "none",
			MetricsExporter: "none",
			OTLPEndpoint:    "localhost:4317",
			PrometheusAddr:  ":9464",
			ServiceName:     "aleutian-reports",
			SampleRate:      1.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load merges configuration with priority: env > file > defaults.
//
// Inputs:
//   - configPath: Path to a YAML/JSON config file (optional, can be empty).
//
// Outputs:
//   - AppConfig: Merged configuration.
//   - error: Non-nil if the file exists but is invalid, or the merged
//     result fails validation.
func Load(configPath string) (AppConfig, error) {
	cfg := Default()

	if configPath != "" {
		if err := loadFile(configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	loadEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *AppConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // File doesn't exist, use defaults
		}
		return err
	}

	// Try YAML first, then JSON
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

func loadEnv(cfg *AppConfig) {
	// Store
	if v := os.Getenv("REPORTS_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("REPORTS_STORE_DIR"); v != "" {
		cfg.Store.Dir = v
	}
	if v := os.Getenv("REPORTS_BADGER_PATH"); v != "" {
		cfg.Store.BadgerPath = v
	}
	if v := os.Getenv("REPORTS_WAREHOUSE_PATH"); v != "" {
		cfg.Warehouse.Path = v
	}

	// LLM. Base URL and model names share the llm service's variables.
	if v := os.Getenv("REPORTS_LLM_FAST_PROVIDER"); v != "" {
		cfg.LLM.FastProvider = v
	}
	if v := os.Getenv("REPORTS_LLM_DEEP_PROVIDER"); v != "" {
		cfg.LLM.DeepProvider = v
	}
	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		cfg.LLM.OllamaBaseURL = v
	}
	if v := os.Getenv("OLLAMA_MODEL"); v != "" {
		cfg.LLM.OllamaModel = v
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		cfg.LLM.OpenAIModel = v
	}
	if v := os.Getenv("CLAUDE_MODEL"); v != "" {
		cfg.LLM.AnthropicModel = v
	}
	if v := os.Getenv("REPORTS_LLM_RATE_PER_SEC"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.LLM.RatePerSec = f
		}
	}
	if v := os.Getenv("REPORTS_LLM_RATE_BURST"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.LLM.RateBurst = i
		}
	}

	// Engine
	if v := os.Getenv("REPORTS_MAX_PARALLEL"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MaxParallel = i
		}
	}
	if v := os.Getenv("REPORTS_STEP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.StepTimeout = d
		}
	}
	if v := os.Getenv("REPORTS_RETRY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.RetryDelay = d
		}
	}

	// Task defaults
	if v := os.Getenv("REPORTS_MAX_ATTEMPTS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Task.MaxAttemptsPerStep = i
		}
	}
	if v := os.Getenv("REPORTS_QUALITY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Task.QualityThreshold = f
		}
	}

	// Telemetry
	if v := os.Getenv("REPORTS_TRACES_EXPORTER"); v != "" {
		cfg.Telemetry.TracesExporter = v
	}
	if v := os.Getenv("REPORTS_METRICS_EXPORTER"); v != "" {
		cfg.Telemetry.MetricsExporter = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("REPORTS_SERVICE_NAME"); v != "" {
		cfg.Telemetry.ServiceName = v
	}
	if v := os.Getenv("REPORTS_TRACE_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Telemetry.SampleRate = f
		}
	}

	// Logging
	if v := os.Getenv("REPORTS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("REPORTS_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

// Validate checks that the configuration is valid.
func (c AppConfig) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendBadger:
	case BackendFile:
		if c.Store.Dir == "" {
			return fmt.Errorf("store.dir is required for the file backend")
		}
	default:
		return fmt.Errorf("store.backend must be one of memory, file, badger; got %q", c.Store.Backend)
	}
	if c.Store.Backend == BackendBadger && !c.Store.BadgerInMemory && c.Store.BadgerPath == "" {
		return fmt.Errorf("store.badger_path is required for the badger backend")
	}

	for _, p := range []string{c.LLM.FastProvider, c.LLM.DeepProvider} {
		switch p {
		case ProviderOllama, ProviderOpenAI, ProviderAnthropic:
		default:
			return fmt.Errorf("llm provider must be one of ollama, openai, anthropic; got %q", p)
		}
	}
	if c.LLM.RatePerSec < 0 {
		return fmt.Errorf("llm.rate_per_sec must be >= 0")
	}
	if c.LLM.RatePerSec > 0 && c.LLM.RateBurst < 1 {
		return fmt.Errorf("llm.rate_burst must be >= 1 when rate limiting is on")
	}

	if err := c.Engine.Validate(); err != nil {
		return err
	}
	if err := c.Task.Validate(); err != nil {
		return err
	}

	switch c.Telemetry.TracesExporter {
	case "otlp", "stdout", "none":
	default:
		return fmt.Errorf("telemetry.traces_exporter must be one of otlp, stdout, none; got %q", c.Telemetry.TracesExporter)
	}
	switch c.Telemetry.MetricsExporter {
	case "prometheus", "stdout", "none":
	default:
		return fmt.Errorf("telemetry.metrics_exporter must be one of prometheus, stdout, none; got %q", c.Telemetry.MetricsExporter)
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be between 0 and 1")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text", "auto":
	default:
		return fmt.Errorf("logging.format must be one of json, text, auto; got %q", c.Logging.Format)
	}
	return nil
}
