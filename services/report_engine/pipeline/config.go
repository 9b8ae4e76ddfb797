// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"fmt"
	"math"
	"time"
)

const (
	// DefaultMaxAttemptsPerStep is the per-step attempt budget.
	DefaultMaxAttemptsPerStep = 3

	// DefaultQualityThreshold is the minimum quality for accepting a result.
	DefaultQualityThreshold = 0.8

	// DefaultMaxParallel bounds concurrent step dispatch within a round.
	DefaultMaxParallel = 8

	// DefaultStepTimeout bounds a single step attempt. Model-backed steps
	// dominate; two minutes covers a slow DEEP-tier generation.
	DefaultStepTimeout = 2 * time.Minute

	// DefaultCheckpointRetries is how many times a failed round checkpoint
	// is retried before the task is failed as unresumable.
	DefaultCheckpointRetries = 1

	// DefaultEscalateBelow is the last-attempt quality under which a retry
	// escalates to the DEEP tier.
	DefaultEscalateBelow = 0.7

	// DefaultTrailingWindow is how many recent history entries feed the
	// task-wide trailing quality average.
	DefaultTrailingWindow = 5

	// DefaultTrailingBelow is the trailing average under which retries
	// escalate to the DEEP tier.
	DefaultTrailingBelow = 0.7
)

// Config holds the task-level knobs stored on a TaskContext.
type Config struct {
	// MaxAttemptsPerStep is the attempt budget per step. Zero takes the
	// default (3).
	MaxAttemptsPerStep int `json:"max_attempts_per_step" yaml:"max_attempts_per_step"`

	// QualityThreshold is the minimum quality for a result to stand.
	// Zero takes the default (0.8).
	QualityThreshold float64 `json:"quality_threshold" yaml:"quality_threshold"`
}

// DefaultConfig returns the task-level defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttemptsPerStep: DefaultMaxAttemptsPerStep,
		QualityThreshold:   DefaultQualityThreshold,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxAttemptsPerStep == 0 {
		c.MaxAttemptsPerStep = DefaultMaxAttemptsPerStep
	}
	if c.QualityThreshold == 0 {
		c.QualityThreshold = DefaultQualityThreshold
	}
	return c
}

// Validate checks the config for usable values.
func (c Config) Validate() error {
	if c.MaxAttemptsPerStep < 1 {
		return fmt.Errorf("%w: max_attempts_per_step must be >= 1, got %d",
			ErrInvalidConfig, c.MaxAttemptsPerStep)
	}
	if math.IsNaN(c.QualityThreshold) || c.QualityThreshold < 0 || c.QualityThreshold > 1 {
		return fmt.Errorf("%w: quality_threshold must be in [0,1], got %v",
			ErrInvalidConfig, c.QualityThreshold)
	}
	return nil
}

// EngineConfig holds the engine-level knobs.
type EngineConfig struct {
	// MaxParallel bounds concurrent step dispatch within a round.
	// Zero takes the default (8).
	MaxParallel int `json:"max_parallel" yaml:"max_parallel"`

	// StepTimeout bounds a single step attempt. Zero takes the default.
	StepTimeout time.Duration `json:"step_timeout" yaml:"step_timeout"`

	// RetryDelay is slept before re-dispatching a retried step. The zero
	// default retries immediately; operators facing rate limits raise it.
	RetryDelay time.Duration `json:"retry_delay" yaml:"retry_delay"`

	// CheckpointRetries is how many extra attempts a failed round
	// checkpoint gets before the task fails. Negative disables retries.
	CheckpointRetries int `json:"checkpoint_retries" yaml:"checkpoint_retries"`
}

// DefaultEngineConfig returns the engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxParallel:       DefaultMaxParallel,
		StepTimeout:       DefaultStepTimeout,
		RetryDelay:        0,
		CheckpointRetries: DefaultCheckpointRetries,
	}
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.MaxParallel == 0 {
		c.MaxParallel = DefaultMaxParallel
	}
	if c.StepTimeout == 0 {
		c.StepTimeout = DefaultStepTimeout
	}
	if c.CheckpointRetries < 0 {
		c.CheckpointRetries = 0
	}
	return c
}

// Validate checks the config for usable values.
func (c EngineConfig) Validate() error {
	if c.MaxParallel < 1 {
		return fmt.Errorf("%w: max_parallel must be >= 1, got %d",
			ErrInvalidConfig, c.MaxParallel)
	}
	if c.StepTimeout < 0 {
		return fmt.Errorf("%w: step_timeout must not be negative", ErrInvalidConfig)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("%w: retry_delay must not be negative", ErrInvalidConfig)
	}
	return nil
}

// TierConfig holds the tier-selection knobs consulted on retries.
type TierConfig struct {
	// AlwaysDeepKinds always retry at DEEP, regardless of history.
	AlwaysDeepKinds []StepKind `json:"always_deep_kinds" yaml:"always_deep_kinds"`

	// EscalateBelow escalates a retry to DEEP when the step's last
	// attempt scored under it.
	EscalateBelow float64 `json:"escalate_below" yaml:"escalate_below"`

	// TrailingWindow is how many recent task-wide attempts feed the
	// trailing average.
	TrailingWindow int `json:"trailing_window" yaml:"trailing_window"`

	// TrailingBelow escalates a retry to DEEP when the trailing average
	// scores under it.
	TrailingBelow float64 `json:"trailing_below" yaml:"trailing_below"`
}

// DefaultTierConfig returns the tier-selection defaults.
func DefaultTierConfig() TierConfig {
	return TierConfig{
		AlwaysDeepKinds: []StepKind{KindSQLGenerate, KindValidate},
		EscalateBelow:   DefaultEscalateBelow,
		TrailingWindow:  DefaultTrailingWindow,
		TrailingBelow:   DefaultTrailingBelow,
	}
}

// Validate checks the config for usable values.
func (c TierConfig) Validate() error {
	for _, k := range c.AlwaysDeepKinds {
		if !k.Valid() {
			return fmt.Errorf("%w: unknown kind %q in always_deep_kinds",
				ErrInvalidConfig, k)
		}
	}
	if math.IsNaN(c.EscalateBelow) || c.EscalateBelow < 0 || c.EscalateBelow > 1 {
		return fmt.Errorf("%w: escalate_below must be in [0,1]", ErrInvalidConfig)
	}
	if math.IsNaN(c.TrailingBelow) || c.TrailingBelow < 0 || c.TrailingBelow > 1 {
		return fmt.Errorf("%w: trailing_below must be in [0,1]", ErrInvalidConfig)
	}
	if c.TrailingWindow < 1 {
		return fmt.Errorf("%w: trailing_window must be >= 1, got %d",
			ErrInvalidConfig, c.TrailingWindow)
	}
	return nil
}

// QualityConfig holds the quality-evaluation knobs.
type QualityConfig struct {
	// DeterministicKinds score 1.0 on success and 0.0 on failure,
	// ignoring runner-reported confidence.
	DeterministicKinds []StepKind `json:"deterministic_kinds" yaml:"deterministic_kinds"`
}

// DefaultQualityConfig returns the quality-evaluation defaults.
// PARSE, EXECUTE, and RENDER either work or they don't; the model-backed
// kinds carry a meaningful confidence.
func DefaultQualityConfig() QualityConfig {
	return QualityConfig{
		DeterministicKinds: []StepKind{KindParse, KindExecute, KindRender},
	}
}

// Validate checks the config for usable values.
func (c QualityConfig) Validate() error {
	for _, k := range c.DeterministicKinds {
		if !k.Valid() {
			return fmt.Errorf("%w: unknown kind %q in deterministic_kinds",
				ErrInvalidConfig, k)
		}
	}
	return nil
}
