// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package taskdef loads placeholder task definitions from YAML documents
// and compiles them into runnable pipeline plans.
//
// A definition looks like:
//
//	task_id: revenue-q4
//	quality_threshold: 0.8
//	max_attempts: 3
//	steps:
//	  - id: parse
//	    kind: PARSE
//	    params:
//	      directive: "metric: total_revenue; period: 2025-Q4; group: region"
//	  - id: semantic_analyze
//	    kind: SEMANTIC_ANALYZE
//	    depends_on: [parse]
//	  - id: sql_generate
//	    kind: SQL_GENERATE
//	    depends_on: [semantic_analyze]
//	    tier: DEEP
//	  - id: execute
//	    kind: EXECUTE
//	    depends_on: [sql_generate]
//	    required: true
//
// JSON documents work too; yaml.v3 accepts JSON input.
package taskdef

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianReports/services/report_engine/pipeline"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// defValidate is the validator instance for task definitions.
// Initialized in init() with custom validators.
var defValidate *validator.Validate

// taskIDPattern limits task ids to characters safe for store keys and
// snapshot filenames.
var taskIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

func init() {
	defValidate = validator.New()
	_ = defValidate.RegisterValidation("taskid", validateTaskID)
	_ = defValidate.RegisterValidation("stepkind", validateStepKind)
	_ = defValidate.RegisterValidation("steptier", validateStepTier)
}

func validateTaskID(fl validator.FieldLevel) bool {
	return taskIDPattern.MatchString(fl.Field().String())
}

func validateStepKind(fl validator.FieldLevel) bool {
	return pipeline.StepKind(fl.Field().String()).Valid()
}

func validateStepTier(fl validator.FieldLevel) bool {
	return pipeline.Tier(fl.Field().String()).Valid()
}

// =============================================================================
// Definition Types
// =============================================================================

// Definition is one placeholder task as declared by a report author.
type Definition struct {
	// TaskID names the task. Empty generates a UUID at compile time.
	TaskID string `json:"task_id" yaml:"task_id" validate:"omitempty,taskid"`

	// MaxAttempts is the per-step attempt budget. 0 takes the engine default.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts" validate:"gte=0,lte=10"`

	// QualityThreshold is the minimum accepted result quality. 0 takes the
	// engine default.
	QualityThreshold float64 `json:"quality_threshold" yaml:"quality_threshold" validate:"gte=0,lte=1"`

	// Steps declares the work graph.
	Steps []StepDef `json:"steps" yaml:"steps" validate:"required,min=1,dive"`
}

// StepDef is one step declaration.
type StepDef struct {
	ID        string         `json:"id" yaml:"id" validate:"required,taskid"`
	Kind      string         `json:"kind" yaml:"kind" validate:"required,stepkind"`
	DependsOn []string       `json:"depends_on,omitempty" yaml:"depends_on" validate:"omitempty,dive,required"`
	Tier      string         `json:"tier,omitempty" yaml:"tier" validate:"omitempty,steptier"`
	Required  bool           `json:"required,omitempty" yaml:"required"`
	Params    map[string]any `json:"params,omitempty" yaml:"params"`
}

// =============================================================================
// Loading
// =============================================================================

// Load reads and parses a definition file.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task definition %s: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("task definition %s: %w", path, err)
	}
	return def, nil
}

// Parse decodes a YAML (or JSON) definition and validates it.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse task definition: %w", err)
	}
	def.normalize()
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// normalize upcases kind and tier so definitions may use either case.
func (d *Definition) normalize() {
	for i := range d.Steps {
		d.Steps[i].Kind = strings.ToUpper(strings.TrimSpace(d.Steps[i].Kind))
		d.Steps[i].Tier = strings.ToUpper(strings.TrimSpace(d.Steps[i].Tier))
	}
}

// Validate checks field constraints and cross-step references. Dependency
// cycles are caught later, at compile.
func (d *Definition) Validate() error {
	if err := defValidate.Struct(d); err != nil {
		return fmt.Errorf("invalid task definition: %w", err)
	}

	seen := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if seen[s.ID] {
			return fmt.Errorf("invalid task definition: duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
	}
	for _, s := range d.Steps {
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return fmt.Errorf("invalid task definition: step %q depends on itself", s.ID)
			}
			if !seen[dep] {
				return fmt.Errorf("invalid task definition: step %q depends on unknown step %q", s.ID, dep)
			}
		}
	}
	return nil
}

// =============================================================================
// Compilation
// =============================================================================

// Compile turns the definition into a runnable TaskContext.
func (d *Definition) Compile() (*pipeline.TaskContext, error) {
	b := pipeline.NewPlan(d.TaskID)
	if d.MaxAttempts > 0 {
		b.WithMaxAttempts(d.MaxAttempts)
	}
	if d.QualityThreshold > 0 {
		b.WithQualityThreshold(d.QualityThreshold)
	}

	for _, s := range d.Steps {
		var opts []pipeline.StepOption
		if s.Tier != "" {
			opts = append(opts, pipeline.WithTier(pipeline.Tier(s.Tier)))
		}
		if s.Required {
			opts = append(opts, pipeline.AsRequired())
		}
		if len(s.Params) > 0 {
			opts = append(opts, pipeline.WithParams(s.Params))
		}
		b.AddStep(s.ID, pipeline.StepKind(s.Kind), s.DependsOn, opts...)
	}

	task, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("compile task definition: %w", err)
	}
	return task, nil
}

// Standard returns the canonical six-step definition for one directive.
// It mirrors pipeline.StandardPlaceholderSteps in definition form, for
// callers that want to emit or edit YAML.
func Standard(taskID, directive string) *Definition {
	return &Definition{
		TaskID: taskID,
		Steps: []StepDef{
			{ID: pipeline.StepParse, Kind: string(pipeline.KindParse),
				Params: map[string]any{"directive": directive}},
			{ID: pipeline.StepSemanticAnalyze, Kind: string(pipeline.KindSemanticAnalyze),
				DependsOn: []string{pipeline.StepParse}},
			{ID: pipeline.StepSQLGenerate, Kind: string(pipeline.KindSQLGenerate),
				DependsOn: []string{pipeline.StepSemanticAnalyze}},
			{ID: pipeline.StepValidate, Kind: string(pipeline.KindValidate),
				DependsOn: []string{pipeline.StepSQLGenerate}},
			{ID: pipeline.StepExecute, Kind: string(pipeline.KindExecute),
				DependsOn: []string{pipeline.StepValidate}, Required: true},
			{ID: pipeline.StepRender, Kind: string(pipeline.KindRender),
				DependsOn: []string{pipeline.StepExecute}},
		},
	}
}
