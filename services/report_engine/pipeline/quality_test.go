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
	"errors"
	"math"
	"testing"
)

func TestStandardEvaluator_Evaluate(t *testing.T) {
	ev := NewStandardEvaluator(DefaultQualityConfig())
	errBoom := errors.New("boom")

	tests := []struct {
		name       string
		kind       StepKind
		confidence float64
		execErr    error
		want       float64
	}{
		{"parse success ignores confidence", KindParse, 0.2, nil, 1.0},
		{"parse failure", KindParse, 0.9, errBoom, 0.0},
		{"execute success", KindExecute, math.NaN(), nil, 1.0},
		{"render success", KindRender, 0.1, nil, 1.0},
		{"model confidence passes through", KindSemanticAnalyze, 0.42, nil, 0.42},
		{"model failure", KindSQLGenerate, 0.9, errBoom, 0.0},
		{"confidence clamped high", KindSQLGenerate, 1.3, nil, 1.0},
		{"confidence clamped low", KindValidate, -0.5, nil, 0.0},
		{"missing confidence fails closed", KindSemanticAnalyze, math.NaN(), nil, 0.0},
		{"custom treated as model-backed", KindCustom, 0.77, nil, 0.77},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ev.Evaluate(tt.kind, "result", tt.confidence, tt.execErr)
			if got != tt.want {
				t.Errorf("Evaluate(%v, conf=%v, err=%v) = %v, want %v",
					tt.kind, tt.confidence, tt.execErr, got, tt.want)
			}
		})
	}
}

func TestStandardEvaluator_CustomDeterministicSet(t *testing.T) {
	ev := NewStandardEvaluator(QualityConfig{
		DeterministicKinds: []StepKind{KindCustom},
	})

	if got := ev.Evaluate(KindCustom, "ok", 0.1, nil); got != 1.0 {
		t.Errorf("Evaluate(CUSTOM) = %v, want 1.0 when configured deterministic", got)
	}
	// PARSE is no longer in the set, so confidence applies.
	if got := ev.Evaluate(KindParse, "ok", 0.3, nil); got != 0.3 {
		t.Errorf("Evaluate(PARSE) = %v, want 0.3", got)
	}
}
