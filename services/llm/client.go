// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides model backends for placeholder resolution steps.
//
// Every backend satisfies LLMClient; the Router dispatches to a backend by
// named route so callers can escalate between a fast and a deep model
// without knowing which provider serves either.
package llm

import (
	"context"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("aleutian.report.llm")

// GenerationParams carries sampling knobs for a single generation call.
// Pointer fields distinguish "caller did not set this" from an explicit
// zero; backends apply their own defaults for nil fields.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// LLMClient is the standard interface for any model backend.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}
