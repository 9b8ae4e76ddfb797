// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runners

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/AleutianAI/AleutianReports/services/report_engine/pipeline"
)

// defaultMaxRows caps result sets; report placeholders summarize, they do
// not export.
const defaultMaxRows = 1000

// Warehouse is a read-oriented handle on the reporting SQLite database.
type Warehouse struct {
	db   *sql.DB
	path string
}

// OpenWarehouse opens the SQLite warehouse at path. WAL mode keeps
// concurrent report runs from blocking on each other.
func OpenWarehouse(path string) (*Warehouse, error) {
	if path == "" {
		return nil, fmt.Errorf("warehouse path is required")
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open warehouse %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping warehouse %s: %w", path, err)
	}
	return &Warehouse{db: db, path: path}, nil
}

// Close releases the database handle.
func (w *Warehouse) Close() error {
	return w.db.Close()
}

// Path returns the warehouse file path.
func (w *Warehouse) Path() string {
	return w.path
}

// SchemaDoc implements SchemaSource: the CREATE statements of every user
// table and view, for inclusion in model prompts.
func (w *Warehouse) SchemaDoc(ctx context.Context) (string, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT sql FROM sqlite_master
		WHERE type IN ('table', 'view')
		  AND name NOT LIKE 'sqlite_%'
		  AND sql IS NOT NULL
		ORDER BY name`)
	if err != nil {
		return "", fmt.Errorf("read warehouse schema: %w", err)
	}
	defer rows.Close()

	var statements []string
	for rows.Next() {
		var stmt string
		if err := rows.Scan(&stmt); err != nil {
			return "", fmt.Errorf("scan schema row: %w", err)
		}
		statements = append(statements, stmt+";")
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("read warehouse schema: %w", err)
	}
	return strings.Join(statements, "\n\n"), nil
}

// ensureReadOnly rejects anything but a single SELECT (or WITH ... SELECT)
// statement. Semicolons are rejected outright except one trailing; report
// queries have no use for string literals containing them.
func ensureReadOnly(query string) error {
	trimmed := strings.TrimSpace(query)
	trimmed = strings.TrimSuffix(trimmed, ";")
	if trimmed == "" {
		return fmt.Errorf("empty query")
	}
	if strings.ContainsRune(trimmed, ';') {
		return fmt.Errorf("query must be a single statement")
	}
	first := strings.ToUpper(strings.Fields(trimmed)[0])
	if first != "SELECT" && first != "WITH" {
		return fmt.Errorf("query must start with SELECT or WITH, got %q", first)
	}
	return nil
}

// QueryResult is the materialized output of an EXECUTE step.
type QueryResult struct {
	Columns  []string `json:"columns"`
	Rows     [][]any  `json:"rows"`
	RowCount int      `json:"row_count"`
	// Truncated reports that the row cap cut the result short.
	Truncated bool  `json:"truncated"`
	ElapsedMS int64 `json:"elapsed_ms"`
}

// ExecuteRunner runs the validated query against the warehouse.
type ExecuteRunner struct {
	wh *Warehouse
	// MaxRows caps the materialized result. Adjust before first use.
	MaxRows int
}

// NewExecuteRunner builds the runner. wh may be nil when the pipeline has
// no EXECUTE steps; executing one then fails cleanly.
func NewExecuteRunner(wh *Warehouse) *ExecuteRunner {
	return &ExecuteRunner{wh: wh, MaxRows: defaultMaxRows}
}

// Execute implements pipeline.StepRunner. Confidence is NaN: execution is
// deterministic and scored by outcome alone.
func (e *ExecuteRunner) Execute(ctx context.Context, step pipeline.Step, task *pipeline.TaskContext) (any, float64, error) {
	if e.wh == nil {
		return nil, 0, fmt.Errorf("step %s: no warehouse configured", step.ID)
	}

	query, err := e.upstreamQuery(task, step)
	if err != nil {
		return nil, 0, fmt.Errorf("step %s: %w", step.ID, err)
	}
	// Execution enforces the guard regardless of which steps ran before.
	if err := ensureReadOnly(query); err != nil {
		return nil, 0, fmt.Errorf("step %s: %w", step.ID, err)
	}

	start := time.Now()
	rows, err := e.wh.db.QueryContext(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("step %s: query warehouse: %w", step.ID, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, 0, fmt.Errorf("step %s: read columns: %w", step.ID, err)
	}

	result := QueryResult{Columns: columns, Rows: [][]any{}}
	for rows.Next() {
		if result.RowCount >= e.MaxRows {
			result.Truncated = true
			break
		}
		raw := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, 0, fmt.Errorf("step %s: scan row: %w", step.ID, err)
		}
		for i, v := range raw {
			if b, ok := v.([]byte); ok {
				raw[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, raw)
		result.RowCount++
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("step %s: read rows: %w", step.ID, err)
	}
	result.ElapsedMS = time.Since(start).Milliseconds()

	return result, math.NaN(), nil
}

// upstreamQuery prefers the reviewed query and falls back to the generated
// one for graphs that skip VALIDATE.
func (e *ExecuteRunner) upstreamQuery(task *pipeline.TaskContext, step pipeline.Step) (string, error) {
	if raw, ok := ancestorResultByKind(task, step, pipeline.KindValidate); ok {
		validated, err := coerceResult[ValidatedSQL](raw)
		if err != nil {
			return "", err
		}
		return validated.Query, nil
	}
	if raw, ok := ancestorResultByKind(task, step, pipeline.KindSQLGenerate); ok {
		generated, err := coerceResult[GeneratedSQL](raw)
		if err != nil {
			return "", err
		}
		return generated.Query, nil
	}
	return "", fmt.Errorf("no validated or generated query upstream")
}
