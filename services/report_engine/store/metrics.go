// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for snapshot store operations, labeled by backend so
// mixed deployments can compare file and badger latencies directly.
var (
	storeOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapshot_store_operations_total",
			Help: "Total snapshot store operations by backend, operation, and status",
		},
		[]string{"backend", "operation", "status"},
	)

	storeOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapshot_store_operation_duration_seconds",
			Help:    "Duration of snapshot store operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"backend", "operation"},
	)

	storeSnapshotSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapshot_store_snapshot_size_bytes",
			Help:    "Size of marshaled task snapshots at save time",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		},
		[]string{"backend"},
	)
)

// observeOp records one completed store operation.
func observeOp(backend, operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	storeOperations.WithLabelValues(backend, operation, status).Inc()
	storeOperationDuration.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
}
