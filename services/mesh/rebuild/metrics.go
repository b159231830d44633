// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rebuild

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// rebuildTotal counts rebuilds by mode, trigger and result
	rebuildTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_rebuild_total",
		Help: "Total graph rebuilds by mode, trigger and result",
	}, []string{"mode", "trigger", "result"})

	// rebuildDuration tracks rebuild latency by mode
	rebuildDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mesh_rebuild_duration_seconds",
		Help:    "Graph rebuild duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~160s
	}, []string{"mode"})

	// rebuildFilesScanned tracks files scanned per rebuild
	rebuildFilesScanned = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mesh_rebuild_files_scanned",
		Help:    "Number of files scanned per rebuild",
		Buckets: []float64{1, 10, 50, 200, 1000, 5000, 20000},
	})

	// rebuildThrottled counts watcher rebuilds dropped by the rate limit
	rebuildThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mesh_rebuild_throttled_total",
		Help: "Watcher-triggered rebuilds dropped by the rate limit",
	})
)
