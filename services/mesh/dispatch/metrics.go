// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

// tracer spans every dispatched tool call.
var tracer = otel.Tracer("mesh.dispatch")

var (
	// toolCallsTotal counts tool calls by tool and result
	toolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_tool_calls_total",
		Help: "Total tool calls by tool and result",
	}, []string{"tool", "result"})

	// toolCallDuration tracks handler latency per tool
	toolCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mesh_tool_call_duration_seconds",
		Help:    "Tool handler duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
	}, []string{"tool"})

	// toolWarningsTotal counts contract warnings emitted by normalization
	toolWarningsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_tool_contract_warnings_total",
		Help: "Contract warnings emitted by argument normalization",
	}, []string{"tool"})
)
