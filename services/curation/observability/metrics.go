// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the
// curation service.
//
// # Description
//
// This package implements Prometheus metrics for monitoring annotation
// and pipeline operations. Metrics include:
//   - HTTP request counters and latency histograms (by route, method, status)
//   - LLM call counters and inference latency histograms
//   - Annotation counters (by prompt type and outcome)
//   - Active pipeline job gauge
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "curator"

// ServiceMetrics holds all Prometheus metrics for the curation service.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring HTTP traffic,
// model inference, annotation throughput, and pipeline jobs. Initialize
// once at startup via InitMetrics().
//
// # Thread Safety
//
// All operations are thread-safe.
type ServiceMetrics struct {
	// HTTPRequestsTotal counts HTTP requests by route, method, and status.
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTPRequestDuration measures request latency by route and method.
	HTTPRequestDuration *prometheus.HistogramVec

	// LLMCallsTotal counts model generation calls by status.
	// Labels: status (success, error)
	LLMCallsTotal *prometheus.CounterVec

	// LLMInferenceSeconds measures model inference latency.
	LLMInferenceSeconds prometheus.Histogram

	// AnnotationsTotal counts produced annotations by prompt type and
	// status (success, error, incomplete).
	AnnotationsTotal *prometheus.CounterVec

	// ActiveJobs tracks currently running pipeline jobs.
	ActiveJobs prometheus.Gauge
}

// DefaultMetrics is the singleton instance of ServiceMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *ServiceMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Should be called once
// at application startup.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *ServiceMetrics {
	DefaultMetrics = &ServiceMetrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests by route, method, and status",
			},
			[]string{"route", "method", "status"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by route and method",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"route", "method"},
		),

		LLMCallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "llm_calls_total",
				Help:      "Total model generation calls by status",
			},
			[]string{"status"},
		),

		LLMInferenceSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "llm_inference_seconds",
				Help:      "Model inference latency in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),

		AnnotationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "annotations_total",
				Help:      "Total annotations produced by prompt type and status",
			},
			[]string{"prompt_type", "status"},
		),

		ActiveJobs: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active_pipeline_jobs",
				Help:      "Number of currently running pipeline jobs",
			},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordLLMCall records one model generation call.
func (m *ServiceMetrics) RecordLLMCall(seconds float64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.LLMCallsTotal.WithLabelValues(status).Inc()
	if seconds > 0 {
		m.LLMInferenceSeconds.Observe(seconds)
	}
}

// RecordAnnotation records one produced annotation.
func (m *ServiceMetrics) RecordAnnotation(promptType, status string) {
	m.AnnotationsTotal.WithLabelValues(promptType, status).Inc()
}

// JobStarted increments the active pipeline job gauge.
func (m *ServiceMetrics) JobStarted() {
	m.ActiveJobs.Inc()
}

// JobEnded decrements the active pipeline job gauge.
func (m *ServiceMetrics) JobEnded() {
	m.ActiveJobs.Dec()
}

// Middleware returns a gin middleware that records request counts and
// latency for every matched route. Unmatched routes are labeled by raw
// path to keep 404 traffic visible without exploding cardinality on
// parameterized routes.
func (m *ServiceMetrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		method := c.Request.Method
		m.HTTPRequestsTotal.WithLabelValues(route, method, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPRequestDuration.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
	}
}
