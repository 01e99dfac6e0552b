// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics for the relay endpoint.
//
// # Description
//
// Prometheus metrics for streaming chat turns:
//   - Request counters (by endpoint, status)
//   - Stream outcomes (done marker, EOF, aborted, upstream error)
//   - Latency histograms (time to first delta, total duration)
//   - Active stream gauge
//   - Reference search results and lab-intent classification
//
// Metrics are exposed via /metrics.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "ora"

// Subsystem for relay metrics
const relaySubsystem = "relay"

// RelayMetrics holds all Prometheus metrics for the relay endpoint.
//
// # Fields
//
//   - RequestsTotal: Turns by endpoint and status
//   - StreamOutcomesTotal: Streams by how they ended
//   - TimeToFirstDeltaSeconds: Latency to the first forwarded delta
//   - StreamDurationSeconds: Total stream duration
//   - ActiveStreams: Currently open streams
//   - ErrorsTotal: Errors by code
//   - ClientDisconnectsTotal: Clients that went away mid-stream
//   - DeltasTotal: Deltas forwarded
//   - MalformedFramesTotal: Upstream frames that failed to parse
//   - AugmentResultsTotal: Reference searches by result
//   - LabIntentTotal: Classifier decisions
type RelayMetrics struct {
	// RequestsTotal counts turns by endpoint and status.
	// Labels: endpoint, status (success, error, rejected)
	RequestsTotal *prometheus.CounterVec

	// StreamOutcomesTotal counts how streams ended.
	// Labels: endpoint, outcome (done_marker, eof, aborted, upstream_error, unavailable)
	StreamOutcomesTotal *prometheus.CounterVec

	// TimeToFirstDeltaSeconds measures latency to first forwarded delta.
	// Labels: endpoint
	TimeToFirstDeltaSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures total stream duration.
	// Labels: endpoint, outcome
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently open streams.
	// Labels: endpoint
	ActiveStreams *prometheus.GaugeVec

	// ErrorsTotal counts errors by code.
	// Labels: endpoint, error_code
	ErrorsTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts client disconnections during streaming.
	// Labels: endpoint
	ClientDisconnectsTotal *prometheus.CounterVec

	// DeltasTotal counts forwarded deltas.
	// Labels: endpoint
	DeltasTotal *prometheus.CounterVec

	// MalformedFramesTotal counts upstream frames that failed to parse.
	// Labels: endpoint
	MalformedFramesTotal *prometheus.CounterVec

	// AugmentResultsTotal counts reference searches.
	// Labels: result (sources, none)
	AugmentResultsTotal *prometheus.CounterVec

	// LabIntentTotal counts classifier decisions.
	// Labels: lab (true, false)
	LabIntentTotal *prometheus.CounterVec
}

// DefaultMetrics is the process-wide instance, set by InitMetrics.
// Handlers skip recording while it is nil.
var DefaultMetrics *RelayMetrics

// InitMetrics registers the metrics with the default Prometheus registry and
// sets DefaultMetrics.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *RelayMetrics {
	DefaultMetrics = NewRelayMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewRelayMetrics creates metrics registered with reg.
//
// # Examples
//
//	reg := prometheus.NewRegistry()
//	m := observability.NewRelayMetrics(reg)
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	factory := promauto.With(reg)

	return &RelayMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "requests_total",
				Help:      "Total number of chat turns by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		StreamOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "stream_outcomes_total",
				Help:      "Total streams by how they ended",
			},
			[]string{"endpoint", "outcome"},
		),

		TimeToFirstDeltaSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "time_to_first_delta_seconds",
				Help:      "Time from request to first forwarded delta in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),

		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "outcome"},
		),

		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "active_streams",
				Help:      "Number of currently open relay streams",
			},
			[]string{"endpoint"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "errors_total",
				Help:      "Total relay errors by endpoint and code",
			},
			[]string{"endpoint", "error_code"},
		),

		ClientDisconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),

		DeltasTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "deltas_total",
				Help:      "Total text deltas forwarded to clients",
			},
			[]string{"endpoint"},
		),

		MalformedFramesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "malformed_frames_total",
				Help:      "Total upstream stream frames that could not be parsed",
			},
			[]string{"endpoint"},
		),

		AugmentResultsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "augment_results_total",
				Help:      "Total reference searches by result",
			},
			[]string{"result"},
		),

		LabIntentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "lab_intent_total",
				Help:      "Total classifier decisions",
			},
			[]string{"lab"},
		),
	}
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	// ErrorCodeValidation indicates a rejected request body.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeMissingKey indicates the upstream credential is not configured.
	ErrorCodeMissingKey ErrorCode = "missing_key"

	// ErrorCodeUpstreamUnavailable indicates the upstream stream never opened.
	ErrorCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"

	// ErrorCodeUpstreamRead indicates a mid-stream upstream failure.
	ErrorCodeUpstreamRead ErrorCode = "upstream_read"

	// ErrorCodeTimeout indicates the turn deadline elapsed.
	ErrorCodeTimeout ErrorCode = "timeout"

	// ErrorCodeInternal indicates an unexpected failure.
	ErrorCodeInternal ErrorCode = "internal"

	// ErrorCodeClientDisconnect indicates the client went away.
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint represents a relay endpoint for metrics labeling.
type Endpoint string

const (
	// EndpointOraChat is the companion chat relay.
	EndpointOraChat Endpoint = "ora_chat"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a finished turn. status is "success", "error" or
// "rejected".
func (m *RelayMetrics) RecordRequest(endpoint Endpoint, status string) {
	m.RequestsTotal.WithLabelValues(string(endpoint), status).Inc()
}

// RecordError records an error.
func (m *RelayMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// RecordOutcome records how a stream ended and how long it took.
func (m *RelayMetrics) RecordOutcome(endpoint Endpoint, outcome string, seconds float64) {
	m.StreamOutcomesTotal.WithLabelValues(string(endpoint), outcome).Inc()
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), outcome).Observe(seconds)
}

// StreamStarted increments the active streams gauge.
func (m *RelayMetrics) StreamStarted(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *RelayMetrics) StreamEnded(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordTimeToFirstDelta records the first-delta latency.
func (m *RelayMetrics) RecordTimeToFirstDelta(endpoint Endpoint, seconds float64) {
	m.TimeToFirstDeltaSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordDeltas adds forwarded deltas and malformed frames for one stream.
func (m *RelayMetrics) RecordDeltas(endpoint Endpoint, deltas, malformed int) {
	m.DeltasTotal.WithLabelValues(string(endpoint)).Add(float64(deltas))
	m.MalformedFramesTotal.WithLabelValues(string(endpoint)).Add(float64(malformed))
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *RelayMetrics) RecordClientDisconnect(endpoint Endpoint) {
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordAugment records a reference search result.
func (m *RelayMetrics) RecordAugment(found bool) {
	result := "none"
	if found {
		result = "sources"
	}
	m.AugmentResultsTotal.WithLabelValues(result).Inc()
}

// RecordLabIntent records a classifier decision.
func (m *RelayMetrics) RecordLabIntent(lab bool) {
	label := "false"
	if lab {
		label = "true"
	}
	m.LabIntentTotal.WithLabelValues(label).Inc()
}
