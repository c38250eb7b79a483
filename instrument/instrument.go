// SPDX-FileCopyrightText: © 2026 The Fieldrelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument holds the node's Prometheus collectors.
package instrument

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons used as the "reason" label of MessagesDropped.
const (
	ReasonExpired     = "expired"
	ReasonDuplicate   = "duplicate"
	ReasonUnreachable = "unreachable"
	ReasonMalformed   = "malformed"
	ReasonBufferFull  = "buffer_full"
)

var (
	messagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldrelay_messages_dropped_total",
			Help: "Number of messages dropped, by reason",
		},
		[]string{"reason"},
	)
	permanentFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldrelay_permanent_failures_total",
			Help: "Number of messages that exhausted their retries",
		},
		[]string{"component"},
	)
	bufferDiscarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldrelay_buffer_discarded_total",
			Help: "Number of buffered messages discarded after too many sync attempts",
		},
	)
	bufferPersistFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldrelay_buffer_persist_failures_total",
			Help: "Number of failed durable buffer writes",
		},
	)
	securityFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldrelay_security_failures_total",
			Help: "Number of security failures, by operation",
		},
		[]string{"op"},
	)
	meshForwarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldrelay_mesh_forwarded_total",
			Help: "Number of messages forwarded over the mesh",
		},
	)
	syncedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldrelay_synced_messages_total",
			Help: "Number of buffered messages delivered upstream",
		},
	)
	pendingAcks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldrelay_pending_acks",
			Help: "Number of transmissions awaiting acknowledgment",
		},
	)
	outboundQueueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldrelay_outbound_queue_length",
			Help: "Number of messages waiting in the outbound queue",
		},
	)
	upstreamConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldrelay_upstream_connected",
			Help: "1 if the upstream link is believed to be reachable",
		},
	)
	meshBuffered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldrelay_mesh_buffered",
			Help: "Number of messages held for store-and-forward",
		},
	)
	ackLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fieldrelay_ack_latency_seconds",
			Help:    "Time between transmission and acknowledgment",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	registerOnce sync.Once
)

// Init registers the collectors with the default registry.  It is safe to
// call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			messagesDropped,
			permanentFailures,
			bufferDiscarded,
			bufferPersistFailures,
			securityFailures,
			meshForwarded,
			syncedMessages,
			pendingAcks,
			outboundQueueLength,
			upstreamConnected,
			meshBuffered,
			ackLatency,
		)
	})
}

// StartListener exposes the registered metrics over HTTP on addr.  The
// returned server should be closed on shutdown.  Listener errors are passed
// to errFn.
func StartListener(addr string, errFn func(error)) *http.Server {
	Init()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errFn(err)
		}
	}()
	return srv
}

// MessageDropped increments the drop counter for reason.
func MessageDropped(reason string) {
	messagesDropped.WithLabelValues(reason).Inc()
}

// PermanentFailure increments the permanent failure counter for component.
func PermanentFailure(component string) {
	permanentFailures.WithLabelValues(component).Inc()
}

// BufferDiscarded increments the buffer discard counter.
func BufferDiscarded() {
	bufferDiscarded.Inc()
}

// BufferPersistFailure increments the buffer write failure counter.
func BufferPersistFailure() {
	bufferPersistFailures.Inc()
}

// SecurityFailure increments the security failure counter for op.
func SecurityFailure(op string) {
	securityFailures.WithLabelValues(op).Inc()
}

// MeshForwarded increments the mesh forward counter.
func MeshForwarded() {
	meshForwarded.Inc()
}

// Synced adds n to the synced message counter.
func Synced(n int) {
	syncedMessages.Add(float64(n))
}

// PendingAcks sets the pending acknowledgment gauge.
func PendingAcks(n int) {
	pendingAcks.Set(float64(n))
}

// OutboundQueueLength sets the outbound queue gauge.
func OutboundQueueLength(n int) {
	outboundQueueLength.Set(float64(n))
}

// UpstreamConnected sets the upstream connectivity gauge.
func UpstreamConnected(up bool) {
	if up {
		upstreamConnected.Set(1)
	} else {
		upstreamConnected.Set(0)
	}
}

// MeshBuffered sets the store-and-forward gauge.
func MeshBuffered(n int) {
	meshBuffered.Set(float64(n))
}

// AckLatency observes an acknowledgment round trip.
func AckLatency(d time.Duration) {
	ackLatency.Observe(d.Seconds())
}
