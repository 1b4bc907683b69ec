package engine

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type engineMetrics struct {
	broadcasts          metric.Int64Counter
	broadcastFailures   metric.Int64Counter
	rejectedTransitions metric.Int64Counter
	connections         metric.Int64UpDownCounter
}

func newEngineMetrics(log *slog.Logger) *engineMetrics {
	meter := otel.Meter("parley/engine")
	m := &engineMetrics{}
	var err error
	if m.broadcasts, err = meter.Int64Counter("parley_broadcasts_total",
		metric.WithDescription("Envelopes fanned out, by envelope type")); err != nil {
		log.Warn("failed to create broadcast counter", slogError(err))
	}
	if m.broadcastFailures, err = meter.Int64Counter("parley_broadcast_failures_total",
		metric.WithDescription("Per-connection sends that failed and pruned the connection")); err != nil {
		log.Warn("failed to create broadcast failure counter", slogError(err))
	}
	if m.rejectedTransitions, err = meter.Int64Counter("parley_transitions_rejected_total",
		metric.WithDescription("State-change requests rejected by the transition table")); err != nil {
		log.Warn("failed to create rejected transition counter", slogError(err))
	}
	if m.connections, err = meter.Int64UpDownCounter("parley_connections",
		metric.WithDescription("Live websocket connections")); err != nil {
		log.Warn("failed to create connection counter", slogError(err))
	}
	return m
}

func (m *engineMetrics) broadcastSent(ctx context.Context, envType string, receivers int) {
	if m.broadcasts != nil {
		m.broadcasts.Add(ctx, int64(receivers), metric.WithAttributes(attribute.String("type", envType)))
	}
}

func (m *engineMetrics) broadcastFailed(ctx context.Context) {
	if m.broadcastFailures != nil {
		m.broadcastFailures.Add(ctx, 1)
	}
}

func (m *engineMetrics) transitionRejected(ctx context.Context) {
	if m.rejectedTransitions != nil {
		m.rejectedTransitions.Add(ctx, 1)
	}
}

func (m *engineMetrics) connectionDelta(ctx context.Context, delta int64) {
	if m.connections != nil {
		m.connections.Add(ctx, delta)
	}
}
