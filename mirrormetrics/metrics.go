// Copyright (c) FluxMirror
// SPDX-License-Identifier: Apache-2.0

// Package mirrormetrics holds the OpenTelemetry instruments a running
// mirror target reports, and the small adapter types that let the mirror
// package record into them without importing OpenTelemetry itself.
package mirrormetrics

import (
	"context"
	"fmt"

	"github.com/fluxmirror/target/mirror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds every instrument a mirror link reports into.
type Metrics struct {
	meter metric.Meter

	eventsTotal          metric.Int64Counter
	duplicateTotal       metric.Int64Counter
	replayedTotal         metric.Int64Counter
	ackStageTotal        metric.Int64Counter
	idempotentAdminTotal metric.Int64Counter
}

// NewMetrics creates a Metrics instance with every instrument initialized,
// registered against the global OpenTelemetry meter provider under the
// "fluxmirror-target" meter name.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{meter: otel.Meter("fluxmirror-target")}

	var err error

	m.eventsTotal, err = m.meter.Int64Counter(
		"mirror.events.total",
		metric.WithDescription("Inbound mirrored events processed, by kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("mirrormetrics: creating eventsTotal counter: %w", err)
	}

	m.duplicateTotal, err = m.meter.Int64Counter(
		"mirror.replay.duplicate.total",
		metric.WithDescription("Data messages dropped as duplicates during replay"),
	)
	if err != nil {
		return nil, fmt.Errorf("mirrormetrics: creating duplicateTotal counter: %w", err)
	}

	m.replayedTotal, err = m.meter.Int64Counter(
		"mirror.replay.committed.total",
		metric.WithDescription("Data messages successfully routed and committed during replay"),
	)
	if err != nil {
		return nil, fmt.Errorf("mirrormetrics: creating replayedTotal counter: %w", err)
	}

	m.ackStageTotal, err = m.meter.Int64Counter(
		"mirror.ack.stage.total",
		metric.WithDescription("Acks resolved (or exhausted) at each escalation stage"),
	)
	if err != nil {
		return nil, fmt.Errorf("mirrormetrics: creating ackStageTotal counter: %w", err)
	}

	m.idempotentAdminTotal, err = m.meter.Int64Counter(
		"mirror.admin.idempotent.total",
		metric.WithDescription("Administrative events applied as no-ops because the target already matched"),
	)
	if err != nil {
		return nil, fmt.Errorf("mirrormetrics: creating idempotentAdminTotal counter: %w", err)
	}

	return m, nil
}

// ReplaySink adapts Metrics to mirror.ReplayMetricsSink.
func (m *Metrics) ReplaySink() mirror.ReplayMetricsSink { return replaySink{m} }

// AckSink adapts Metrics to mirror.AckMetricsSink.
func (m *Metrics) AckSink() mirror.AckMetricsSink { return ackSink{m} }

// AdminSink adapts Metrics to mirror.AdminMetricsSink.
func (m *Metrics) AdminSink() mirror.AdminMetricsSink { return adminSink{m} }

type replaySink struct{ m *Metrics }

func (s replaySink) IncDuplicate() {
	s.m.duplicateTotal.Add(context.Background(), 1)
	s.m.eventsTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", "data_message")))
}

func (s replaySink) IncReplayed() {
	s.m.replayedTotal.Add(context.Background(), 1)
	s.m.eventsTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", "data_message")))
}

type ackSink struct{ m *Metrics }

func (s ackSink) IncAckStage(stage mirror.AckStage, resolved bool) {
	s.m.ackStageTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("stage", stage.String()),
		attribute.Bool("resolved", resolved),
	))
	s.m.eventsTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", "post_ack")))
}

type adminSink struct{ m *Metrics }

func (s adminSink) IncIdempotentNoOp(kind mirror.EventKind) {
	s.m.idempotentAdminTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(kind))))
	s.m.eventsTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}
