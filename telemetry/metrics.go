// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"fmt"

	"github.com/absmach/fluxclient/incoming"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/absmach/fluxclient"

var _ incoming.Recorder = (*Metrics)(nil)

// Metrics holds OpenTelemetry instruments for incoming publish dispatch.
type Metrics struct {
	meter metric.Meter

	// Counters
	delivered    metric.Int64Counter
	dropped      metric.Int64Counter
	violations   metric.Int64Counter
	acknowledged metric.Int64Counter

	// UpDownCounters (Gauges)
	queueDepth metric.Int64UpDownCounter
}

// NewMetrics creates the instruments from mp, or from the global meter
// provider when mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := &Metrics{
		meter: mp.Meter(meterName),
	}

	var err error

	m.delivered, err = m.meter.Int64Counter(
		"mqtt.inbound.delivered.total",
		metric.WithDescription("Publishes handed to subscription flows"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivered counter: %w", err)
	}

	m.dropped, err = m.meter.Int64Counter(
		"mqtt.inbound.dropped.total",
		metric.WithDescription("QoS 0 publishes discarded on queue overflow"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dropped counter: %w", err)
	}

	m.violations, err = m.meter.Int64Counter(
		"mqtt.inbound.flow_control.violations.total",
		metric.WithDescription("QoS 1 and 2 publishes received beyond the receive maximum"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create violations counter: %w", err)
	}

	m.acknowledged, err = m.meter.Int64Counter(
		"mqtt.inbound.acknowledged.total",
		metric.WithDescription("QoS 1 and 2 publishes acknowledged to the broker"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create acknowledged counter: %w", err)
	}

	m.queueDepth, err = m.meter.Int64UpDownCounter(
		"mqtt.inbound.queue.depth",
		metric.WithDescription("Publishes waiting for delivery or acknowledgement"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queueDepth gauge: %w", err)
	}

	return m, nil
}

// RecordDelivered records a publish delivered to one flow.
func (m *Metrics) RecordDelivered(qos byte) {
	m.delivered.Add(context.Background(), 1, qosAttr(qos))
}

// RecordDropped records a discarded QoS 0 publish.
func (m *Metrics) RecordDropped(qos byte, reason string) {
	m.dropped.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Int("qos", int(qos)),
		attribute.String("policy", reason),
	))
}

// RecordFlowControlViolation records a publish beyond the receive maximum.
func (m *Metrics) RecordFlowControlViolation() {
	m.violations.Add(context.Background(), 1)
}

// RecordAcknowledged records a protocol acknowledgement.
func (m *Metrics) RecordAcknowledged(qos byte) {
	m.acknowledged.Add(context.Background(), 1, qosAttr(qos))
}

// RecordQueueDepth adjusts the queue depth gauge.
func (m *Metrics) RecordQueueDepth(qos byte, delta int64) {
	if delta == 0 {
		return
	}
	m.queueDepth.Add(context.Background(), delta, qosAttr(qos))
}

func qosAttr(qos byte) metric.MeasurementOption {
	return metric.WithAttributes(attribute.Int("qos", int(qos)))
}
