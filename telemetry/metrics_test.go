// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"testing"

	"github.com/absmach/fluxclient/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	ret := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			ret[m.Name] = m.Data
		}
	}
	return ret
}

func sumByQoS(t *testing.T, data metricdata.Aggregation) map[int64]int64 {
	t.Helper()

	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "expected an int64 sum, got %T", data)

	ret := make(map[int64]int64)
	for _, dp := range sum.DataPoints {
		qos, _ := dp.Attributes.Value(attribute.Key("qos"))
		ret[qos.AsInt64()] += dp.Value
	}
	return ret
}

func TestMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	require.NoError(t, err)

	m.RecordDelivered(0)
	m.RecordDelivered(1)
	m.RecordDelivered(1)
	m.RecordDropped(0, "oldest")
	m.RecordFlowControlViolation()
	m.RecordAcknowledged(2)
	m.RecordQueueDepth(1, 3)
	m.RecordQueueDepth(1, -1)
	m.RecordQueueDepth(0, 0)

	got := collect(t, reader)

	assert.Equal(t, map[int64]int64{0: 1, 1: 2}, sumByQoS(t, got["mqtt.inbound.delivered.total"]))
	assert.Equal(t, map[int64]int64{0: 1}, sumByQoS(t, got["mqtt.inbound.dropped.total"]))
	assert.Equal(t, map[int64]int64{2: 1}, sumByQoS(t, got["mqtt.inbound.acknowledged.total"]))
	assert.Equal(t, map[int64]int64{1: 2}, sumByQoS(t, got["mqtt.inbound.queue.depth"]))

	violations, ok := got["mqtt.inbound.flow_control.violations.total"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, violations.DataPoints, 1)
	assert.Equal(t, int64(1), violations.DataPoints[0].Value)

	dropped := got["mqtt.inbound.dropped.total"].(metricdata.Sum[int64])
	policy, ok := dropped.DataPoints[0].Attributes.Value(attribute.Key("policy"))
	require.True(t, ok)
	assert.Equal(t, "oldest", policy.AsString())
}

func TestNewMetricsGlobalProvider(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	m.RecordDelivered(0)
}

func TestInitProviderDisabled(t *testing.T) {
	cfg := config.Default().Telemetry
	shutdown, err := InitProvider(context.Background(), cfg, "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, ok := otel.GetTracerProvider().(tracenoop.TracerProvider)
	assert.True(t, ok)
}
