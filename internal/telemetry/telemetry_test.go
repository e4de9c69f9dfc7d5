package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// CounterValue sums every data point of an int64 counter named name.
func CounterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestProvider_RecordsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := NewWithReader(reader)
	require.NoError(t, err)
	ctx := context.Background()

	p.RecordReservation(ctx, "opened", 5)
	p.RecordReservation(ctx, "replayed", 5)
	p.RecordReservation(ctx, "insufficient", 9)
	p.RecordSettlement(ctx, "settled", false, 3, 2)
	p.RecordSettlement(ctx, "settled", true, 3, 2)
	p.RecordSweep(ctx, 4, 1)
	p.RecordRequest(ctx, "http", "/v1/reservations", "201", 12*time.Millisecond)

	assert.Equal(t, int64(3), CounterValue(t, reader, "credit.reservations"))
	assert.Equal(t, int64(5), CounterValue(t, reader, "credit.reserved"))
	assert.Equal(t, int64(2), CounterValue(t, reader, "credit.settlements"))
	assert.Equal(t, int64(3), CounterValue(t, reader, "credit.charged"))
	assert.Equal(t, int64(2), CounterValue(t, reader, "credit.refunded"))
	assert.Equal(t, int64(5), CounterValue(t, reader, "credit.sweeper.reservations"))
	assert.Equal(t, int64(1), CounterValue(t, reader, "credit.requests"))
}

func TestProvider_NilIsNoop(t *testing.T) {
	var p *Provider
	ctx := context.Background()

	p.RecordReservation(ctx, "opened", 1)
	p.RecordSettlement(ctx, "settled", false, 1, 1)
	p.RecordSweep(ctx, 1, 0)
	p.RecordRequest(ctx, "grpc", "Settle", "OK", time.Millisecond)
	_, end := p.StartSpan(ctx, "noop")
	end(errors.New("ignored"))
	assert.NoError(t, p.Shutdown(ctx))
}

func TestSetup_WithoutEndpoint(t *testing.T) {
	ctx := context.Background()
	p, err := Setup(ctx, Config{ServiceName: "credit-meter", Environment: "test"}, nil)
	require.NoError(t, err)

	_, end := p.StartSpan(ctx, "reservation.open")
	end(nil)
	p.RecordReservation(ctx, "opened", 1)
	require.NoError(t, p.Shutdown(ctx))
}
