package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Meter holds the counters and histograms the session manager, proxy
// stack, and partition service emit to. A zero-value Meter is valid and
// every method on it is a no-op, so components never need to check
// whether telemetry is configured before recording.
type Meter struct {
	retries            metric.Int64Counter
	recoveries         metric.Int64Counter
	sessionSuspensions metric.Int64Counter
	sessionExpirations metric.Int64Counter
	partitionOpens     metric.Int64Counter
	partitionOpenTime  metric.Float64Histogram
}

func newMeter(provider metric.MeterProvider) (Meter, error) {
	m := provider.Meter("pkt.systems/atomix")

	retries, err := m.Int64Counter("atomix.proxy.retries", metric.WithDescription("retried operations on transient errors"))
	if err != nil {
		return Meter{}, err
	}
	recoveries, err := m.Int64Counter("atomix.proxy.recoveries", metric.WithDescription("session recoveries after SessionExpired"))
	if err != nil {
		return Meter{}, err
	}
	suspensions, err := m.Int64Counter("atomix.session.suspensions", metric.WithDescription("sessions transitioning to SUSPENDED"))
	if err != nil {
		return Meter{}, err
	}
	expirations, err := m.Int64Counter("atomix.session.expirations", metric.WithDescription("sessions transitioning to EXPIRED"))
	if err != nil {
		return Meter{}, err
	}
	opens, err := m.Int64Counter("atomix.partition.opens", metric.WithDescription("partition Participant.Open calls"))
	if err != nil {
		return Meter{}, err
	}
	openTime, err := m.Float64Histogram("atomix.partition.open_duration_seconds", metric.WithDescription("partition open latency"))
	if err != nil {
		return Meter{}, err
	}

	return Meter{
		retries:            retries,
		recoveries:         recoveries,
		sessionSuspensions: suspensions,
		sessionExpirations: expirations,
		partitionOpens:     opens,
		partitionOpenTime:  openTime,
	}, nil
}

// RecordRetry increments the retry counter. Safe to call on a zero Meter.
func (m Meter) RecordRetry(ctx context.Context) {
	if m.retries != nil {
		m.retries.Add(ctx, 1)
	}
}

// RecordRecovery increments the session-recovery counter.
func (m Meter) RecordRecovery(ctx context.Context) {
	if m.recoveries != nil {
		m.recoveries.Add(ctx, 1)
	}
}

// RecordSessionSuspended increments the session-suspension counter.
func (m Meter) RecordSessionSuspended(ctx context.Context) {
	if m.sessionSuspensions != nil {
		m.sessionSuspensions.Add(ctx, 1)
	}
}

// RecordSessionExpired increments the session-expiration counter.
func (m Meter) RecordSessionExpired(ctx context.Context) {
	if m.sessionExpirations != nil {
		m.sessionExpirations.Add(ctx, 1)
	}
}

// RecordPartitionOpen increments the partition-open counter and records
// how long the open took.
func (m Meter) RecordPartitionOpen(ctx context.Context, seconds float64) {
	if m.partitionOpens != nil {
		m.partitionOpens.Add(ctx, 1)
	}
	if m.partitionOpenTime != nil {
		m.partitionOpenTime.Record(ctx, seconds)
	}
}
