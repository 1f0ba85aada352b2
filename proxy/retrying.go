package proxy

import (
	"context"
	"time"

	"pkt.systems/atomix/internal/telemetry"
)

// retrying retries transient failures (Unavailable, LeaderUnknown,
// OperationLost) up to maxRetries with a fixed delay between attempts.
// Non-transient errors, including ApplicationError and SessionExpired,
// pass through on the first attempt unchanged.
type retrying struct {
	inner      Proxy
	maxRetries int
	retryDelay time.Duration
	meter      telemetry.Meter
}

func newRetrying(inner Proxy, maxRetries int, retryDelay time.Duration, meter telemetry.Meter) *retrying {
	return &retrying{inner: inner, maxRetries: maxRetries, retryDelay: retryDelay, meter: meter}
}

func (r *retrying) Name() string { return r.inner.Name() }

func (r *retrying) Submit(ctx context.Context, command []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		result, err := r.inner.Submit(ctx, command)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isTransientForRetry(err) {
			return nil, err
		}
		if attempt < r.maxRetries {
			if !r.wait(ctx) {
				return nil, lastErr
			}
			r.meter.RecordRetry(ctx)
		}
	}
	return nil, lastErr
}

func (r *retrying) Query(ctx context.Context, level ReadConsistency, query []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		result, err := r.inner.Query(ctx, level, query)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isTransientForRetry(err) {
			return nil, err
		}
		if attempt < r.maxRetries {
			if !r.wait(ctx) {
				return nil, lastErr
			}
			r.meter.RecordRetry(ctx)
		}
	}
	return nil, lastErr
}

func (r *retrying) Close(ctx context.Context) error {
	return r.inner.Close(ctx)
}

// wait blocks for retryDelay or until ctx is done, reporting whether the
// delay elapsed (false means the context was cancelled first).
func (r *retrying) wait(ctx context.Context) bool {
	if r.retryDelay <= 0 {
		return true
	}
	timer := time.NewTimer(r.retryDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
