package proxy

import (
	"context"
	"errors"
	"time"

	"pkt.systems/atomix/internal/errkind"
)

// deadlined bounds every call's context by maxTimeout and classifies a
// context deadline as Timeout, a kind Retrying never retries. With no
// maxTimeout set it adds no deadline. minTimeout never extends a caller's
// deadline: a derived context cannot outlive its parent, so a call ends at
// the earlier of the caller's deadline and maxTimeout. It is always
// applied, ahead of Retrying in the composition, since the retrying layer
// must see Timeout as terminal.
type deadlined struct {
	inner      Proxy
	minTimeout time.Duration
	maxTimeout time.Duration
}

func newDeadlined(inner Proxy, minTimeout, maxTimeout time.Duration) *deadlined {
	return &deadlined{inner: inner, minTimeout: minTimeout, maxTimeout: maxTimeout}
}

func (d *deadlined) Name() string { return d.inner.Name() }

func (d *deadlined) Submit(ctx context.Context, command []byte) ([]byte, error) {
	ctx, cancel := d.clamp(ctx)
	defer cancel()
	result, err := d.inner.Submit(ctx, command)
	return result, d.classify(ctx, err)
}

func (d *deadlined) Query(ctx context.Context, level ReadConsistency, query []byte) ([]byte, error) {
	ctx, cancel := d.clamp(ctx)
	defer cancel()
	result, err := d.inner.Query(ctx, level, query)
	return result, d.classify(ctx, err)
}

func (d *deadlined) Close(ctx context.Context) error {
	return d.inner.Close(ctx)
}

func (d *deadlined) clamp(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := d.maxTimeout
	if timeout <= 0 {
		return ctx, func() {}
	}
	if d.minTimeout > 0 {
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < d.minTimeout {
				timeout = d.minTimeout
			}
		}
	}
	return context.WithTimeout(ctx, timeout)
}

func (d *deadlined) classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errkind.New(errkind.Timeout, "proxy.deadlined", err)
	}
	return err
}
