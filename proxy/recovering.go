package proxy

import (
	"context"
	"sync"

	"pkt.systems/atomix/internal/errkind"
	"pkt.systems/atomix/internal/telemetry"
)

// EventSource is implemented by a Proxy that delivers primitive events to
// registered listeners. Recovering replays registered listeners against a
// freshly opened proxy that implements this interface.
type EventSource interface {
	Listen(Listener)
}

// recovering transparently replaces its inner Proxy when the inner session
// expires. It exclusively owns whichever inner proxy is currently active
// and swaps it atomically; callers never observe the swap directly, only
// an OperationLost on the in-flight call that raced it.
type recovering struct {
	open  Opener
	meter telemetry.Meter

	mu        sync.RWMutex
	inner     Proxy
	listeners []Listener
}

func newRecovering(p0 Proxy, open Opener, meter telemetry.Meter) *recovering {
	return &recovering{inner: p0, open: open, meter: meter}
}

func (r *recovering) Name() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.inner.Name()
}

// AddListener registers an event listener to be replayed against any
// future replacement proxy after a recovery.
func (r *recovering) AddListener(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

func (r *recovering) Submit(ctx context.Context, command []byte) ([]byte, error) {
	inner := r.current()
	result, err := inner.Submit(ctx, command)
	if err == nil {
		return result, nil
	}
	if errkind.Of(err) != errkind.SessionExpired {
		return nil, err
	}
	r.recover(ctx, inner)
	// The operation that raced the expiry is not replayed here: the caller
	// observes OperationLost and decides whether to retry, which is why
	// Retrying sits outside Recovering.
	return nil, errkind.New(errkind.OperationLost, "proxy.recovering.Submit", err)
}

func (r *recovering) Query(ctx context.Context, level ReadConsistency, query []byte) ([]byte, error) {
	inner := r.current()
	result, err := inner.Query(ctx, level, query)
	if err == nil {
		return result, nil
	}
	if errkind.Of(err) != errkind.SessionExpired {
		return nil, err
	}
	r.recover(ctx, inner)
	return nil, errkind.New(errkind.OperationLost, "proxy.recovering.Query", err)
}

func (r *recovering) Close(ctx context.Context) error {
	return r.current().Close(ctx)
}

func (r *recovering) current() Proxy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.inner
}

// recover opens a replacement proxy and swaps it in, unless another
// goroutine already replaced the same stale inner proxy.
func (r *recovering) recover(ctx context.Context, stale Proxy) {
	r.mu.Lock()
	if r.inner != stale {
		r.mu.Unlock()
		return
	}
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	fresh, err := r.open(ctx)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.inner = fresh
	r.mu.Unlock()
	r.meter.RecordRecovery(ctx)

	if src, ok := fresh.(EventSource); ok {
		for _, l := range listeners {
			src.Listen(l)
		}
	}
}
