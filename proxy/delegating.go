package proxy

import "context"

// delegating forwards every call to inner and exists only to give the
// caller a stable identity: if an inner Recovering proxy is replaced, the
// delegating wrapper the caller holds never changes.
type delegating struct {
	inner Proxy
}

func newDelegating(inner Proxy) *delegating {
	return &delegating{inner: inner}
}

func (d *delegating) Name() string { return d.inner.Name() }

func (d *delegating) Submit(ctx context.Context, command []byte) ([]byte, error) {
	return d.inner.Submit(ctx, command)
}

func (d *delegating) Query(ctx context.Context, level ReadConsistency, query []byte) ([]byte, error) {
	return d.inner.Query(ctx, level, query)
}

func (d *delegating) Close(ctx context.Context) error {
	return d.inner.Close(ctx)
}
