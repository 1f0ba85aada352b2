package proxy

import "context"

// blockingAware runs each operation on a user-supplied executor and hands
// its result back to the calling goroutine once it completes there, so the
// caller's own goroutine never completes the operation it is blocked on
// and cannot deadlock against it. A nil executor runs the operation
// inline, which is only safe when the caller is known not to block a
// worker the session depends on.
type blockingAware struct {
	inner    Proxy
	executor func(func())
}

func newBlockingAware(inner Proxy, executor func(func())) *blockingAware {
	return &blockingAware{inner: inner, executor: executor}
}

func (b *blockingAware) Name() string { return b.inner.Name() }

func (b *blockingAware) Submit(ctx context.Context, command []byte) ([]byte, error) {
	return b.dispatch(func() ([]byte, error) {
		return b.inner.Submit(ctx, command)
	})
}

func (b *blockingAware) Query(ctx context.Context, level ReadConsistency, query []byte) ([]byte, error) {
	return b.dispatch(func() ([]byte, error) {
		return b.inner.Query(ctx, level, query)
	})
}

func (b *blockingAware) Close(ctx context.Context) error {
	return b.inner.Close(ctx)
}

// dispatch runs op on the executor, if one is configured, and returns its
// result to the caller after op completes there; without an executor op
// runs inline on the caller's goroutine.
func (b *blockingAware) dispatch(op func() ([]byte, error)) ([]byte, error) {
	if b.executor == nil {
		return op()
	}
	type outcome struct {
		result []byte
		err    error
	}
	done := make(chan outcome, 1)
	b.executor(func() {
		result, err := op()
		done <- outcome{result: result, err: err}
	})
	o := <-done
	return o.result, o.err
}
