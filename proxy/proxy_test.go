package proxy

import (
	"context"
	"sync"
	"testing"

	"pkt.systems/atomix/internal/errkind"
	"pkt.systems/atomix/internal/telemetry"
)

type stubProxy struct {
	mu        sync.Mutex
	name      string
	submitErr []error
	calls     int
	listeners []Listener
}

func (s *stubProxy) Name() string { return s.name }

func (s *stubProxy) Submit(ctx context.Context, command []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.submitErr) && s.submitErr[i] != nil {
		return nil, s.submitErr[i]
	}
	return command, nil
}

func (s *stubProxy) Query(ctx context.Context, level ReadConsistency, query []byte) ([]byte, error) {
	return query, nil
}

func (s *stubProxy) Close(ctx context.Context) error { return nil }

func (s *stubProxy) Listen(l Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

func (s *stubProxy) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestRetryingSucceedsAfterTransientFailures(t *testing.T) {
	inner := &stubProxy{
		name: "foo",
		submitErr: []error{
			errkind.New(errkind.Unavailable, "t", nil),
			errkind.New(errkind.Unavailable, "t", nil),
			nil,
		},
	}
	r := newRetrying(inner, 2, 0, telemetry.Meter{})
	result, err := r.Submit(context.Background(), []byte("cmd"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if string(result) != "cmd" {
		t.Fatalf("unexpected result: %s", result)
	}
	if inner.callCount() != 3 {
		t.Fatalf("expected 3 inner calls, got %d", inner.callCount())
	}
}

func TestRetryingPassesThroughNonTransient(t *testing.T) {
	inner := &stubProxy{name: "foo", submitErr: []error{errkind.New(errkind.ApplicationError, "t", nil)}}
	r := newRetrying(inner, 3, 0, telemetry.Meter{})
	_, err := r.Submit(context.Background(), []byte("cmd"))
	if !errkind.Is(err, errkind.ApplicationError) {
		t.Fatalf("expected ApplicationError to pass through, got %v", err)
	}
	if inner.callCount() != 1 {
		t.Fatalf("expected exactly 1 call for a non-transient error, got %d", inner.callCount())
	}
}

func TestRecoveringSurfacesOperationLostOnExpiry(t *testing.T) {
	first := &stubProxy{name: "foo", submitErr: []error{errkind.New(errkind.SessionExpired, "t", nil)}}
	second := &stubProxy{name: "foo"}
	opened := 1 // first stands for the up-front open Build performs
	open := func(ctx context.Context) (Proxy, error) {
		opened++
		if opened == 1 {
			return first, nil
		}
		return second, nil
	}
	rec := newRecovering(first, open, telemetry.Meter{})
	_, err := rec.Submit(context.Background(), []byte("cmd"))
	if !errkind.Is(err, errkind.OperationLost) {
		t.Fatalf("expected OperationLost, got %v", err)
	}
	if rec.current() != second {
		t.Fatal("expected recovering to have swapped to the freshly opened proxy")
	}
}

func TestRecoveryThenRetrySucceedsOnNewSession(t *testing.T) {
	first := &stubProxy{name: "foo", submitErr: []error{errkind.New(errkind.SessionExpired, "t", nil)}}
	second := &stubProxy{name: "foo"}
	opened := 1 // first stands for the up-front open Build performs
	open := func(ctx context.Context) (Proxy, error) {
		opened++
		if opened == 1 {
			return first, nil
		}
		return second, nil
	}
	rec := newRecovering(first, open, telemetry.Meter{})
	r := newRetrying(rec, 2, 0, telemetry.Meter{})
	result, err := r.Submit(context.Background(), []byte("cmd"))
	if err != nil {
		t.Fatalf("expected the retrier to convert OperationLost into a fresh attempt that succeeds: %v", err)
	}
	if string(result) != "cmd" {
		t.Fatalf("unexpected result: %s", result)
	}
	if second.callCount() != 1 {
		t.Fatalf("expected the second session to serve the retried call, got %d calls", second.callCount())
	}
}

func TestBlockingAwareRunsContinuationOnExecutor(t *testing.T) {
	inner := &stubProxy{name: "foo"}
	var ranOnExecutor bool
	var mu sync.Mutex
	b := newBlockingAware(inner, func(f func()) {
		go func() {
			mu.Lock()
			ranOnExecutor = true
			mu.Unlock()
			f()
		}()
	})
	if _, err := b.Submit(context.Background(), []byte("cmd")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !ranOnExecutor {
		t.Fatal("expected the operation's continuation to be dispatched through the configured executor")
	}
}

func TestBlockingAwareRunsInlineWithoutExecutor(t *testing.T) {
	inner := &stubProxy{name: "foo"}
	b := newBlockingAware(inner, nil)
	result, err := b.Submit(context.Background(), []byte("cmd"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if string(result) != "cmd" {
		t.Fatalf("unexpected result: %s", result)
	}
}

func TestDelegatingStableIdentityAcrossRecovery(t *testing.T) {
	first := &stubProxy{name: "foo", submitErr: []error{errkind.New(errkind.SessionExpired, "t", nil)}}
	second := &stubProxy{name: "foo"}
	opened := 1 // first stands for the up-front open Build performs
	open := func(ctx context.Context) (Proxy, error) {
		opened++
		if opened == 1 {
			return first, nil
		}
		return second, nil
	}
	rec := newRecovering(first, open, telemetry.Meter{})
	d := newDelegating(rec)
	if _, err := d.Submit(context.Background(), []byte("cmd")); !errkind.Is(err, errkind.OperationLost) {
		t.Fatalf("expected OperationLost, got %v", err)
	}
	// The caller's handle (d) never changes even though rec swapped its
	// inner proxy from first to second.
	if _, err := d.Submit(context.Background(), []byte("cmd2")); err != nil {
		t.Fatalf("expected the second call on the same delegating handle to reach the new session: %v", err)
	}
}

func TestBuildAssemblesFixedOrder(t *testing.T) {
	inner := &stubProxy{name: "foo"}
	open := func(ctx context.Context) (Proxy, error) { return inner, nil }
	p, err := Build(context.Background(), open, Options{RecoveryStrategy: Recover, MaxRetries: 1})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := p.(*delegating); !ok {
		t.Fatalf("expected Build to return a *delegating, got %T", p)
	}
}
