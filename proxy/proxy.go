// Package proxy assembles the user-facing primitive proxy (C8) by layering
// recovery, retry, blocking-awareness, and a stable identity wrapper over a
// raw session-bound proxy, in a fixed composition order.
package proxy

import (
	"context"
	"time"

	"pkt.systems/atomix/internal/errkind"
	"pkt.systems/atomix/internal/telemetry"
)

// ReadConsistency mirrors raftsession.ReadConsistency without importing it,
// so this package stays independent of the session manager's internals.
type ReadConsistency int

const (
	Sequential ReadConsistency = iota
	LinearizableLease
	Linearizable
)

// RecoveryStrategy controls whether a SessionExpired failure triggers
// transparent session replacement.
type RecoveryStrategy int

const (
	// Fail surfaces SessionExpired to the caller unchanged.
	Fail RecoveryStrategy = iota
	// Recover opens a fresh session transparently on expiry.
	Recover
)

// Proxy is the raw session-bound operation surface a Raft session exposes,
// the P0 that every adapter wraps.
type Proxy interface {
	Name() string
	Submit(ctx context.Context, command []byte) ([]byte, error)
	Query(ctx context.Context, level ReadConsistency, query []byte) ([]byte, error)
	Close(ctx context.Context) error
}

// Opener builds a fresh Proxy, used by Recovering to replace an expired
// inner proxy transparently.
type Opener func(ctx context.Context) (Proxy, error)

// Listener receives primitive-level events; Recovering replays registered
// listeners against a freshly opened proxy.
type Listener func(event []byte)

// Options configures the proxy stack assembled by Build.
type Options struct {
	RecoveryStrategy      RecoveryStrategy
	MaxRetries            int
	RetryDelay            time.Duration
	ReadConsistency       ReadConsistency
	CommunicationStrategy string
	MinTimeout            time.Duration
	MaxTimeout            time.Duration
	Executor              func(func())
	Meter                 telemetry.Meter
}

// Build assembles the fixed adapter chain over a freshly opened proxy:
//
//	P0 -> Recovering(P0)? -> Retrying(.)? -> BlockingAware(.) -> Delegating(.)
//
// open is invoked once up front (and again by Recovering on SessionExpired,
// if enabled) to obtain the innermost raw Proxy.
func Build(ctx context.Context, open Opener, opts Options) (Proxy, error) {
	wrappedOpen := func(ctx context.Context) (Proxy, error) {
		raw, err := open(ctx)
		if err != nil {
			return nil, err
		}
		return newDeadlined(raw, opts.MinTimeout, opts.MaxTimeout), nil
	}

	p0, err := wrappedOpen(ctx)
	if err != nil {
		return nil, err
	}

	var p Proxy = p0
	if opts.RecoveryStrategy == Recover {
		p = newRecovering(p0, wrappedOpen, opts.Meter)
	}
	if opts.MaxRetries > 0 {
		p = newRetrying(p, opts.MaxRetries, opts.RetryDelay, opts.Meter)
	}
	p = newBlockingAware(p, opts.Executor)
	return newDelegating(p), nil
}

// isTransientForRetry reports whether err should be retried by Retrying.
func isTransientForRetry(err error) bool {
	switch errkind.Of(err) {
	case errkind.Unavailable, errkind.LeaderUnknown, errkind.OperationLost:
		return true
	default:
		return false
	}
}
