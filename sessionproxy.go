package atomix

import (
	"context"

	"pkt.systems/atomix/proxy"
	"pkt.systems/atomix/raftsession"
)

// sessionProxy adapts a raftsession.Session, which knows nothing about
// primitive names, into a proxy.Proxy, which the Proxy Stack Assembler (C8)
// wraps. It is the P0 every primitive.Build call ultimately opens.
type sessionProxy struct {
	name    string
	session *raftsession.Session
}

func newSessionProxy(name string, session *raftsession.Session) *sessionProxy {
	return &sessionProxy{name: name, session: session}
}

func (p *sessionProxy) Name() string { return p.name }

func (p *sessionProxy) Submit(ctx context.Context, command []byte) ([]byte, error) {
	return p.session.Submit(ctx, command)
}

func (p *sessionProxy) Query(ctx context.Context, level proxy.ReadConsistency, query []byte) ([]byte, error) {
	return p.session.Query(ctx, toSessionConsistency(level), query)
}

func (p *sessionProxy) Close(ctx context.Context) error {
	return p.session.Close(ctx)
}

func toSessionConsistency(level proxy.ReadConsistency) raftsession.ReadConsistency {
	switch level {
	case proxy.LinearizableLease:
		return raftsession.LinearizableLease
	case proxy.Linearizable:
		return raftsession.Linearizable
	default:
		return raftsession.Sequential
	}
}
