// Package comm implements the typed request-reply fabric (C3) and the
// cluster-wide publish/subscribe fabric (C4) layered over the messaging
// transport (C1) and cluster membership (C2).
package comm

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/atomix/cluster"
	"pkt.systems/atomix/internal/correlation"
	"pkt.systems/atomix/internal/errkind"
	"pkt.systems/atomix/internal/svcfields"
	"pkt.systems/atomix/transport"
	"pkt.systems/pslog"
)

// tracer instruments request-reply calls. A no-op TracerProvider (the
// default until telemetry.Setup installs a real one) makes every span a
// cheap no-op, so this is safe to call unconditionally.
var tracer = otel.Tracer("pkt.systems/atomix/comm")

// CommunicationService is the cluster communication fabric (C3): direct
// point-to-point request/reply and fan-out broadcast, addressed by
// NodeId rather than raw network endpoint.
type CommunicationService struct {
	logger    pslog.Logger
	transport transport.Transport
	members   *cluster.Service

	mu     sync.RWMutex
	isOpen bool
}

// NewCommunicationService constructs the fabric over an already-built
// transport and membership view. Both must outlive the fabric.
func NewCommunicationService(tp transport.Transport, members *cluster.Service, logger pslog.Logger) *CommunicationService {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &CommunicationService{
		logger:    svcfields.WithSubsystem(logger, "comm"),
		transport: tp,
		members:   members,
	}
}

// Open marks the fabric ready to accept requests. It has no I/O of its own
// to perform; the transport and membership it wraps are already open by
// the time the composition root reaches this step.
func (c *CommunicationService) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isOpen = true
	c.logger.Info("comm.open")
	return nil
}

// Close marks the fabric closed. Idempotent.
func (c *CommunicationService) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isOpen {
		return nil
	}
	c.isOpen = false
	c.logger.Info("comm.close")
	return nil
}

// IsOpen reports whether Open has completed without a following Close.
func (c *CommunicationService) IsOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isOpen
}

// Send issues a typed request to a single node and waits for its reply. A
// correlation id is minted (or carried through, if ctx already has one) and
// threaded through the transport call for cross-node log correlation.
func (c *CommunicationService) Send(ctx context.Context, to cluster.NodeId, topic string, body []byte) ([]byte, error) {
	if !c.IsOpen() {
		return nil, errkind.New(errkind.NotOpen, "comm.Send", nil)
	}
	ctx, span := tracer.Start(ctx, "comm.send", trace.WithAttributes(
		attribute.String("comm.to", string(to)),
		attribute.String("comm.topic", topic),
	))
	defer span.End()

	ctx = correlation.Ensure(ctx)
	if !correlation.Has(ctx) {
		ctx = correlation.Set(ctx, correlation.Generate(ctx))
	}
	reply, err := c.transport.Send(ctx, to, topic, body)
	if err != nil {
		c.members.MarkUnreachable(to)
		span.RecordError(err)
		return nil, errkind.New(errkind.Unavailable, "comm.Send", fmt.Errorf("%s: %w", to, err))
	}
	c.members.MarkAlive(to)
	return reply, nil
}

// Subscribe registers handler for topic on the local transport.
func (c *CommunicationService) Subscribe(topic string, handler transport.Handler) {
	c.transport.Subscribe(topic, handler)
}

// Unsubscribe removes any handler registered for topic.
func (c *CommunicationService) Unsubscribe(topic string) {
	c.transport.Unsubscribe(topic)
}

// Broadcast sends body to topic on every currently alive node other than
// local, fanning out concurrently. It returns the replies keyed by node id
// for nodes that responded without error; unreachable nodes are silently
// omitted (callers needing all-or-nothing quorum semantics build that on
// top).
func (c *CommunicationService) Broadcast(ctx context.Context, topic string, body []byte) map[cluster.NodeId][]byte {
	local := c.members.Local().ID
	targets := c.members.Nodes()

	type result struct {
		id    cluster.NodeId
		reply []byte
		err   error
	}
	results := make(chan result, len(targets))
	count := 0
	for _, n := range targets {
		if n.ID == local || !c.members.IsAlive(n.ID) {
			continue
		}
		count++
		go func(id cluster.NodeId) {
			reply, err := c.Send(ctx, id, topic, body)
			results <- result{id: id, reply: reply, err: err}
		}(n.ID)
	}
	out := make(map[cluster.NodeId][]byte, count)
	for i := 0; i < count; i++ {
		r := <-results
		if r.err == nil {
			out[r.id] = r.reply
		}
	}
	return out
}
