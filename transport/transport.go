// Package transport defines the point-to-point messaging surface the rest
// of the runtime is layered on (C1). The wire implementation itself is out
// of scope for this core; only the interface and an in-memory test double
// live here.
package transport

import (
	"context"
	"errors"

	"pkt.systems/atomix/cluster"
)

// ErrNotSubscribed is returned by Send when no handler is registered for a
// topic on the target endpoint.
var ErrNotSubscribed = errors.New("transport: no subscriber for topic")

// Handler processes an inbound request and returns the reply bytes.
type Handler func(ctx context.Context, from cluster.NodeId, topic string, body []byte) ([]byte, error)

// Transport sends point-to-point requests and registers handlers for
// inbound topics. Implementations own the underlying network connection
// lifecycle; the runtime only calls Send/Subscribe/Unsubscribe.
type Transport interface {
	// Send delivers body to the named topic on the target node and waits
	// for a reply.
	Send(ctx context.Context, to cluster.NodeId, topic string, body []byte) ([]byte, error)
	// Subscribe registers handler for topic on the local node. Subsequent
	// calls with the same topic replace the previous handler.
	Subscribe(topic string, handler Handler)
	// Unsubscribe removes any handler registered for topic.
	Unsubscribe(topic string)
	// Close releases transport resources. It is idempotent.
	Close() error
}
