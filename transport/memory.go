package transport

import (
	"context"
	"sync"

	"pkt.systems/atomix/cluster"
)

// Network is a shared registry of in-memory transports, one per node,
// useful for tests and for single-process clusters that do not need a real
// wire protocol.
type Network struct {
	mu    sync.Mutex
	nodes map[cluster.NodeId]*Memory
}

// NewNetwork constructs an empty in-memory network.
func NewNetwork() *Network {
	return &Network{nodes: make(map[cluster.NodeId]*Memory)}
}

// Node returns (creating if necessary) the Memory transport for id.
func (n *Network) Node(id cluster.NodeId) *Memory {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.nodes[id]; ok {
		return t
	}
	t := &Memory{network: n, self: id, handlers: make(map[string]Handler)}
	n.nodes[id] = t
	return t
}

func (n *Network) lookup(id cluster.NodeId) (*Memory, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.nodes[id]
	return t, ok
}

// Memory is an in-process Transport implementation that dispatches directly
// to handlers registered on peer nodes within the same Network, without
// touching a real socket.
type Memory struct {
	network *Network
	self    cluster.NodeId

	mu       sync.RWMutex
	handlers map[string]Handler
	closed   bool
}

// Send looks up the target node's handler for topic within the same
// Network and invokes it synchronously.
func (m *Memory) Send(ctx context.Context, to cluster.NodeId, topic string, body []byte) ([]byte, error) {
	peer, ok := m.network.lookup(to)
	if !ok {
		return nil, ErrNotSubscribed
	}
	peer.mu.RLock()
	handler, ok := peer.handlers[topic]
	peer.mu.RUnlock()
	if !ok {
		return nil, ErrNotSubscribed
	}
	return handler(ctx, m.self, topic, body)
}

// Subscribe registers handler for topic on this node.
func (m *Memory) Subscribe(topic string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
}

// Unsubscribe removes any handler registered for topic.
func (m *Memory) Unsubscribe(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, topic)
}

// Close marks the transport closed. Other nodes' Send calls to this node
// will continue to find a removed handler set and fail with
// ErrNotSubscribed, matching a torn-down peer.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.handlers = make(map[string]Handler)
	return nil
}
