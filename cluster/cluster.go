// Package cluster tracks node set, liveness, and local identity for the
// coordination runtime (C2 in the layering: transport sits below it,
// the communication fabric sits above it).
package cluster

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"pkt.systems/atomix/internal/errkind"
	"pkt.systems/atomix/internal/svcfields"
	"pkt.systems/pslog"
)

// NodeId is an opaque, totally-orderable node identity.
type NodeId string

// Role distinguishes how a node participates in the cluster.
type Role int

const (
	// RoleData marks a node that stores partition data and may serve as a
	// Raft participant.
	RoleData Role = iota
	// RoleClient marks a node that only issues requests.
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "data"
}

// Endpoint is a network address a node can be reached on.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Node is an immutable cluster participant.
type Node struct {
	ID       NodeId
	Endpoint Endpoint
	Role     Role
}

// Metadata is the local node plus the bootstrap node set, captured once at
// build time. It never changes for the life of the runtime.
type Metadata struct {
	Local     Node
	Bootstrap []Node
}

// Sorted returns the bootstrap node set sorted by NodeId ascending, the
// total order the partition topology builder requires.
func (m Metadata) Sorted() []Node {
	sorted := make([]Node, len(m.Bootstrap))
	copy(sorted, m.Bootstrap)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return sorted
}

// liveness tracks whether a node is currently reachable, observed via
// membership events rather than computed centrally.
type liveness struct {
	alive  bool
	paused bool
}

// Service owns the cluster-wide view of node identity and liveness. It is
// copy-on-write: Nodes returns an immutable view readers can use without
// locking, while updates are serialized on the service's own mutex.
type Service struct {
	logger pslog.Logger

	mu       sync.RWMutex
	local    Node
	nodes    map[NodeId]Node
	live     map[NodeId]liveness
	isOpen   bool
	snapshot atomicSnapshot
}

// atomicSnapshot holds the most recently published immutable view.
type atomicSnapshot struct {
	val atomic.Pointer[[]Node]
}

func (s *atomicSnapshot) store(v []Node) {
	s.val.Store(&v)
}

func (s *atomicSnapshot) load() []Node {
	if p := s.val.Load(); p != nil {
		return *p
	}
	return nil
}

// New constructs a membership service from the supplied metadata. The
// service starts closed; Open must be called before use.
func New(meta Metadata, logger pslog.Logger) (*Service, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if strings.TrimSpace(string(meta.Local.ID)) == "" {
		return nil, errkind.New(errkind.ConfigurationInvalid, "cluster.New", fmt.Errorf("local node id required"))
	}
	if len(meta.Bootstrap) == 0 {
		return nil, errkind.New(errkind.ConfigurationInvalid, "cluster.New", fmt.Errorf("bootstrap node set required"))
	}
	nodes := make(map[NodeId]Node, len(meta.Bootstrap))
	found := false
	for _, n := range meta.Bootstrap {
		nodes[n.ID] = n
		if n.ID == meta.Local.ID {
			found = true
		}
	}
	if !found {
		nodes[meta.Local.ID] = meta.Local
	}
	return &Service{
		logger: svcfields.WithSubsystem(logger, "cluster"),
		local:  meta.Local,
		nodes:  nodes,
		live:   make(map[NodeId]liveness, len(nodes)),
	}, nil
}

// Open marks every bootstrap node alive and publishes the initial snapshot.
// It is the first step in the composition root's bring-up sequence.
func (s *Service) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isOpen {
		return nil
	}
	for id := range s.nodes {
		s.live[id] = liveness{alive: true}
	}
	s.isOpen = true
	s.publishLocked()
	s.logger.Info("cluster.open", "local", string(s.local.ID), "nodes", len(s.nodes))
	return nil
}

// Close marks the service closed. It is idempotent and tolerant of being
// called on a service that was never opened.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isOpen {
		return nil
	}
	s.isOpen = false
	s.logger.Info("cluster.close")
	return nil
}

// IsOpen reports whether the service has completed Open and not yet Close.
func (s *Service) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOpen
}

// Local returns the local node identity.
func (s *Service) Local() Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.local
}

// Node looks up a node by id.
func (s *Service) Node(id NodeId) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

// Nodes returns a consistent snapshot of the known node set, sorted by id.
// Readers never block writers and vice versa.
func (s *Service) Nodes() []Node {
	return s.snapshot.load()
}

// IsAlive reports whether a node is currently marked reachable and not
// administratively paused.
func (s *Service) IsAlive(id NodeId) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.live[id]
	return ok && l.alive && !l.paused
}

// MarkAlive records a liveness observation from the membership event stream.
func (s *Service) MarkAlive(id NodeId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.live[id]
	l.alive = true
	s.live[id] = l
	s.publishLocked()
}

// MarkUnreachable records that a node failed to respond and should be
// skipped by leader-selection round-robins until it recovers.
func (s *Service) MarkUnreachable(id NodeId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.live[id]
	l.alive = false
	s.live[id] = l
	s.publishLocked()
}

// Pause administratively excludes a node from the alive set without
// forgetting it, mirroring the membership store's pause/resume pair used to
// drain a node for maintenance.
func (s *Service) Pause(id NodeId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.live[id]
	l.paused = true
	s.live[id] = l
	s.publishLocked()
}

// Resume reverses Pause.
func (s *Service) Resume(id NodeId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.live[id]
	l.paused = false
	s.live[id] = l
	s.publishLocked()
}

func (s *Service) publishLocked() {
	nodes := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	s.snapshot.store(nodes)
}
