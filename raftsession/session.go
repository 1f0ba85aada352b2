// Package raftsession implements the per-client, per-partition session
// manager (C7): leader tracking, keepalive, command sequencing, and read
// consistency. The Raft consensus algorithm and the wire protocol a
// PartitionClient speaks to reach the actual leader are external
// collaborators out of scope for this package.
package raftsession

import (
	"context"
	"sync"
	"time"

	"pkt.systems/atomix/cluster"
	"pkt.systems/atomix/internal/errkind"
	"pkt.systems/atomix/partition"
)

// State is a session's lifecycle state.
type State int

const (
	// Opening is the transient state between OpenSession issuance and reply.
	Opening State = iota
	// Open is the steady state: commands are accepted and sequenced.
	Open
	// Suspended means the leader could not be reached within the session
	// timeout; it may transition back to Open on leader rediscovery.
	Suspended
	// Expired is a terminal, server-declared failure.
	Expired
	// Closed means the caller released the session.
	Closed
)

func (s State) String() string {
	switch s {
	case Opening:
		return "OPENING"
	case Open:
		return "OPEN"
	case Suspended:
		return "SUSPENDED"
	case Expired:
		return "EXPIRED"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Id is a session identifier assigned by the partition leader.
type Id uint64

// ReadConsistency controls how a Query is served.
type ReadConsistency int

const (
	// Sequential permits follower reads observing session order only.
	Sequential ReadConsistency = iota
	// LinearizableLease allows local leader reads while a lease is valid.
	LinearizableLease
	// Linearizable forces a leader round-trip plus quorum confirmation.
	Linearizable
)

// PartitionClient is the RPC surface of one partition's Raft participant,
// as seen by a single client. Implementations route through the
// communication fabric to whichever node is currently the replica set's
// leader; NotLeader replies carry a hint the caller should retarget to.
type PartitionClient interface {
	OpenSession(ctx context.Context, leader cluster.NodeId, clientID string) (id Id, actualLeader cluster.NodeId, err error)
	KeepAlive(ctx context.Context, leader cluster.NodeId, session Id) (actualLeader cluster.NodeId, err error)
	CloseSession(ctx context.Context, leader cluster.NodeId, session Id) error
	Submit(ctx context.Context, leader cluster.NodeId, session Id, seq uint64, command []byte) (result []byte, actualLeader cluster.NodeId, err error)
	Query(ctx context.Context, leader cluster.NodeId, level ReadConsistency, session Id, query []byte) (result []byte, actualLeader cluster.NodeId, err error)
}

// Session is a logical client↔partition relationship. Commands issued on
// one Session are linearized at the state machine in issue order via the
// monotonically increasing sequence number tagged onto each Submit.
type Session struct {
	mgr         *Manager
	clientID    string
	partitionID partition.Id
	client      PartitionClient

	mu              sync.Mutex
	id              Id
	state           State
	seq             uint64
	leader          cluster.NodeId
	cancelKeepAlive context.CancelFunc
}

// ID returns the session id assigned by the partition leader.
func (s *Session) ID() Id {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Partition returns the partition this session is bound to.
func (s *Session) Partition() partition.Id {
	return s.partitionID
}

// Submit issues a command on this session, tagging it with the next
// sequence number. Every call takes a fresh sequence number, so a retry by
// the proxy stack's Retrying adapter is submitted under a new seq; the
// server is expected to apply each sequence at most once.
func (s *Session) Submit(ctx context.Context, command []byte) ([]byte, error) {
	s.mu.Lock()
	if s.state == Expired || s.state == Closed {
		state := s.state
		s.mu.Unlock()
		if state == Expired {
			return nil, errkind.New(errkind.SessionExpired, "session.Submit", nil)
		}
		return nil, errkind.New(errkind.NotOpen, "session.Submit", nil)
	}
	if s.state == Suspended {
		s.mu.Unlock()
		return nil, errkind.New(errkind.SessionSuspended, "session.Submit", nil)
	}
	s.seq++
	seq := s.seq
	id := s.id
	leader := s.leader
	s.mu.Unlock()

	result, actualLeader, err := s.client.Submit(ctx, leader, id, seq, command)
	return s.handleReply(result, actualLeader, err, "session.Submit")
}

// Query evaluates a read at the requested consistency level.
func (s *Session) Query(ctx context.Context, level ReadConsistency, query []byte) ([]byte, error) {
	s.mu.Lock()
	if s.state == Expired || s.state == Closed {
		s.mu.Unlock()
		return nil, errkind.New(errkind.SessionExpired, "session.Query", nil)
	}
	if s.state == Suspended {
		s.mu.Unlock()
		return nil, errkind.New(errkind.SessionSuspended, "session.Query", nil)
	}
	id := s.id
	leader := s.leader
	s.mu.Unlock()

	result, actualLeader, err := s.client.Query(ctx, leader, level, id, query)
	return s.handleReply(result, actualLeader, err, "session.Query")
}

// handleReply updates the cached leader on a hint and classifies the
// outcome before returning it to the caller.
func (s *Session) handleReply(result []byte, actualLeader cluster.NodeId, err error, op string) ([]byte, error) {
	if actualLeader != "" {
		s.mu.Lock()
		s.leader = actualLeader
		s.mu.Unlock()
		s.mgr.cacheLeader(s.partitionID, actualLeader)
	}
	if err == nil {
		return result, nil
	}
	switch errkind.Of(err) {
	case errkind.SessionExpired:
		s.mu.Lock()
		s.state = Expired
		s.mu.Unlock()
		return nil, errkind.New(errkind.SessionExpired, op, err)
	case errkind.LeaderUnknown, errkind.Unavailable:
		s.mgr.clearLeader(s.partitionID)
		return nil, err
	default:
		return nil, err
	}
}

// Close releases the session. Idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return nil
	}
	id := s.id
	leader := s.leader
	s.state = Closed
	s.mu.Unlock()
	s.mgr.forget(s)
	return s.client.CloseSession(ctx, leader, id)
}

func (s *Session) markSuspended() {
	s.mu.Lock()
	if s.state == Open {
		s.state = Suspended
	}
	s.mu.Unlock()
}

func (s *Session) markOpen() {
	s.mu.Lock()
	if s.state == Suspended {
		s.state = Open
	}
	s.mu.Unlock()
}

func (s *Session) keepAliveInterval(sessionTimeout time.Duration) time.Duration {
	if sessionTimeout <= 0 {
		return defaultKeepAliveInterval
	}
	return sessionTimeout / 2
}
