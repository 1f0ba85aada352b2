package raftsession

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"pkt.systems/atomix/cluster"
	"pkt.systems/atomix/internal/clock"
	"pkt.systems/atomix/internal/errkind"
	"pkt.systems/atomix/internal/svcfields"
	"pkt.systems/atomix/internal/telemetry"
	"pkt.systems/atomix/partition"
	"pkt.systems/pslog"
)

const (
	defaultSessionTimeout    = 15 * time.Second
	defaultKeepAliveInterval = defaultSessionTimeout / 2
	defaultOpenTimeout       = 5 * time.Second
	maxKeepAliveBackoff      = 10 * time.Second
)

// Config configures a Manager.
type Config struct {
	ClientID       string
	SessionTimeout time.Duration
	OpenTimeout    time.Duration
	Clock          clock.Clock
	Logger         pslog.Logger
	Meter          telemetry.Meter
}

// Manager opens and maintains Sessions against the partitions of a single
// cluster, one PartitionClient per partition. It caches the last-known
// leader per partition and retargets on NotLeader hints, the same pattern
// a quorum-based leader tracker uses to avoid re-discovering a known-good
// endpoint on every call.
type Manager struct {
	clientID       string
	sessionTimeout time.Duration
	openTimeout    time.Duration
	clk            clock.Clock
	logger         pslog.Logger
	meter          telemetry.Meter

	clients func(partition.Id) (PartitionClient, []cluster.NodeId, error)

	mu       sync.Mutex
	leaders  map[partition.Id]cluster.NodeId
	sessions map[partition.Id]*Session
	closed   bool
	wg       sync.WaitGroup
}

// ClientResolver returns the PartitionClient and the current candidate
// node set (for leader discovery) for a partition.
type ClientResolver func(id partition.Id) (client PartitionClient, candidates []cluster.NodeId, err error)

// NewManager builds a Manager. resolve supplies the PartitionClient and
// candidate replica set for a given partition; it is typically backed by
// the communication fabric routed through the partition service.
func NewManager(cfg Config, resolve ClientResolver) (*Manager, error) {
	if cfg.ClientID == "" {
		return nil, errkind.New(errkind.ConfigurationInvalid, "raftsession.NewManager", fmt.Errorf("ClientID must not be empty"))
	}
	if resolve == nil {
		return nil, errkind.New(errkind.ConfigurationInvalid, "raftsession.NewManager", fmt.Errorf("resolve must not be nil"))
	}
	sessionTimeout := cfg.SessionTimeout
	if sessionTimeout <= 0 {
		sessionTimeout = defaultSessionTimeout
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = defaultOpenTimeout
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Manager{
		clientID:       cfg.ClientID,
		sessionTimeout: sessionTimeout,
		openTimeout:    openTimeout,
		clk:            clk,
		logger:         svcfields.WithSubsystem(logger, "raftsession"),
		meter:          cfg.Meter,
		clients:        resolve,
		leaders:        make(map[partition.Id]cluster.NodeId),
		sessions:       make(map[partition.Id]*Session),
	}, nil
}

// Open opens a new Session against the given partition with a single
// OpenSession call to the cached leader, or to the first candidate when no
// leader is cached. A leader hint in the reply is cached for the next
// call; the other candidates are not tried when this call fails.
func (m *Manager) Open(ctx context.Context, partitionID partition.Id) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errkind.New(errkind.NotOpen, "raftsession.Open", nil)
	}
	m.mu.Unlock()

	client, candidates, err := m.clients(partitionID)
	if err != nil {
		return nil, errkind.New(errkind.Unavailable, "raftsession.Open", err)
	}

	leader := m.cachedLeader(partitionID, candidates)
	openCtx, cancel := context.WithTimeout(ctx, m.openTimeout)
	defer cancel()

	id, actualLeader, err := client.OpenSession(openCtx, leader, m.clientID)
	if err != nil {
		if actualLeader != "" {
			m.cacheLeader(partitionID, actualLeader)
		}
		return nil, errkind.New(errkind.Unavailable, "raftsession.Open", err)
	}
	if actualLeader != "" {
		leader = actualLeader
		m.cacheLeader(partitionID, leader)
	}

	s := &Session{
		mgr:         m,
		clientID:    m.clientID,
		partitionID: partitionID,
		client:      client,
		id:          id,
		state:       Open,
		leader:      leader,
	}
	m.mu.Lock()
	m.sessions[partitionID] = s
	m.mu.Unlock()

	m.startKeepAlive(s)
	m.logger.Info("session.open", "partition", int(partitionID), "session", uint64(id))
	return s, nil
}

// startKeepAlive launches the background keepalive loop for s.
func (m *Manager) startKeepAlive(s *Session) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancelKeepAlive = cancel
	s.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.keepAliveLoop(ctx, s)
	}()
}

// keepAliveLoop renews s at half the session timeout, suspending the
// session on the first failed renewal, expiring it once a full timeout
// elapses without a successful one, and backing off exponentially with
// jitter between retries in the meantime,
// mirroring a quorum-election round's retry cadence without the quorum.
func (m *Manager) keepAliveLoop(ctx context.Context, s *Session) {
	interval := s.keepAliveInterval(m.sessionTimeout)
	backoff := interval
	deadline := m.clk.Now().Add(m.sessionTimeout)
	rng := rand.New(rand.NewSource(rngSeed(m.clk.Now(), m.clientID)))

	wait := interval
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clk.After(wait):
		}

		s.mu.Lock()
		state := s.state
		id := s.id
		leader := s.leader
		s.mu.Unlock()
		if state == Closed || state == Expired {
			return
		}

		kaCtx, cancel := context.WithTimeout(ctx, m.openTimeout)
		actualLeader, err := s.client.KeepAlive(kaCtx, leader, id)
		cancel()

		if err == nil {
			if actualLeader != "" {
				s.mu.Lock()
				s.leader = actualLeader
				s.mu.Unlock()
				m.cacheLeader(s.partitionID, actualLeader)
			}
			s.markOpen()
			backoff = interval
			wait = interval
			deadline = m.clk.Now().Add(m.sessionTimeout)
			continue
		}

		if errkind.Of(err) == errkind.SessionExpired {
			s.mu.Lock()
			s.state = Expired
			s.mu.Unlock()
			m.meter.RecordSessionExpired(ctx)
			m.logger.Warn("session.expired", "partition", int(s.partitionID), "session", uint64(id))
			return
		}

		m.clearLeader(s.partitionID)
		s.markSuspended()
		if state == Open {
			m.meter.RecordSessionSuspended(ctx)
		}
		if !m.clk.Now().Before(deadline) {
			s.mu.Lock()
			s.state = Expired
			s.mu.Unlock()
			m.meter.RecordSessionExpired(ctx)
			m.logger.Warn("session.expired.deadline", "partition", int(s.partitionID), "session", uint64(id))
			return
		}
		backoff = nextBackoff(backoff)
		wait = jitter(rng, backoff)
	}
}

// rngSeed derives a per-client PRNG seed so that many sessions backing off
// concurrently do not retry in lockstep.
func rngSeed(now time.Time, clientID string) int64 {
	seed := now.UnixNano()
	if clientID == "" {
		return seed
	}
	sum := sha256.Sum256([]byte(clientID))
	return seed ^ int64(binary.LittleEndian.Uint64(sum[:8]))
}

// nextBackoff doubles the previous backoff, capped at maxKeepAliveBackoff.
func nextBackoff(prev time.Duration) time.Duration {
	next := prev * 2
	if next > maxKeepAliveBackoff {
		next = maxKeepAliveBackoff
	}
	return next
}

// jitter adds up to base worth of random delay, the same spread the
// election loop's retry uses to avoid every session in a partition
// retrying its keepalive in lockstep.
func jitter(rng *rand.Rand, base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if rng == nil {
		return base
	}
	return base + time.Duration(rng.Int63n(int64(base)))
}

// cachedLeader returns the cached leader for a partition, falling back to
// the first candidate when nothing is cached yet.
func (m *Manager) cachedLeader(id partition.Id, candidates []cluster.NodeId) cluster.NodeId {
	m.mu.Lock()
	defer m.mu.Unlock()
	if leader, ok := m.leaders[id]; ok {
		return leader
	}
	if len(candidates) > 0 {
		return candidates[0]
	}
	return ""
}

func (m *Manager) cacheLeader(id partition.Id, leader cluster.NodeId) {
	m.mu.Lock()
	m.leaders[id] = leader
	m.mu.Unlock()
}

func (m *Manager) clearLeader(id partition.Id) {
	m.mu.Lock()
	delete(m.leaders, id)
	m.mu.Unlock()
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	if m.sessions[s.partitionID] == s {
		delete(m.sessions, s.partitionID)
	}
	m.mu.Unlock()
	s.mu.Lock()
	cancel := s.cancelKeepAlive
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close closes every open session and stops all keepalive loops.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			m.logger.Warn("session.close.failed", "partition", int(s.partitionID), "error", err)
		}
	}
	m.wg.Wait()
	return nil
}
