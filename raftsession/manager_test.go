package raftsession

import (
	"context"
	"sync"
	"testing"
	"time"

	"pkt.systems/atomix/cluster"
	"pkt.systems/atomix/internal/clock"
	"pkt.systems/atomix/internal/errkind"
	"pkt.systems/atomix/partition"
)

type fakeClient struct {
	mu         sync.Mutex
	leader     cluster.NodeId
	nextID     Id
	openErr    error
	keepAlive  func(leader cluster.NodeId) (cluster.NodeId, error)
	submitErr  error
	lastSubmit []byte
	closed     bool
}

func (f *fakeClient) OpenSession(ctx context.Context, leader cluster.NodeId, clientID string) (Id, cluster.NodeId, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return 0, "", f.openErr
	}
	f.nextID++
	return f.nextID, f.leader, nil
}

func (f *fakeClient) KeepAlive(ctx context.Context, leader cluster.NodeId, session Id) (cluster.NodeId, error) {
	f.mu.Lock()
	fn := f.keepAlive
	f.mu.Unlock()
	if fn == nil {
		return "", nil
	}
	return fn(leader)
}

func (f *fakeClient) CloseSession(ctx context.Context, leader cluster.NodeId, session Id) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Submit(ctx context.Context, leader cluster.NodeId, session Id, seq uint64, command []byte) ([]byte, cluster.NodeId, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, "", f.submitErr
	}
	f.lastSubmit = command
	return command, "", nil
}

func (f *fakeClient) Query(ctx context.Context, leader cluster.NodeId, level ReadConsistency, session Id, query []byte) ([]byte, cluster.NodeId, error) {
	return query, "", nil
}

func newTestManager(t *testing.T, client PartitionClient, clk clock.Clock) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		ClientID:       "client-1",
		SessionTimeout: 200 * time.Millisecond,
		Clock:          clk,
	}, func(id partition.Id) (PartitionClient, []cluster.NodeId, error) {
		return client, []cluster.NodeId{"n1"}, nil
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestManagerOpenAssignsSession(t *testing.T) {
	client := &fakeClient{leader: "n1"}
	m := newTestManager(t, client, clock.NewManual(time.Unix(0, 0)))
	s, err := m.Open(context.Background(), partition.Id(1))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.ID() != 1 {
		t.Fatalf("expected session id 1, got %d", s.ID())
	}
	if s.State() != Open {
		t.Fatalf("expected OPEN, got %v", s.State())
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !client.closed {
		t.Fatal("expected CloseSession to be called")
	}
}

func TestManagerOpenPropagatesFailure(t *testing.T) {
	client := &fakeClient{openErr: errkind.New(errkind.Unavailable, "test", nil)}
	m := newTestManager(t, client, clock.NewManual(time.Unix(0, 0)))
	if _, err := m.Open(context.Background(), partition.Id(1)); err == nil {
		t.Fatal("expected Open to fail")
	}
}

func TestSessionSubmitSequencesCommands(t *testing.T) {
	client := &fakeClient{leader: "n1"}
	m := newTestManager(t, client, clock.NewManual(time.Unix(0, 0)))
	s, err := m.Open(context.Background(), partition.Id(1))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close(context.Background())

	if _, err := s.Submit(context.Background(), []byte("a")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := s.Submit(context.Background(), []byte("b")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	s.mu.Lock()
	seq := s.seq
	s.mu.Unlock()
	if seq != 2 {
		t.Fatalf("expected sequence 2, got %d", seq)
	}
}

func TestSessionSubmitRejectedAfterExpiry(t *testing.T) {
	client := &fakeClient{leader: "n1"}
	m := newTestManager(t, client, clock.NewManual(time.Unix(0, 0)))
	s, err := m.Open(context.Background(), partition.Id(1))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.mu.Lock()
	s.state = Expired
	s.mu.Unlock()

	if _, err := s.Submit(context.Background(), []byte("a")); !errkind.Is(err, errkind.SessionExpired) {
		t.Fatalf("expected SessionExpired, got %v", err)
	}
}

func TestKeepAliveSuspendsThenExpiresOnSustainedFailure(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	client := &fakeClient{leader: "n1"}
	client.keepAlive = func(leader cluster.NodeId) (cluster.NodeId, error) {
		return "", errkind.New(errkind.Unavailable, "keepalive", nil)
	}
	m := newTestManager(t, client, mc)
	s, err := m.Open(context.Background(), partition.Id(1))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close(context.Background())

	// Session timeout is 200ms; interval is 100ms. Advance once: keepalive
	// fails, session suspends but has not exceeded the deadline yet.
	deadlineSteps := 0
	for s.State() != Expired && deadlineSteps < 10 {
		mc.Advance(100 * time.Millisecond)
		time.Sleep(5 * time.Millisecond)
		deadlineSteps++
	}
	if s.State() != Expired {
		t.Fatalf("expected session to expire after sustained keepalive failure, got %v", s.State())
	}
}
