package atomix

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"pkt.systems/atomix/cluster"
	"pkt.systems/atomix/partition"
	"pkt.systems/atomix/raftsession"
)

// fakeListingClient answers OpenSession/KeepAlive/CloseSession trivially
// and Query by decoding the listQuery wire convention and replying with a
// fixed JSON-encoded name list, exercising Atomix.listOnPartition's wire
// format end-to-end without a real Raft backend.
type fakeListingClient struct {
	names []string
}

func (f *fakeListingClient) OpenSession(ctx context.Context, leader cluster.NodeId, clientID string) (raftsession.Id, cluster.NodeId, error) {
	return 1, leader, nil
}

func (f *fakeListingClient) KeepAlive(ctx context.Context, leader cluster.NodeId, session raftsession.Id) (cluster.NodeId, error) {
	return "", nil
}

func (f *fakeListingClient) CloseSession(ctx context.Context, leader cluster.NodeId, session raftsession.Id) error {
	return nil
}

func (f *fakeListingClient) Submit(ctx context.Context, leader cluster.NodeId, session raftsession.Id, seq uint64, command []byte) ([]byte, cluster.NodeId, error) {
	return nil, "", nil
}

func (f *fakeListingClient) Query(ctx context.Context, leader cluster.NodeId, level raftsession.ReadConsistency, session raftsession.Id, query []byte) ([]byte, cluster.NodeId, error) {
	var q listQuery
	if err := json.Unmarshal(query, &q); err != nil {
		return nil, "", err
	}
	if q.Op != listQueryOp {
		return nil, "", fmt.Errorf("unexpected query op %q", q.Op)
	}
	if f.names == nil {
		return nil, "", nil
	}
	reply, err := json.Marshal(f.names)
	if err != nil {
		return nil, "", err
	}
	return reply, "", nil
}

func TestListOnPartitionDecodesTheQueryReply(t *testing.T) {
	client := &fakeListingClient{names: []string{"map-a", "map-b"}}
	resolve := func(id partition.Id) (raftsession.PartitionClient, []cluster.NodeId, error) {
		return client, []cluster.NodeId{"n1"}, nil
	}

	a, err := New(baseConfig(t), WithRaftClientFactory(resolve))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close(context.Background())

	names, err := a.listOnPartition(context.Background(), partition.Id(1), "map")
	if err != nil {
		t.Fatalf("listOnPartition: %v", err)
	}
	if len(names) != 2 || names[0] != "map-a" || names[1] != "map-b" {
		t.Fatalf("unexpected names: %v", names)
	}
}

func TestListOnPartitionTreatsEmptyReplyAsNoNames(t *testing.T) {
	client := &fakeListingClient{names: nil}
	resolve := func(id partition.Id) (raftsession.PartitionClient, []cluster.NodeId, error) {
		return client, []cluster.NodeId{"n1"}, nil
	}

	a, err := New(baseConfig(t), WithRaftClientFactory(resolve))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close(context.Background())

	names, err := a.listOnPartition(context.Background(), partition.Id(1), "map")
	if err != nil {
		t.Fatalf("listOnPartition: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("expected no names, got %v", names)
	}
}
