package partition

import (
	"sort"
	"testing"

	"pkt.systems/atomix/cluster"
)

func nodes(ids ...string) []cluster.Node {
	out := make([]cluster.Node, len(ids))
	for i, id := range ids {
		out[i] = cluster.Node{ID: cluster.NodeId(id)}
	}
	return out
}

func membersAsSet(m Metadata) map[cluster.NodeId]struct{} {
	s := make(map[cluster.NodeId]struct{}, len(m.Members))
	for _, id := range m.Members {
		s[id] = struct{}{}
	}
	return s
}

func setEqual(a, b map[cluster.NodeId]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func TestBuildTopologyDeterministicThreeNodes(t *testing.T) {
	opts := BuildOptions{Bootstrap: nodes("n1", "n2", "n3")}
	topo, err := BuildTopology(opts)
	if err != nil {
		t.Fatalf("BuildTopology: %v", err)
	}
	if len(topo) != 3 {
		t.Fatalf("expected 3 partitions, got %d", len(topo))
	}
	want := []map[cluster.NodeId]struct{}{
		{"n1": {}, "n2": {}, "n3": {}},
		{"n2": {}, "n3": {}, "n1": {}},
		{"n3": {}, "n1": {}, "n2": {}},
	}
	for i, p := range topo {
		if p.ID != Id(i+1) {
			t.Fatalf("partition %d has id %d", i, p.ID)
		}
		if !setEqual(membersAsSet(p), want[i]) {
			t.Fatalf("partition %d: got %v want %v", p.ID, p.Members, want[i])
		}
	}
}

func TestBuildTopologyFiveNodesThreeReplicas(t *testing.T) {
	opts := BuildOptions{Bootstrap: nodes("e", "c", "a", "d", "b"), NumPartitions: 5, PartitionSize: 3}
	topo, err := BuildTopology(opts)
	if err != nil {
		t.Fatalf("BuildTopology: %v", err)
	}
	sorted := []cluster.NodeId{"a", "b", "c", "d", "e"}
	for i, p := range topo {
		want := map[cluster.NodeId]struct{}{
			sorted[i]:           {},
			sorted[(i+1)%5]:     {},
			sorted[(i+2)%5]:     {},
		}
		if !setEqual(membersAsSet(p), want) {
			t.Fatalf("partition %d: got %v want members from %v", p.ID, p.Members, want)
		}
	}
}

func TestBuildTopologyPartitionSizeExceedsBootstrap(t *testing.T) {
	opts := BuildOptions{Bootstrap: nodes("a", "b", "c"), PartitionSize: 4}
	if _, err := BuildTopology(opts); err == nil {
		t.Fatal("expected ConfigurationInvalid when partitionSize exceeds bootstrap size")
	}
}

func TestBuildTopologyEmptyBootstrap(t *testing.T) {
	if _, err := BuildTopology(BuildOptions{}); err == nil {
		t.Fatal("expected ConfigurationInvalid for empty bootstrap set")
	}
}

func TestBuildTopologyEqualSizeDegenerate(t *testing.T) {
	opts := BuildOptions{Bootstrap: nodes("a", "b", "c"), NumPartitions: 3, PartitionSize: 3}
	topo, err := BuildTopology(opts)
	if err != nil {
		t.Fatalf("BuildTopology: %v", err)
	}
	for _, p := range topo {
		if len(p.Members) != 3 {
			t.Fatalf("expected every partition to have all 3 members, got %v", p.Members)
		}
	}
}

func TestBuildTopologyNumPartitionsExceedsBootstrap(t *testing.T) {
	opts := BuildOptions{Bootstrap: nodes("a", "b", "c"), NumPartitions: 7, PartitionSize: 2}
	topo, err := BuildTopology(opts)
	if err != nil {
		t.Fatalf("BuildTopology: %v", err)
	}
	if len(topo) != 7 {
		t.Fatalf("expected 7 partitions, got %d", len(topo))
	}
	covered := make(map[cluster.NodeId]struct{})
	for _, p := range topo {
		for _, id := range p.Members {
			covered[id] = struct{}{}
		}
	}
	for _, id := range []cluster.NodeId{"a", "b", "c"} {
		if _, ok := covered[id]; !ok {
			t.Fatalf("node %q appears in no partition", id)
		}
	}
}

func TestBuildTopologyExplicitOverride(t *testing.T) {
	explicit := []Metadata{{ID: 1, Members: []cluster.NodeId{"z"}}}
	topo, err := BuildTopology(BuildOptions{Partitions: explicit, Bootstrap: nodes("a")})
	if err != nil {
		t.Fatalf("BuildTopology: %v", err)
	}
	if len(topo) != 1 || topo[0].Members[0] != "z" {
		t.Fatalf("expected explicit topology verbatim, got %v", topo)
	}
}

func TestBuildTopologyIsDeterministic(t *testing.T) {
	opts := BuildOptions{Bootstrap: nodes("c", "a", "b")}
	first, err := BuildTopology(opts)
	if err != nil {
		t.Fatalf("BuildTopology: %v", err)
	}
	second, err := BuildTopology(opts)
	if err != nil {
		t.Fatalf("BuildTopology: %v", err)
	}
	for i := range first {
		a := append([]cluster.NodeId(nil), first[i].Members...)
		b := append([]cluster.NodeId(nil), second[i].Members...)
		sort.Slice(a, func(x, y int) bool { return a[x] < a[y] })
		sort.Slice(b, func(x, y int) bool { return b[x] < b[y] })
		if len(a) != len(b) {
			t.Fatalf("non-deterministic result at partition %d", i)
		}
		for j := range a {
			if a[j] != b[j] {
				t.Fatalf("non-deterministic result at partition %d", i)
			}
		}
	}
}

func TestPartitionOfIsStable(t *testing.T) {
	a := PartitionOf("foo", 5)
	b := PartitionOf("foo", 5)
	if a != b {
		t.Fatalf("expected stable routing, got %d and %d", a, b)
	}
	if a < 1 || int(a) > 5 {
		t.Fatalf("partition id %d out of range", a)
	}
}
