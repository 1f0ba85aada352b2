// Package partition derives the partition→replica-set mapping from cluster
// membership (C5) and owns the resulting set of replica groups (C6).
//
// The topology builder is a port of Atomix's buildPartitions:
// sort the bootstrap node set by id, then for partition i+1 assign the
// sliding window { sorted[(i+j) mod b] : j in [0, partitionSize) }, where
// b is the bootstrap set size. Indexing by b rather than numPartitions
// keeps every window within bounds even when numPartitions exceeds b,
// which is also what makes every node reachable by some window once
// numPartitions climbs past b.
package partition

import (
	"fmt"
	"sort"

	"pkt.systems/atomix/cluster"
	"pkt.systems/atomix/internal/errkind"
)

// Id is a dense 1-based partition identifier in [1, N].
type Id int

// Metadata pairs a partition id with its replica set. The replica set size
// is the replication factor for that partition.
type Metadata struct {
	ID      Id
	Members []cluster.NodeId
}

// BuildOptions configures topology derivation. An explicit Partitions list
// overrides everything else and is returned verbatim.
type BuildOptions struct {
	Bootstrap     []cluster.Node
	NumPartitions int
	PartitionSize int
	Partitions    []Metadata
}

// BuildTopology derives the partition topology per opts, or returns
// opts.Partitions verbatim if supplied; an explicit list is not validated.
func BuildTopology(opts BuildOptions) ([]Metadata, error) {
	if len(opts.Partitions) > 0 {
		return opts.Partitions, nil
	}

	b := len(opts.Bootstrap)
	if b == 0 {
		return nil, errkind.New(errkind.ConfigurationInvalid, "partition.BuildTopology", fmt.Errorf("bootstrap node set must not be empty"))
	}

	numPartitions := opts.NumPartitions
	if numPartitions == 0 {
		numPartitions = b
	}
	if numPartitions <= 0 {
		return nil, errkind.New(errkind.ConfigurationInvalid, "partition.BuildTopology", fmt.Errorf("numPartitions must be positive, got %d", numPartitions))
	}

	partitionSize := opts.PartitionSize
	if partitionSize == 0 {
		partitionSize = minInt(b, 3)
	}
	if partitionSize <= 0 {
		return nil, errkind.New(errkind.ConfigurationInvalid, "partition.BuildTopology", fmt.Errorf("partitionSize must be positive, got %d", partitionSize))
	}
	if partitionSize > b {
		return nil, errkind.New(errkind.ConfigurationInvalid, "partition.BuildTopology", fmt.Errorf("partitionSize %d exceeds bootstrap size %d", partitionSize, b))
	}

	sorted := make([]cluster.Node, b)
	copy(sorted, opts.Bootstrap)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	result := make([]Metadata, numPartitions)
	for i := 0; i < numPartitions; i++ {
		seen := make(map[cluster.NodeId]struct{}, partitionSize)
		members := make([]cluster.NodeId, 0, partitionSize)
		for j := 0; j < partitionSize; j++ {
			id := sorted[(i+j)%b].ID
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			members = append(members, id)
		}
		result[i] = Metadata{ID: Id(i + 1), Members: members}
	}
	return result, nil
}

// PartitionOf routes a primitive name to a partition id by hashing the name
// modulo the partition count, per the C9 routing rule.
func PartitionOf(name string, numPartitions int) Id {
	if numPartitions <= 0 {
		return 0
	}
	h := fnv32(name)
	return Id(int(h%uint32(numPartitions)) + 1)
}

func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
