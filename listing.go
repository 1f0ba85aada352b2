package atomix

import (
	"context"
	"encoding/json"
	"fmt"

	"pkt.systems/atomix/partition"
	"pkt.systems/atomix/proxy"
)

// listQueryOp names the read-only query Atomix.listOnPartition issues
// against a partition's Raft state machine to enumerate the live
// primitive names of one type. The state machine that answers it is an
// external collaborator (see raftsession's package doc); this struct and
// op name are the wire convention it is expected to honor.
const listQueryOp = "primitives.list"

type listQuery struct {
	Op   string `json:"op"`
	Type string `json:"type"`
}

// listOnPartition backs the Primitive Service's PartitionLister: it opens
// a Raft session against partitionID and issues a sequential read query
// for every live primitive name of primitiveType, decoding the reply as a
// JSON array of names. An empty reply (no state machine wired, or nothing
// built yet on that partition) decodes to no names rather than an error.
func (a *Atomix) listOnPartition(ctx context.Context, partitionID partition.Id, primitiveType string) ([]string, error) {
	s, err := a.sessions.Open(ctx, partitionID)
	if err != nil {
		return nil, err
	}
	defer s.Close(ctx)

	query, err := json.Marshal(listQuery{Op: listQueryOp, Type: primitiveType})
	if err != nil {
		return nil, fmt.Errorf("atomix.listOnPartition: encode query: %w", err)
	}
	result, err := s.Query(ctx, toSessionConsistency(proxy.Sequential), query)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}
	var names []string
	if err := json.Unmarshal(result, &names); err != nil {
		return nil, fmt.Errorf("atomix.listOnPartition: decode reply: %w", err)
	}
	return names, nil
}
