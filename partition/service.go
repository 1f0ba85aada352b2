package partition

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"pkt.systems/atomix/cluster"
	"pkt.systems/atomix/internal/errkind"
	"pkt.systems/atomix/internal/svcfields"
	"pkt.systems/atomix/internal/telemetry"
	"pkt.systems/pslog"
)

// Participant is the Raft consensus participant for one partition. Its
// implementation (log replication, elections, snapshots) is an external
// collaborator out of scope for this package; Service only drives its
// lifecycle.
type Participant interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
}

// ParticipantFactory builds the Participant for a partition. When the local
// node is not a member of the partition's replica set, factories typically
// return a lightweight client-view Participant whose Open/Close are no-ops.
type ParticipantFactory func(meta Metadata, dataDir string, local cluster.NodeId) Participant

// Handle is one partition's runtime state: its metadata, its local data
// directory, and its Participant.
type Handle struct {
	meta        Metadata
	dataDir     string
	participant Participant
	isMember    bool
}

// ID returns the partition id.
func (h *Handle) ID() Id { return h.meta.ID }

// Members returns the replica set for this partition.
func (h *Handle) Members() []cluster.NodeId { return h.meta.Members }

// DataDir returns the filesystem path reserved for this partition's state.
func (h *Handle) DataDir() string { return h.dataDir }

// IsMember reports whether the local node participates in this partition's
// replica set (as opposed to holding only a client view of it).
func (h *Handle) IsMember() bool { return h.isMember }

// Service owns the set of replica groups (C6): one Handle per Metadata
// entry, each with its own Participant lifecycle.
type Service struct {
	logger  pslog.Logger
	meter   telemetry.Meter
	handles []*Handle
	byID    map[Id]*Handle

	mu     sync.RWMutex
	isOpen bool
}

// NewService builds a Service from a derived or explicit topology. dataRoot
// is the filesystem root under which per-partition subdirectories are
// created at "<dataRoot>/partitions/<id>/".
func NewService(topology []Metadata, local cluster.NodeId, dataRoot string, factory ParticipantFactory, logger pslog.Logger, meter telemetry.Meter) (*Service, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if len(topology) == 0 {
		return nil, errkind.New(errkind.ConfigurationInvalid, "partition.NewService", fmt.Errorf("topology must not be empty"))
	}
	handles := make([]*Handle, 0, len(topology))
	byID := make(map[Id]*Handle, len(topology))
	for _, meta := range topology {
		dataDir := filepath.Join(dataRoot, "partitions", fmt.Sprintf("%d", meta.ID))
		isMember := false
		for _, m := range meta.Members {
			if m == local {
				isMember = true
				break
			}
		}
		h := &Handle{
			meta:        meta,
			dataDir:     dataDir,
			participant: factory(meta, dataDir, local),
			isMember:    isMember,
		}
		handles = append(handles, h)
		byID[meta.ID] = h
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].meta.ID < handles[j].meta.ID })
	return &Service{
		logger:  svcfields.WithSubsystem(logger, "partition"),
		meter:   meter,
		handles: handles,
		byID:    byID,
	}, nil
}

// Open brings up every partition's Participant in parallel, waiting for all
// to complete. If any fails, every already-opened partition is closed
// before the error is surfaced, leaving no partition data directory locked.
func (s *Service) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isOpen {
		return nil
	}

	type outcome struct {
		handle *Handle
		err    error
	}
	results := make(chan outcome, len(s.handles))
	for _, h := range s.handles {
		h := h
		go func() {
			start := time.Now()
			err := h.participant.Open(ctx)
			if err == nil {
				s.meter.RecordPartitionOpen(ctx, time.Since(start).Seconds())
			}
			results <- outcome{handle: h, err: err}
		}()
	}
	opened := make([]*Handle, 0, len(s.handles))
	var firstErr error
	for i := 0; i < len(s.handles); i++ {
		o := <-results
		if o.err != nil {
			if firstErr == nil {
				firstErr = o.err
			}
			s.logger.Error("partition.open.failed", "partition", int(o.handle.ID()), "error", o.err)
			continue
		}
		opened = append(opened, o.handle)
	}
	if firstErr != nil {
		for _, h := range opened {
			if err := h.participant.Close(ctx); err != nil {
				s.logger.Warn("partition.rollback.close.failed", "partition", int(h.ID()), "error", err)
			}
		}
		return errkind.New(errkind.Unavailable, "partition.Open", firstErr)
	}
	s.isOpen = true
	s.logger.Info("partition.open", "partitions", len(s.handles))
	return nil
}

// Close closes every partition in parallel and releases data-directory
// locks. It is idempotent and tolerant of a Service that was never opened.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isOpen {
		return nil
	}
	var wg sync.WaitGroup
	for _, h := range s.handles {
		h := h
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.participant.Close(ctx); err != nil {
				s.logger.Warn("partition.close.failed", "partition", int(h.ID()), "error", err)
			}
		}()
	}
	wg.Wait()
	s.isOpen = false
	s.logger.Info("partition.close")
	return nil
}

// IsOpen reports whether Open has completed without a following Close.
func (s *Service) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOpen
}

// Partition returns the handle for id.
func (s *Service) Partition(id Id) (*Handle, bool) {
	h, ok := s.byID[id]
	return h, ok
}

// Partitions returns all handles ordered by id.
func (s *Service) Partitions() []*Handle {
	out := make([]*Handle, len(s.handles))
	copy(out, s.handles)
	return out
}

// Count returns the number of partitions in the topology.
func (s *Service) Count() int {
	return len(s.handles)
}
