// Package primitive implements the name -> primitive factory (C9),
// routing each name to a partition by hashing, and fanning list requests
// out across every partition.
package primitive

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"pkt.systems/atomix/internal/errkind"
	"pkt.systems/atomix/internal/svcfields"
	"pkt.systems/atomix/partition"
	"pkt.systems/atomix/proxy"
	"pkt.systems/pslog"
)

// Primitive is the handle a built primitive returns to its caller. Its
// Type and Name identify it; Proxy is the fully assembled operation
// surface from the proxy stack.
type Primitive struct {
	Name  string
	Type  string
	Proxy proxy.Proxy
}

// SessionOpener opens a raw session-bound proxy for a primitive name,
// routed to a specific partition; it is typically backed by the Raft
// session manager.
type SessionOpener func(ctx context.Context, partitionID partition.Id, name, primitiveType string) (proxy.Proxy, error)

// PartitionLister enumerates the live primitive names of a given type on
// one partition, backed by that partition's session metadata.
type PartitionLister func(ctx context.Context, partitionID partition.Id, primitiveType string) ([]string, error)

// Service is the Primitive Service (C9): build(name, type) and
// list(type), both routed through partition.PartitionOf.
type Service struct {
	logger        pslog.Logger
	numPartitions int
	openSession   SessionOpener
	listOnPart    PartitionLister
	proxyOptions  proxy.Options

	mu     sync.RWMutex
	isOpen bool
	built  map[string]*Primitive
}

// Config configures a Service.
type Config struct {
	NumPartitions   int
	OpenSession     SessionOpener
	ListOnPartition PartitionLister
	ProxyOptions    proxy.Options
	Logger          pslog.Logger
}

// NewService builds a Service. NumPartitions must be the cluster's
// immutable partition count; it is never recomputed after bootstrap.
func NewService(cfg Config) (*Service, error) {
	if cfg.NumPartitions <= 0 {
		return nil, errkind.New(errkind.ConfigurationInvalid, "primitive.NewService", fmt.Errorf("NumPartitions must be positive"))
	}
	if cfg.OpenSession == nil {
		return nil, errkind.New(errkind.ConfigurationInvalid, "primitive.NewService", fmt.Errorf("OpenSession must not be nil"))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Service{
		logger:        svcfields.WithSubsystem(logger, "primitive"),
		numPartitions: cfg.NumPartitions,
		openSession:   cfg.OpenSession,
		listOnPart:    cfg.ListOnPartition,
		proxyOptions:  cfg.ProxyOptions,
		built:         make(map[string]*Primitive),
	}, nil
}

// Open marks the service ready to accept build/list calls.
func (s *Service) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isOpen = true
	return nil
}

// Close marks the service closed. Idempotent.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isOpen = false
	return nil
}

// IsOpen reports whether Open has completed without a following Close.
func (s *Service) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOpen
}

// Build returns a Primitive for name, constructing it on first use. A
// given name always resolves to the same partition for the life of the
// cluster, since partitionOf depends only on name and the immutable
// partition count.
func (s *Service) Build(ctx context.Context, name, primitiveType string) (*Primitive, error) {
	s.mu.RLock()
	if !s.isOpen {
		s.mu.RUnlock()
		return nil, errkind.New(errkind.NotOpen, "primitive.Build", nil)
	}
	if existing, ok := s.built[key(name, primitiveType)]; ok {
		s.mu.RUnlock()
		return existing, nil
	}
	s.mu.RUnlock()

	partitionID := partition.PartitionOf(name, s.numPartitions)
	p, err := proxy.Build(ctx, func(ctx context.Context) (proxy.Proxy, error) {
		return s.openSession(ctx, partitionID, name, primitiveType)
	}, s.proxyOptions)
	if err != nil {
		return nil, err
	}

	prim := &Primitive{Name: name, Type: primitiveType, Proxy: p}
	s.mu.Lock()
	if existing, ok := s.built[key(name, primitiveType)]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.built[key(name, primitiveType)] = prim
	s.mu.Unlock()
	s.logger.Info("primitive.built", "name", name, "type", primitiveType, "partition", int(partitionID))
	return prim, nil
}

// List returns the names of every live primitive of primitiveType,
// fanned out across all partitions and de-duplicated, since a primitive
// can in principle appear with stray duplicate session records during
// recovery.
func (s *Service) List(ctx context.Context, primitiveType string) ([]string, error) {
	s.mu.RLock()
	open := s.isOpen
	s.mu.RUnlock()
	if !open {
		return nil, errkind.New(errkind.NotOpen, "primitive.List", nil)
	}
	if s.listOnPart == nil {
		return nil, nil
	}

	type outcome struct {
		names []string
		err   error
	}
	results := make(chan outcome, s.numPartitions)
	for i := 1; i <= s.numPartitions; i++ {
		id := partition.Id(i)
		go func() {
			names, err := s.listOnPart(ctx, id, primitiveType)
			results <- outcome{names: names, err: err}
		}()
	}

	seen := make(map[string]struct{})
	var firstErr error
	for i := 0; i < s.numPartitions; i++ {
		o := <-results
		if o.err != nil {
			if firstErr == nil {
				firstErr = o.err
			}
			continue
		}
		for _, n := range o.names {
			seen[n] = struct{}{}
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func key(name, primitiveType string) string {
	return primitiveType + "\x00" + name
}
