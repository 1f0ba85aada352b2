// Package atomix is the composition root (C10): it builds every other
// component, opens them in the fixed order the runtime's lifecycle state
// machine depends on, and closes them in reverse. All lifecycle
// transitions are serialized on a single cooperative orchestrator so that
// a partial open can never race a concurrent close.
package atomix

import (
	"context"
	"fmt"
	"sync"

	"pkt.systems/atomix/cluster"
	"pkt.systems/atomix/comm"
	"pkt.systems/atomix/internal/clock"
	"pkt.systems/atomix/internal/errkind"
	"pkt.systems/atomix/internal/svcfields"
	"pkt.systems/atomix/internal/telemetry"
	"pkt.systems/atomix/internal/uuidv7"
	"pkt.systems/atomix/partition"
	"pkt.systems/atomix/primitive"
	"pkt.systems/atomix/proxy"
	"pkt.systems/atomix/raftsession"
	"pkt.systems/atomix/transport"
	"pkt.systems/pslog"
)

const defaultClusterName = "atomix"

// Config is the Builder configuration enumerated in the external
// interfaces (§6): the fields a caller sets before Build assembles a
// runtime.
type Config struct {
	ClusterName    string
	HTTPPort       int
	LocalNode      cluster.Node
	BootstrapNodes []cluster.Node
	NumPartitions  int
	PartitionSize  int
	Partitions     []partition.Metadata
	PrimitiveTypes []string
	DataDir        string

	// StateCacheBytes is an advisory byte budget for the Primitive
	// Service's built-primitive cache, reported in Status for operators;
	// it is not a hard eviction limit (primitive.Service never evicts).
	StateCacheBytes int64
}

// Option injects a collaborator or override that Config's plain fields
// cannot express directly: declarative config stays in Config, and
// constructed dependencies go through Option.
type Option func(*options)

type options struct {
	Logger             pslog.Logger
	Clock              clock.Clock
	Transport          transport.Transport
	Telemetry          telemetry.Config
	ClientID           string
	ParticipantFactory partition.ParticipantFactory
	RaftClients        raftsession.ClientResolver
	ProxyOptions       proxy.Options
	PrimitiveLister    primitive.PartitionLister
}

// WithLogger supplies a custom logger, propagated to every component.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.Logger = l }
}

// WithClock injects a custom clock, used by the Raft session manager's
// keepalive/backoff loop in tests.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.Clock = c }
}

// WithTransport injects the messaging transport (C1). Defaults to a
// private in-memory Network node when omitted, which only talks to itself
// and is useful for single-process tests, not multi-node deployment.
func WithTransport(t transport.Transport) Option {
	return func(o *options) { o.Transport = t }
}

// WithTelemetry configures the OTel/Prometheus bundle. An empty Config
// (the zero value) disables both tracing and metrics.
func WithTelemetry(cfg telemetry.Config) Option {
	return func(o *options) { o.Telemetry = cfg }
}

// WithClientID overrides the session manager's client identity. Defaults
// to a freshly minted UUIDv7 string.
func WithClientID(id string) Option {
	return func(o *options) { o.ClientID = id }
}

// WithParticipantFactory injects the Raft participant factory (C6's
// collaborator). Defaults to a no-op Participant, suitable only for
// exercising the partition service's lifecycle plumbing without a real
// consensus implementation.
func WithParticipantFactory(f partition.ParticipantFactory) Option {
	return func(o *options) { o.ParticipantFactory = f }
}

// WithRaftClientFactory injects the session manager's PartitionClient
// resolver: the wire protocol that actually reaches a partition's leader.
// This is an external collaborator the core does not implement (the Raft
// consensus algorithm and its RPC surface are out of scope); omitting this
// option leaves every session Open call failing with Unavailable.
func WithRaftClientFactory(r raftsession.ClientResolver) Option {
	return func(o *options) { o.RaftClients = r }
}

// WithProxyOptions configures the default Proxy Stack Assembler (C8)
// options every primitive is built with.
func WithProxyOptions(opts proxy.Options) Option {
	return func(o *options) { o.ProxyOptions = opts }
}

// WithPrimitiveLister overrides the Primitive Service's per-partition
// listing path. Defaults to Atomix.listOnPartition, which issues a Query
// against each partition's Raft session; callers typically only need this
// to substitute a test double, since the default already reaches the
// same session manager Build uses.
func WithPrimitiveLister(l primitive.PartitionLister) Option {
	return func(o *options) { o.PrimitiveLister = l }
}

// Builder accumulates Config and Options before Build assembles a runtime,
// a fluent alternative to calling New directly with the same
// config-struct-plus-options split underneath.
type Builder struct {
	cfg  Config
	opts []Option
}

// NewBuilder starts a Builder from cfg.
func NewBuilder(cfg Config) *Builder {
	return &Builder{cfg: cfg}
}

// With appends one or more Options and returns the Builder for chaining.
func (b *Builder) With(opts ...Option) *Builder {
	b.opts = append(b.opts, opts...)
	return b
}

// Build validates the configuration, derives the partition topology, and
// constructs every component wired together, without opening any of
// them. Open must be called before the runtime accepts traffic.
func (b *Builder) Build() (*Atomix, error) {
	return build(b.cfg, b.opts...)
}

// Atomix is the assembled runtime (C10): every other component, held
// together by a single-threaded orchestrator that serializes Open and
// Close.
type Atomix struct {
	cfg Config

	logger pslog.Logger
	orch   *orchestrator

	transport  transport.Transport
	members    *cluster.Service
	commSvc    *comm.CommunicationService
	events     *comm.EventService
	partitions *partition.Service
	sessions   *raftsession.Manager
	primitives *primitive.Service

	telemetryCfg telemetry.Config
	bundle       *telemetry.Bundle

	mu     sync.Mutex
	isOpen bool
	closed bool
}

// New is a convenience constructor equivalent to NewBuilder(cfg).With(opts...).Build().
func New(cfg Config, opts ...Option) (*Atomix, error) {
	return build(cfg, opts...)
}

func build(cfg Config, opts ...Option) (*Atomix, error) {
	if cfg.ClusterName == "" {
		cfg.ClusterName = defaultClusterName
	}
	if len(cfg.BootstrapNodes) == 0 {
		return nil, errkind.New(errkind.ConfigurationInvalid, "atomix.Build", fmt.Errorf("BootstrapNodes must not be empty"))
	}
	if cfg.LocalNode == (cluster.Node{}) {
		return nil, errkind.New(errkind.ConfigurationInvalid, "atomix.Build", fmt.Errorf("LocalNode is mandatory"))
	}
	if cfg.LocalNode.ID == "" {
		// LocalNode is mandatory, but its ID may be left blank for the
		// common case of a node identified only by its endpoint; mint one
		// the same way the session manager mints a default client ID.
		cfg.LocalNode.ID = cluster.NodeId(uuidv7.NewString())
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	clientID := o.ClientID
	if clientID == "" {
		clientID = uuidv7.NewString()
	}

	topology, err := partition.BuildTopology(partition.BuildOptions{
		Bootstrap:     cfg.BootstrapNodes,
		NumPartitions: cfg.NumPartitions,
		PartitionSize: cfg.PartitionSize,
		Partitions:    cfg.Partitions,
	})
	if err != nil {
		return nil, err
	}
	cfg.NumPartitions = len(topology)

	meta := cluster.Metadata{Local: cfg.LocalNode, Bootstrap: cfg.BootstrapNodes}
	members, err := cluster.New(meta, logger)
	if err != nil {
		return nil, err
	}

	tp := o.Transport
	if tp == nil {
		tp = transport.NewNetwork().Node(cfg.LocalNode.ID)
	}
	commSvc := comm.NewCommunicationService(tp, members, logger)
	events := comm.NewEventService(commSvc, logger)

	participantFactory := o.ParticipantFactory
	if participantFactory == nil {
		participantFactory = noopParticipantFactory
	}
	partitions, err := partition.NewService(topology, cfg.LocalNode.ID, cfg.DataDir, participantFactory, logger, telemetry.Meter{})
	if err != nil {
		return nil, err
	}

	resolve := o.RaftClients
	if resolve == nil {
		resolve = unavailableClientResolver
	}
	sessions, err := raftsession.NewManager(raftsession.Config{
		ClientID: clientID,
		Clock:    clk,
		Logger:   logger,
	}, resolve)
	if err != nil {
		return nil, err
	}

	a := &Atomix{cfg: cfg, sessions: sessions}
	listOnPartition := o.PrimitiveLister
	if listOnPartition == nil {
		listOnPartition = a.listOnPartition
	}
	primitives, err := primitive.NewService(primitive.Config{
		NumPartitions:   cfg.NumPartitions,
		OpenSession:     a.openPrimitiveSession,
		ListOnPartition: listOnPartition,
		ProxyOptions:    o.ProxyOptions,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	a.logger = svcfields.WithSubsystem(logger, "atomix")
	a.orch = newOrchestrator()
	a.transport = tp
	a.members = members
	a.commSvc = commSvc
	a.events = events
	a.partitions = partitions
	a.primitives = primitives
	a.telemetryCfg = o.Telemetry
	return a, nil
}

// openPrimitiveSession backs the Primitive Service's SessionOpener: it
// opens a Raft session for the given partition and adapts it to the
// proxy stack's Proxy interface.
func (a *Atomix) openPrimitiveSession(ctx context.Context, partitionID partition.Id, name, primitiveType string) (proxy.Proxy, error) {
	s, err := a.sessions.Open(ctx, partitionID)
	if err != nil {
		return nil, err
	}
	return newSessionProxy(name, s), nil
}

// Open brings up every component in the fixed order (§4.6): transport,
// membership, communication fabric, event fabric, partition service,
// then the primitive factory, then the optional metrics/REST listener.
// On any step's failure, every already-opened component is closed in
// reverse order before the error surfaces. Open is idempotent.
func (a *Atomix) Open(ctx context.Context) error {
	return a.orch.submit(ctx, func(ctx context.Context) error {
		a.mu.Lock()
		already := a.isOpen
		a.mu.Unlock()
		if already {
			return nil
		}

		steps := []openStep{
			{"transport", func(context.Context) error { return nil }, func(context.Context) error { return a.transport.Close() }},
			{"membership", a.members.Open, a.members.Close},
			{"communication", a.commSvc.Open, a.commSvc.Close},
			{"events", a.events.Open, a.events.Close},
			{"partitions", a.partitions.Open, a.partitions.Close},
			{"primitives", a.primitives.Open, a.primitives.Close},
			{"rest", a.openREST, a.closeREST},
		}

		opened := make([]openStep, 0, len(steps))
		for _, st := range steps {
			if err := st.open(ctx); err != nil {
				a.rollback(ctx, opened)
				return errkind.New(errkind.Unavailable, "atomix.Open", fmt.Errorf("%s: %w", st.name, err))
			}
			opened = append(opened, st)
		}

		a.mu.Lock()
		a.isOpen = true
		a.mu.Unlock()
		a.logger.Info("atomix.open", "cluster", a.cfg.ClusterName, "partitions", a.cfg.NumPartitions)
		return nil
	})
}

// openStep names one lifecycle step and its open/close pair, kept together
// so rollback can close exactly the steps that actually opened, in
// reverse.
type openStep struct {
	name  string
	open  func(context.Context) error
	close func(context.Context) error
}

func (a *Atomix) rollback(ctx context.Context, opened []openStep) {
	for i := len(opened) - 1; i >= 0; i-- {
		if err := opened[i].close(ctx); err != nil {
			a.logger.Warn("atomix.open.rollback.failed", "step", opened[i].name, "error", err)
		}
	}
}

// Close shuts down every component in exact reverse of Open, then
// releases the orchestrator itself last. It is idempotent and tolerant of
// a runtime that was never opened.
func (a *Atomix) Close(ctx context.Context) error {
	err := a.orch.submit(ctx, func(ctx context.Context) error {
		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			return nil
		}
		a.closed = true
		wasOpen := a.isOpen
		a.isOpen = false
		a.mu.Unlock()

		var firstErr error
		record := func(err error) {
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
		record(a.closeREST(ctx))
		if wasOpen {
			record(a.sessions.Close(ctx))
			record(a.primitives.Close(ctx))
			record(a.partitions.Close(ctx))
			record(a.events.Close(ctx))
			record(a.commSvc.Close(ctx))
			record(a.members.Close(ctx))
			record(a.transport.Close())
		}
		a.logger.Info("atomix.close")
		return firstErr
	})
	a.orch.stop()
	return err
}

// openREST starts the optional metrics/REST listener (§6's httpPort,
// SUPPLEMENTED FEATURES item 5): a value of 0 disables it entirely, and
// anything else opens it as the last step of Open, so metrics reflect
// only a fully open runtime.
func (a *Atomix) openREST(ctx context.Context) error {
	if a.cfg.HTTPPort <= 0 {
		return nil
	}
	telCfg := a.telemetryCfg
	telCfg.MetricsListen = fmt.Sprintf(":%d", a.cfg.HTTPPort)
	if telCfg.Logger == nil {
		telCfg.Logger = a.logger
	}
	bundle, err := telemetry.Setup(ctx, telCfg)
	if err != nil {
		return err
	}
	a.bundle = bundle
	return nil
}

// closeREST tears down the metrics/REST listener, if one was opened.
// Idempotent and tolerant of openREST never having run.
func (a *Atomix) closeREST(ctx context.Context) error {
	if a.bundle == nil {
		return nil
	}
	err := a.bundle.Shutdown(ctx)
	a.bundle = nil
	return err
}

// IsOpen reports whether Open has completed without a following Close.
func (a *Atomix) IsOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isOpen
}

// Primitives returns the Primitive Service (C9) surface, rejecting
// build/list calls with NotOpen until Open completes.
func (a *Atomix) Primitives() *primitive.Service {
	return a.primitives
}

// BuildPrimitive builds a primitive through the Primitive Service, first
// checking primitiveType against Config.PrimitiveTypes when that allow-list
// is non-empty. An empty allow-list accepts any type, same as calling
// a.Primitives().Build directly.
func (a *Atomix) BuildPrimitive(ctx context.Context, name, primitiveType string) (*primitive.Primitive, error) {
	if len(a.cfg.PrimitiveTypes) > 0 {
		allowed := false
		for _, t := range a.cfg.PrimitiveTypes {
			if t == primitiveType {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, errkind.New(errkind.ConfigurationInvalid, "atomix.BuildPrimitive", fmt.Errorf("primitive type %q is not in the configured allow-list %v", primitiveType, a.cfg.PrimitiveTypes))
		}
	}
	return a.primitives.Build(ctx, name, primitiveType)
}

// PrimitiveTypes returns the configured primitive type allow-list, empty
// when the runtime accepts any type.
func (a *Atomix) PrimitiveTypes() []string {
	return a.cfg.PrimitiveTypes
}

// Members returns the cluster membership view (C2).
func (a *Atomix) Members() *cluster.Service {
	return a.members
}

// Partitions returns the partition service (C6).
func (a *Atomix) Partitions() *partition.Service {
	return a.partitions
}

// Connect re-establishes contact with the given node set, falling back to
// the originally configured bootstrap list when nodes is empty and
// rejecting an empty cluster outright.
func (a *Atomix) Connect(ctx context.Context, nodes []cluster.NodeId) error {
	if len(nodes) == 0 {
		for _, n := range a.cfg.BootstrapNodes {
			nodes = append(nodes, n.ID)
		}
	}
	if len(nodes) == 0 {
		return errkind.New(errkind.ConfigurationInvalid, "atomix.Connect", fmt.Errorf("cluster must not be empty"))
	}
	for _, id := range nodes {
		a.members.MarkAlive(id)
	}
	return nil
}

// String renders a short diagnostic summary, the Go equivalent of
// Atomix.java's toString() override that reports the partition service.
func (a *Atomix) String() string {
	return fmt.Sprintf("atomix{cluster=%s, partitions=%d, open=%t}", a.cfg.ClusterName, a.cfg.NumPartitions, a.IsOpen())
}

// Status is the structured counterpart to String, consumed by the CLI's
// status subcommand and by tests.
type Status struct {
	ClusterName     string
	NumPartitions   int
	Open            bool
	LocalNode       cluster.NodeId
	StateCacheBytes int64
}

// Status reports the runtime's current diagnostic state.
func (a *Atomix) Status() Status {
	return Status{
		ClusterName:     a.cfg.ClusterName,
		NumPartitions:   a.cfg.NumPartitions,
		Open:            a.IsOpen(),
		LocalNode:       a.cfg.LocalNode.ID,
		StateCacheBytes: a.cfg.StateCacheBytes,
	}
}

func noopParticipantFactory(partition.Metadata, string, cluster.NodeId) partition.Participant {
	return noopParticipant{}
}

type noopParticipant struct{}

func (noopParticipant) Open(context.Context) error  { return nil }
func (noopParticipant) Close(context.Context) error { return nil }

func unavailableClientResolver(id partition.Id) (raftsession.PartitionClient, []cluster.NodeId, error) {
	return nil, nil, errkind.New(errkind.Unavailable, "atomix.unavailableClientResolver", fmt.Errorf("no Raft client factory configured for partition %d", int(id)))
}
