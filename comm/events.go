package comm

import (
	"context"
	"fmt"
	"sync"

	"pkt.systems/atomix/cluster"
	"pkt.systems/atomix/internal/errkind"
	"pkt.systems/atomix/internal/svcfields"
	"pkt.systems/pslog"
)

const eventTopicPrefix = "event."

// EventListener receives a published event body.
type EventListener func(ctx context.Context, body []byte)

// EventService is the cluster-wide publish/subscribe fabric (C4), layered
// over the CommunicationService's broadcast (C3). Publishing a topic
// delivers the body to every local listener registered for it and to every
// remote node's local listeners via a reserved request topic namespace.
type EventService struct {
	logger pslog.Logger
	comm   *CommunicationService

	mu        sync.RWMutex
	isOpen    bool
	listeners map[string][]EventListener
}

// NewEventService constructs the event fabric over an already-built
// communication fabric.
func NewEventService(comm *CommunicationService, logger pslog.Logger) *EventService {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &EventService{
		logger:    svcfields.WithSubsystem(logger, "events"),
		comm:      comm,
		listeners: make(map[string][]EventListener),
	}
}

// Open registers the internal dispatch handler on the communication fabric
// and marks the service ready.
func (e *EventService) Open(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isOpen {
		return nil
	}
	e.comm.Subscribe(eventTopicPrefix+"dispatch", e.dispatchHandler)
	e.isOpen = true
	e.logger.Info("events.open")
	return nil
}

// Close unregisters the dispatch handler and marks the service closed.
// Idempotent.
func (e *EventService) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isOpen {
		return nil
	}
	e.comm.Unsubscribe(eventTopicPrefix + "dispatch")
	e.isOpen = false
	e.logger.Info("events.close")
	return nil
}

// IsOpen reports whether Open has completed without a following Close.
func (e *EventService) IsOpen() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isOpen
}

// Subscribe registers listener for topic on the local node.
func (e *EventService) Subscribe(topic string, listener EventListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[topic] = append(e.listeners[topic], listener)
}

// Publish delivers body to every listener registered for topic across the
// cluster: local listeners are invoked directly, remote nodes receive the
// event via the fabric's reserved dispatch topic.
func (e *EventService) Publish(ctx context.Context, topic string, body []byte) error {
	if !e.IsOpen() {
		return errkind.New(errkind.NotOpen, "events.Publish", nil)
	}
	e.deliverLocal(ctx, topic, body)
	envelope := encodeEnvelope(topic, body)
	e.comm.Broadcast(ctx, eventTopicPrefix+"dispatch", envelope)
	return nil
}

func (e *EventService) deliverLocal(ctx context.Context, topic string, body []byte) {
	e.mu.RLock()
	listeners := append([]EventListener(nil), e.listeners[topic]...)
	e.mu.RUnlock()
	for _, l := range listeners {
		l(ctx, body)
	}
}

func (e *EventService) dispatchHandler(ctx context.Context, from cluster.NodeId, topic string, body []byte) ([]byte, error) {
	evTopic, evBody, err := decodeEnvelope(body)
	if err != nil {
		return nil, err
	}
	e.deliverLocal(ctx, evTopic, evBody)
	return nil, nil
}

// encodeEnvelope packs a topic and body into a single wire payload using a
// length-prefixed topic, avoiding a dependency on a generic serialization
// library for what is an internal-only, same-process-family wire shape.
func encodeEnvelope(topic string, body []byte) []byte {
	out := make([]byte, 0, 2+len(topic)+len(body))
	out = append(out, byte(len(topic)>>8), byte(len(topic)))
	out = append(out, topic...)
	out = append(out, body...)
	return out
}

func decodeEnvelope(raw []byte) (string, []byte, error) {
	if len(raw) < 2 {
		return "", nil, fmt.Errorf("events: envelope too short")
	}
	n := int(raw[0])<<8 | int(raw[1])
	if len(raw) < 2+n {
		return "", nil, fmt.Errorf("events: envelope truncated")
	}
	return string(raw[2 : 2+n]), raw[2+n:], nil
}
