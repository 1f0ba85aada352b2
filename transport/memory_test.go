package transport

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/atomix/cluster"
)

func TestMemorySendSubscribe(t *testing.T) {
	net := NewNetwork()
	a := net.Node("a")
	b := net.Node("b")

	b.Subscribe("echo", func(ctx context.Context, from cluster.NodeId, topic string, body []byte) ([]byte, error) {
		if from != "a" {
			t.Fatalf("expected sender a, got %s", from)
		}
		out := append([]byte("echo:"), body...)
		return out, nil
	})

	reply, err := a.Send(context.Background(), "b", "echo", []byte("hi"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if string(reply) != "echo:hi" {
		t.Fatalf("unexpected reply %q", reply)
	}
}

func TestMemorySendUnknownTopic(t *testing.T) {
	net := NewNetwork()
	a := net.Node("a")
	net.Node("b")
	_, err := a.Send(context.Background(), "b", "missing", nil)
	if !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("expected ErrNotSubscribed, got %v", err)
	}
}

func TestMemorySendUnknownNode(t *testing.T) {
	net := NewNetwork()
	a := net.Node("a")
	_, err := a.Send(context.Background(), "ghost", "topic", nil)
	if !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("expected ErrNotSubscribed for unknown node, got %v", err)
	}
}

func TestMemoryUnsubscribe(t *testing.T) {
	net := NewNetwork()
	a := net.Node("a")
	b := net.Node("b")
	b.Subscribe("topic", func(ctx context.Context, from cluster.NodeId, topic string, body []byte) ([]byte, error) {
		return nil, nil
	})
	b.Unsubscribe("topic")
	_, err := a.Send(context.Background(), "b", "topic", nil)
	if !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("expected ErrNotSubscribed after unsubscribe, got %v", err)
	}
}
