package comm

import (
	"context"
	"testing"
	"time"

	"pkt.systems/atomix/cluster"
	"pkt.systems/atomix/transport"
)

func twoNodeCluster(t *testing.T) (*cluster.Service, *cluster.Service) {
	t.Helper()
	a := cluster.Node{ID: "a", Endpoint: cluster.Endpoint{Host: "h1", Port: 1}}
	b := cluster.Node{ID: "b", Endpoint: cluster.Endpoint{Host: "h2", Port: 2}}
	bootstrap := []cluster.Node{a, b}

	svcA, err := cluster.New(cluster.Metadata{Local: a, Bootstrap: bootstrap}, nil)
	if err != nil {
		t.Fatalf("cluster.New a: %v", err)
	}
	svcB, err := cluster.New(cluster.Metadata{Local: b, Bootstrap: bootstrap}, nil)
	if err != nil {
		t.Fatalf("cluster.New b: %v", err)
	}
	if err := svcA.Open(context.Background()); err != nil {
		t.Fatalf("open a: %v", err)
	}
	if err := svcB.Open(context.Background()); err != nil {
		t.Fatalf("open b: %v", err)
	}
	return svcA, svcB
}

func TestCommSendRoundTrip(t *testing.T) {
	net := transport.NewNetwork()
	membersA, membersB := twoNodeCluster(t)

	commA := NewCommunicationService(net.Node("a"), membersA, nil)
	commB := NewCommunicationService(net.Node("b"), membersB, nil)
	if err := commA.Open(context.Background()); err != nil {
		t.Fatalf("open commA: %v", err)
	}
	if err := commB.Open(context.Background()); err != nil {
		t.Fatalf("open commB: %v", err)
	}

	commB.Subscribe("ping", func(ctx context.Context, from cluster.NodeId, topic string, body []byte) ([]byte, error) {
		return []byte("pong"), nil
	})

	reply, err := commA.Send(context.Background(), "b", "ping", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if string(reply) != "pong" {
		t.Fatalf("unexpected reply %q", reply)
	}
}

func TestCommSendNotOpen(t *testing.T) {
	net := transport.NewNetwork()
	membersA, _ := twoNodeCluster(t)
	commA := NewCommunicationService(net.Node("a"), membersA, nil)
	if _, err := commA.Send(context.Background(), "b", "ping", nil); err == nil {
		t.Fatal("expected NotOpen error before Open")
	}
}

func TestEventPublishDeliversLocalAndRemote(t *testing.T) {
	net := transport.NewNetwork()
	membersA, membersB := twoNodeCluster(t)

	commA := NewCommunicationService(net.Node("a"), membersA, nil)
	commB := NewCommunicationService(net.Node("b"), membersB, nil)
	if err := commA.Open(context.Background()); err != nil {
		t.Fatalf("open commA: %v", err)
	}
	if err := commB.Open(context.Background()); err != nil {
		t.Fatalf("open commB: %v", err)
	}

	eventsA := NewEventService(commA, nil)
	eventsB := NewEventService(commB, nil)
	if err := eventsA.Open(context.Background()); err != nil {
		t.Fatalf("open eventsA: %v", err)
	}
	if err := eventsB.Open(context.Background()); err != nil {
		t.Fatalf("open eventsB: %v", err)
	}

	localGot := make(chan string, 1)
	remoteGot := make(chan string, 1)
	eventsA.Subscribe("topic.x", func(ctx context.Context, body []byte) {
		localGot <- string(body)
	})
	eventsB.Subscribe("topic.x", func(ctx context.Context, body []byte) {
		remoteGot <- string(body)
	})

	if err := eventsA.Publish(context.Background(), "topic.x", []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-localGot:
		if got != "hello" {
			t.Fatalf("local listener got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("local listener never fired")
	}

	select {
	case got := <-remoteGot:
		if got != "hello" {
			t.Fatalf("remote listener got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("remote listener never fired")
	}
}
