package main

import (
	"io"
	"testing"

	"pkt.systems/pslog"
)

func TestParseBootstrapNodes(t *testing.T) {
	cases := []struct {
		name    string
		raw     []string
		wantErr bool
	}{
		{name: "empty", raw: nil, wantErr: false},
		{name: "single", raw: []string{"n1=127.0.0.1:9001"}, wantErr: false},
		{name: "multiple", raw: []string{"n1=127.0.0.1:9001", "n2=127.0.0.1:9002"}, wantErr: false},
		{name: "missing id", raw: []string{"127.0.0.1:9001"}, wantErr: true},
		{name: "missing port", raw: []string{"n1=127.0.0.1"}, wantErr: true},
		{name: "non-numeric port", raw: []string{"n1=127.0.0.1:abc"}, wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			nodes, err := parseBootstrapNodes(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("parseBootstrapNodes(%v): expected an error", tc.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseBootstrapNodes(%v): %v", tc.raw, err)
			}
			if len(nodes) != len(tc.raw) {
				t.Fatalf("parseBootstrapNodes(%v): got %d nodes, want %d", tc.raw, len(nodes), len(tc.raw))
			}
		})
	}
}

func TestParseBootstrapNodesFieldValues(t *testing.T) {
	nodes, err := parseBootstrapNodes([]string{"n1=127.0.0.1:9001"})
	if err != nil {
		t.Fatalf("parseBootstrapNodes: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("expected one node, got %d", len(nodes))
	}
	n := nodes[0]
	if string(n.ID) != "n1" || n.Endpoint.Host != "127.0.0.1" || n.Endpoint.Port != 9001 {
		t.Fatalf("unexpected node: %+v", n)
	}
}

func TestNewRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(io.Discard))
	want := []string{"open", "status", "primitives", "version"}
	for _, name := range want {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Fatalf("expected %q subcommand to be registered", name)
		}
	}
}
