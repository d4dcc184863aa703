package mesh

import (
	"testing"
	"time"
)

func TestDefaultsApplied(t *testing.T) {
	m := New(Config{SelfAddr: "node-1", ListenEndpoint: "tcp://*:5555"})
	if m.cfg.HelloInterval != 10*time.Second {
		t.Fatalf("HelloInterval = %v", m.cfg.HelloInterval)
	}
	if m.cfg.NeighborTTL != 30*time.Second {
		t.Fatalf("NeighborTTL = %v", m.cfg.NeighborTTL)
	}
}

func TestSendBeforeStartFails(t *testing.T) {
	m := New(Config{SelfAddr: "node-1"})
	if err := m.Multicast([]byte{1}); err == nil {
		t.Fatal("expected error before Start")
	}
	if err := m.Unicast("node-2", []byte{1}); err == nil {
		t.Fatal("expected error before Start")
	}
}

func TestNeighborPruning(t *testing.T) {
	m := New(Config{SelfAddr: "node-1", NeighborTTL: time.Second})
	m.neighborsMu.Lock()
	m.neighbors["stale"] = time.Now().Add(-time.Minute)
	m.neighbors["fresh"] = time.Now()
	m.neighborsMu.Unlock()

	// The keepalive publish fails (no socket), which Poll tolerates; the
	// prune still runs.
	m.mu.Lock()
	m.ready = true
	m.mu.Unlock()
	m.Poll()

	got := m.Neighbors()
	if len(got) != 1 || got[0] != "fresh" {
		t.Fatalf("Neighbors = %v", got)
	}
}

func TestStoppedMeshNotReady(t *testing.T) {
	m := New(Config{SelfAddr: "node-1"})
	if m.Ready() {
		t.Fatal("unstarted mesh must not be ready")
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop on unstarted mesh: %v", err)
	}
}
