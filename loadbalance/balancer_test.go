package loadbalance

import (
	"errors"
	"fmt"
	"net"
	"testing"

	"mini-s2s/codec"
	"mini-s2s/errdefs"
)

func peer(id int64, port uint32, weight string) *codec.Endpoint {
	ep := &codec.Endpoint{
		ServerID: id,
		Name:     "svcB",
		IPs:      map[codec.ISPType]net.IP{codec.ISPCTL: net.IPv4(10, 0, 0, byte(id))},
		TCPPort:  port,
	}
	if weight != "" {
		ep.Properties = map[string]string{codec.PropWeight: weight}
	}
	return ep
}

var testPeers = []*codec.Endpoint{
	peer(1, 8001, "10"),
	peer(2, 8002, "5"),
	peer(3, 8003, "10"),
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	// Pick 3 times, should cycle through all peers
	results := make([]int64, 3)
	for i := 0; i < 3; i++ {
		p, err := b.Pick(testPeers)
		if err != nil {
			t.Fatal(err)
		}
		results[i] = p.ServerID
	}
	if results[0] == results[1] || results[1] == results[2] || results[0] == results[2] {
		t.Fatalf("expect every peer once, got %v", results)
	}

	// Pick again, should wrap around to first
	p, _ := b.Pick(testPeers)
	if p.ServerID != results[0] {
		t.Fatalf("expect wrap around to %d, got %d", results[0], p.ServerID)
	}
}

func TestRoundRobinEmpty(t *testing.T) {
	b := &RoundRobinBalancer{}
	_, err := b.Pick(nil)
	if !errors.Is(err, ErrNoPeers) || !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("expect ErrNoPeers, got %v", err)
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[int64]int{}
	n := 10000
	for i := 0; i < n; i++ {
		p, err := b.Pick(testPeers)
		if err != nil {
			t.Fatal(err)
		}
		counts[p.ServerID]++
	}

	// Weight ratio is 10:5:10, so 1 and 3 should be ~2x of 2
	ratio := float64(counts[1]) / float64(counts[2])
	if ratio < 1.5 || ratio > 2.5 {
		t.Fatalf("weight ratio 1/2 = %.2f, expect ~2.0", ratio)
	}
}

func TestWeightedRandomDefaultsWeight(t *testing.T) {
	b := &WeightedRandomBalancer{}
	peers := []*codec.Endpoint{peer(1, 8001, ""), peer(2, 8002, "bogus")}
	seen := map[int64]bool{}
	for i := 0; i < 200; i++ {
		p, err := b.Pick(peers)
		if err != nil {
			t.Fatal(err)
		}
		seen[p.ServerID] = true
	}
	if len(seen) != 2 {
		t.Fatalf("expect both peers picked, got %v", seen)
	}
	if _, err := b.Pick(nil); !errors.Is(err, ErrNoPeers) {
		t.Fatalf("expect ErrNoPeers, got %v", err)
	}
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()
	for _, p := range testPeers {
		b.Add(p)
	}

	// Same key should always map to the same peer
	p1, _ := b.Pick("user-123")
	p2, _ := b.Pick("user-123")
	if p1.ServerID != p2.ServerID {
		t.Fatalf("same key mapped to different peers: %d vs %d", p1.ServerID, p2.ServerID)
	}

	// Different keys should spread over the peers
	seen := map[int64]bool{}
	for i := 0; i < 100; i++ {
		p, _ := b.Pick(fmt.Sprintf("key-%d", i))
		seen[p.ServerID] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expect keys spread across peers, only got %d", len(seen))
	}
}

func TestConsistentHashRemove(t *testing.T) {
	b := NewConsistentHashBalancer()
	for _, p := range testPeers {
		b.Add(p)
	}
	owner, _ := b.Pick("user-123")
	b.Remove(owner.ServerID)

	for i := 0; i < 100; i++ {
		p, err := b.Pick(fmt.Sprintf("key-%d", i))
		if err != nil {
			t.Fatal(err)
		}
		if p.ServerID == owner.ServerID {
			t.Fatalf("removed peer %d still picked", owner.ServerID)
		}
	}

	// re-adding a server replaces its old virtual nodes
	b.Add(peer(owner.ServerID, 9000, ""))
	b.Add(peer(owner.ServerID, 9001, ""))
	if got := len(b.ring); got != 3*b.replicas {
		t.Fatalf("expect %d virtual nodes, got %d", 3*b.replicas, got)
	}

	for _, p := range testPeers {
		b.Remove(p.ServerID)
	}
	if _, err := b.Pick("user-123"); !errors.Is(err, ErrNoPeers) {
		t.Fatalf("expect ErrNoPeers, got %v", err)
	}
}

func TestNew(t *testing.T) {
	for _, name := range []string{"", "roundrobin", "weighted"} {
		if _, err := New(name); err != nil {
			t.Fatalf("New(%q): %v", name, err)
		}
	}
	if _, err := New("random"); err == nil {
		t.Fatal("expect error for unknown strategy")
	}
}
