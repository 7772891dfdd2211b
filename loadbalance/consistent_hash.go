package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"mini-s2s/codec"
)

// ConsistentHashBalancer maps keys to peers on a hash ring, so the same key reaches
// the same peer until the ring changes.
//
// Each peer is placed on the ring as replicas virtual nodes hashed from
// "{serverID}#{i}", which keeps the load even with few peers.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.RWMutex
	ring  []uint32                   // sorted virtual node hashes
	nodes map[uint32]*codec.Endpoint // virtual node hash → peer
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per peer.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*codec.Endpoint),
	}
}

func (b *ConsistentHashBalancer) vnode(serverID int64, i int) uint32 {
	return crc32.ChecksumIEEE([]byte(fmt.Sprintf("%d#%d", serverID, i)))
}

// Add places peer on the ring, replacing an earlier version of the same server.
func (b *ConsistentHashBalancer) Add(peer *codec.Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(peer.ServerID)
	for i := 0; i < b.replicas; i++ {
		hash := b.vnode(peer.ServerID, i)
		b.ring = append(b.ring, hash)
		b.nodes[hash] = peer
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// Remove takes the peer with serverID off the ring.
func (b *ConsistentHashBalancer) Remove(serverID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(serverID)
}

func (b *ConsistentHashBalancer) removeLocked(serverID int64) {
	if len(b.ring) == 0 {
		return
	}
	kept := b.ring[:0]
	for _, h := range b.ring {
		if p := b.nodes[h]; p != nil && p.ServerID == serverID {
			delete(b.nodes, h)
			continue
		}
		kept = append(kept, h)
	}
	b.ring = kept
}

// Pick finds the peer owning key: the first virtual node clockwise from the key's
// hash, wrapping around past the largest.
func (b *ConsistentHashBalancer) Pick(key string) (*codec.Endpoint, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ring) == 0 {
		return nil, ErrNoPeers
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i] >= hash })
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string { return "ConsistentHash" }
