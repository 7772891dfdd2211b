package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("transport: connection pool closed")

// ConnPool keeps idle connections to peer services, grouped by address.
//
// A buffered channel per address is the idle queue: FIFO, goroutine-safe, and blocking
// on empty is built in. Connections are created lazily up to MaxActive per address.
type ConnPool struct {
	// Dial opens a new connection to addr.
	Dial func(ctx context.Context, addr string) (io.Closer, error)
	// MaxIdle is the number of idle connections kept per address.
	MaxIdle int
	// MaxActive bounds open connections per address. 0 means unlimited.
	MaxActive int

	mu     sync.Mutex
	peers  map[string]*peerConns
	closed bool
}

type peerConns struct {
	idle   chan *PoolConn
	active int
	// freed is signalled when a slot is released while callers wait at MaxActive.
	freed chan struct{}
}

// PoolConn is a pooled connection. Return it with Put.
type PoolConn struct {
	io.Closer
	Addr     string
	peer     *peerConns
	unusable bool
}

// MarkUnusable makes Put close the connection instead of keeping it.
func (pc *PoolConn) MarkUnusable() { pc.unusable = true }

func NewConnPool(maxIdle, maxActive int, dial func(ctx context.Context, addr string) (io.Closer, error)) *ConnPool {
	return &ConnPool{Dial: dial, MaxIdle: maxIdle, MaxActive: maxActive, peers: make(map[string]*peerConns)}
}

func (p *ConnPool) peer(addr string) *peerConns {
	if p.peers == nil {
		p.peers = make(map[string]*peerConns)
	}
	pc, ok := p.peers[addr]
	if !ok {
		idle := p.MaxIdle
		if idle <= 0 {
			idle = 1
		}
		pc = &peerConns{idle: make(chan *PoolConn, idle), freed: make(chan struct{}, 1)}
		p.peers[addr] = pc
	}
	return pc
}

// Get returns an idle connection to addr or dials a new one.
// Strategy:
//  1. Take an idle connection if there is one
//  2. Dial when under MaxActive
//  3. Otherwise wait for a connection to be returned or released
func (p *ConnPool) Get(ctx context.Context, addr string) (*PoolConn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		peer := p.peer(addr)
		select {
		case conn := <-peer.idle:
			p.mu.Unlock()
			return conn, nil
		default:
		}
		if p.MaxActive <= 0 || peer.active < p.MaxActive {
			peer.active++
			p.mu.Unlock()
			return p.dial(ctx, addr, peer)
		}
		p.mu.Unlock()

		select {
		case conn := <-peer.idle:
			return conn, nil
		case <-peer.freed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *ConnPool) dial(ctx context.Context, addr string, peer *peerConns) (*PoolConn, error) {
	c, err := p.Dial(ctx, addr)
	if err != nil {
		p.release(peer)
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &PoolConn{Closer: c, Addr: addr, peer: peer}, nil
}

func (p *ConnPool) release(peer *peerConns) {
	p.mu.Lock()
	peer.active--
	p.mu.Unlock()
	select {
	case peer.freed <- struct{}{}:
	default:
	}
}

// Put returns conn to the pool. Unusable connections, connections beyond MaxIdle and
// connections to dropped addresses are closed.
func (p *ConnPool) Put(conn *PoolConn) error {
	p.mu.Lock()
	current := p.peers[conn.Addr] == conn.peer
	if current && !p.closed && !conn.unusable {
		select {
		case conn.peer.idle <- conn:
			p.mu.Unlock()
			return nil
		default:
		}
	}
	p.mu.Unlock()
	p.release(conn.peer)
	return conn.Close()
}

// Drop closes the idle connections to addr and forgets it. Connections still checked
// out are closed when they come back.
func (p *ConnPool) Drop(addr string) error {
	p.mu.Lock()
	peer, ok := p.peers[addr]
	delete(p.peers, addr)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return drain(peer.idle)
}

// Idle returns the number of idle connections to addr.
func (p *ConnPool) Idle(addr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if peer, ok := p.peers[addr]; ok {
		return len(peer.idle)
	}
	return 0
}

// Close closes every idle connection. Later Gets fail with ErrPoolClosed.
func (p *ConnPool) Close() error {
	p.mu.Lock()
	p.closed = true
	peers := p.peers
	p.peers = make(map[string]*peerConns)
	p.mu.Unlock()

	var errs []error
	for _, peer := range peers {
		errs = append(errs, drain(peer.idle))
	}
	return errors.Join(errs...)
}

func drain(idle chan *PoolConn) error {
	var errs []error
	for {
		select {
		case conn := <-idle:
			errs = append(errs, conn.Close())
		default:
			return errors.Join(errs...)
		}
	}
}
