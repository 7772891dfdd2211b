package peerpool

import (
	"context"
	"io"
	"net"
	"sort"
	"sync"

	"go.uber.org/zap"

	"mini-s2s/codec"
	"mini-s2s/loadbalance"
	"mini-s2s/message"
	"mini-s2s/transport"
)

// Config tunes a Pool. Zero values take the defaults.
type Config struct {
	// Dial opens a connection to a peer address. Defaults to a TCP dial.
	Dial func(ctx context.Context, addr string) (io.Closer, error)
	// Balancer picks the peer for Get. Defaults to round robin.
	Balancer loadbalance.Balancer
	// MaxIdle is the idle connections kept per peer. Defaults to 4.
	MaxIdle int
	// MaxActive bounds open connections per peer. 0 means unlimited.
	MaxActive int
	Logger    *zap.Logger
}

// Pool keeps the live peers of one service and pooled connections to them.
type Pool struct {
	Name string

	balancer loadbalance.Balancer
	ring     *loadbalance.ConsistentHashBalancer
	conns    *transport.ConnPool
	logger   *zap.Logger

	mu    sync.Mutex
	peers map[int64]*codec.Endpoint
}

// Conn is a pooled connection to one peer. Return it with Put.
type Conn struct {
	*transport.PoolConn
	ServerID int64
}

func DefaultDial(ctx context.Context, addr string) (io.Closer, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

func NewPool(name string, cfg Config) *Pool {
	if cfg.Dial == nil {
		cfg.Dial = DefaultDial
	}
	if cfg.Balancer == nil {
		cfg.Balancer = &loadbalance.RoundRobinBalancer{}
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Pool{
		Name:     name,
		balancer: cfg.Balancer,
		ring:     loadbalance.NewConsistentHashBalancer(),
		conns:    transport.NewConnPool(cfg.MaxIdle, cfg.MaxActive, cfg.Dial),
		logger:   cfg.Logger.With(zap.String("peer", name)),
		peers:    make(map[int64]*codec.Endpoint),
	}
}

// Update applies one notified endpoint: OK adds or replaces the peer, DIED removes it
// and closes its idle connections. Endpoints of other services are ignored.
func (p *Pool) Update(ep *codec.Endpoint) {
	if ep.Name != p.Name {
		return
	}
	p.mu.Lock()
	old, known := p.peers[ep.ServerID]
	if ep.Status == message.MetaOK {
		p.peers[ep.ServerID] = ep
		p.mu.Unlock()
		p.ring.Add(ep)
		if known && old.Addr() != ep.Addr() {
			p.drop(old)
		}
		if !known {
			p.logger.Info("peer added", zap.Int64("server_id", ep.ServerID), zap.String("addr", ep.Addr()))
		}
		return
	}
	delete(p.peers, ep.ServerID)
	p.mu.Unlock()
	if !known {
		return
	}
	p.ring.Remove(ep.ServerID)
	p.drop(old)
	p.logger.Info("peer removed", zap.Int64("server_id", ep.ServerID))
}

func (p *Pool) drop(ep *codec.Endpoint) {
	if err := p.conns.Drop(ep.Addr()); err != nil {
		p.logger.Warn("closing idle connections", zap.String("addr", ep.Addr()), zap.Error(err))
	}
}

// Run applies endpoints from ch until it closes or ctx ends.
func (p *Pool) Run(ctx context.Context, ch <-chan *codec.Endpoint) error {
	for {
		select {
		case ep, ok := <-ch:
			if !ok {
				return nil
			}
			p.Update(ep)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Peers returns the live peers ordered by server id.
func (p *Pool) Peers() []*codec.Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*codec.Endpoint, 0, len(p.peers))
	for _, ep := range p.peers {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// Get returns a connection to a peer chosen by the balancer. It fails with
// loadbalance.ErrNoPeers while no peer is known.
func (p *Pool) Get(ctx context.Context) (*Conn, error) {
	ep, err := p.balancer.Pick(p.Peers())
	if err != nil {
		return nil, err
	}
	return p.get(ctx, ep)
}

// GetKeyed returns a connection to the peer owning key on the consistent hash ring.
func (p *Pool) GetKeyed(ctx context.Context, key string) (*Conn, error) {
	ep, err := p.ring.Pick(key)
	if err != nil {
		return nil, err
	}
	return p.get(ctx, ep)
}

func (p *Pool) get(ctx context.Context, ep *codec.Endpoint) (*Conn, error) {
	pc, err := p.conns.Get(ctx, ep.Addr())
	if err != nil {
		return nil, err
	}
	return &Conn{PoolConn: pc, ServerID: ep.ServerID}, nil
}

// Put returns c to the pool. forceClose closes it instead, e.g. after an I/O error.
func (p *Pool) Put(c *Conn, forceClose bool) error {
	if forceClose {
		c.MarkUnusable()
	}
	return p.conns.Put(c.PoolConn)
}

// Close closes the idle connections. Later Gets fail with transport.ErrPoolClosed.
func (p *Pool) Close() error { return p.conns.Close() }
