package registry

import (
	"context"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mini-s2s/errdefs"
	"mini-s2s/message"
	"mini-s2s/transport"
	"mini-s2s/wire"
)

// EtcdDialer opens registry sessions backed by an etcd cluster.
type EtcdDialer struct {
	Endpoints []string
	// Prefix is the key space of the registry. Defaults to DefaultPrefix.
	Prefix string
	// TTL is the lease TTL in seconds. Defaults to 10.
	TTL         int64
	DialTimeout time.Duration
	// Authenticate logs in to etcd with the login name and key as user and password.
	Authenticate bool
	Logger       *zap.Logger
}

var _ transport.Dialer = (*EtcdDialer)(nil)

// Dial connects to etcd and grants the session lease.
//
// Flow:
//  1. Create the client (authenticating when configured)
//  2. Grant a lease with the configured TTL; its id becomes the ServerID
//  3. Start KeepAlive; losing it closes the connection
func (d *EtcdDialer) Dial(ctx context.Context, login *message.Login) (transport.Conn, *message.LoginAck, error) {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	cfg := clientv3.Config{
		Endpoints:   d.Endpoints,
		DialTimeout: timeout,
		Logger:      logger.Named("etcd"),
		Context:     context.Background(),
	}
	if d.Authenticate {
		cfg.Username = login.Name
		cfg.Password = login.Key
	}
	cli, err := clientv3.New(cfg)
	if err != nil {
		return nil, nil, mapError("connect etcd", err)
	}

	ttl := d.TTL
	if ttl <= 0 {
		ttl = 10
	}
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		cli.Close()
		return nil, nil, mapError("grant lease", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	ka, err := cli.KeepAlive(connCtx, lease.ID)
	if err != nil {
		cancel()
		cli.Close()
		return nil, nil, mapError("keepalive", err)
	}

	c := &etcdConn{
		cli:    cli,
		prefix: cleanPrefix(d.Prefix),
		login:  login,
		lease:  lease.ID,
		logger: logger.With(zap.String("name", login.Name), zap.Int64("lease", int64(lease.ID))),
		ctx:    connCtx,
		cancel: cancel,
		notify: make(chan *message.Notify, 64),
		done:   make(chan struct{}),
	}
	go c.keepAlive(ka)

	ack := &message.LoginAck{ServerVersion: ProtocolVersion, GroupID: login.GroupID}
	return c, ack, nil
}

type etcdConn struct {
	cli    *clientv3.Client
	prefix string
	login  *message.Login
	lease  clientv3.LeaseID
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	notify chan *message.Notify

	mu          sync.Mutex
	watchCancel context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

func (c *etcdConn) keepAlive(ka <-chan *clientv3.LeaseKeepAliveResponse) {
	// the channel closes when the lease can no longer be renewed or the conn closes
	for range ka {
	}
	c.fail(ErrLeaseLost)
}

// Subscribe reads the current entries, sends one snapshot batch per filter and then
// follows changes from the snapshot revision on.
func (c *etcdConn) Subscribe(ctx context.Context, req *message.Subscribe) error {
	if err := c.Err(); err != nil {
		return err
	}
	resp, err := c.cli.Get(ctx, c.prefix+"/", clientv3.WithPrefix())
	if err != nil {
		return mapError("subscribe", err)
	}
	var all []message.Meta
	for _, kv := range resp.Kvs {
		if m, ok := c.decode(kv.Value, kv.ModRevision); ok {
			all = append(all, m)
		}
	}

	var batches []*message.Notify
	for i := range req.Filters {
		n := &message.Notify{Generation: req.Generation, Completed: []uint32{uint32(i)}}
		for j := range all {
			if req.Filters[i].Match(&all[j]) {
				n.Metas = append(n.Metas, all[j].Clone())
			}
		}
		batches = append(batches, n)
	}

	watchCtx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	if c.watchCancel != nil {
		c.watchCancel()
	}
	c.watchCancel = cancel
	c.mu.Unlock()

	watch := c.cli.Watch(clientv3.WithRequireLeader(watchCtx), c.prefix+"/",
		clientv3.WithPrefix(), clientv3.WithPrevKV(), clientv3.WithRev(resp.Header.Revision+1))
	go c.follow(watchCtx, req, batches, watch)
	return nil
}

func (c *etcdConn) follow(ctx context.Context, req *message.Subscribe, batches []*message.Notify, watch clientv3.WatchChan) {
	for _, n := range batches {
		if !c.push(ctx, n) {
			return
		}
	}
	for wr := range watch {
		if err := wr.Err(); err != nil {
			c.fail(mapError("watch", err))
			return
		}
		var metas message.Metas
		for _, ev := range wr.Events {
			switch ev.Type {
			case clientv3.EventTypePut:
				if m, ok := c.decode(ev.Kv.Value, ev.Kv.ModRevision); ok {
					metas = append(metas, m)
				}
			case clientv3.EventTypeDelete:
				if ev.PrevKv == nil {
					continue
				}
				if m, ok := c.decode(ev.PrevKv.Value, ev.Kv.ModRevision); ok {
					m.Status = message.MetaDied
					metas = append(metas, m)
				}
			}
		}
		var matched message.Metas
		for i := range metas {
			if req.Filters.Match(&metas[i]) {
				matched = append(matched, metas[i])
			}
		}
		if len(matched) == 0 {
			continue
		}
		if !c.push(ctx, &message.Notify{Generation: req.Generation, Metas: matched}) {
			return
		}
	}
	if ctx.Err() == nil {
		c.fail(errdefs.Transport("watch", context.Canceled))
	}
}

func (c *etcdConn) push(ctx context.Context, n *message.Notify) bool {
	select {
	case c.notify <- n:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *etcdConn) decode(value []byte, rev int64) (message.Meta, bool) {
	var m message.Meta
	if err := wire.Decode(value, &m); err != nil {
		c.logger.Warn("skipping malformed entry", zap.Error(err))
		return m, false
	}
	m.Timestamp = rev
	return m, true
}

// Register puts the own entry under the session lease.
func (c *etcdConn) Register(ctx context.Context, data []byte) (message.Meta, error) {
	if err := c.Err(); err != nil {
		return message.Meta{}, err
	}
	m := message.NewMeta(c.login.Name, c.login.Type, c.login.GroupID, append([]byte(nil), data...))
	m.ServerID = int64(c.lease)
	resp, err := c.cli.Put(ctx, entryKey(c.prefix, m.Name, m.ServerID), string(wire.Encode(&m)), clientv3.WithLease(c.lease))
	if err != nil {
		return message.Meta{}, mapError("register", err)
	}
	m.Timestamp = resp.Header.Revision
	return m, nil
}

func (c *etcdConn) Unregister(ctx context.Context) error {
	if err := c.Err(); err != nil {
		return err
	}
	resp, err := c.cli.Delete(ctx, entryKey(c.prefix, c.login.Name, int64(c.lease)))
	if err != nil {
		return mapError("unregister", err)
	}
	if resp.Deleted == 0 {
		return errdefs.ErrNotFound
	}
	return nil
}

func (c *etcdConn) Notifications() <-chan *message.Notify { return c.notify }

func (c *etcdConn) Done() <-chan struct{} { return c.done }

func (c *etcdConn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close revokes the lease, which removes the own entry, and closes the client.
func (c *etcdConn) Close() error {
	return c.fail(errdefs.ErrTransport)
}

func (c *etcdConn) fail(reason error) error {
	var err error
	c.closeOnce.Do(func() {
		c.err = reason
		close(c.done)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, rerr := c.cli.Revoke(ctx, c.lease); rerr != nil && reason != ErrLeaseLost {
			err = multierr.Append(err, mapError("revoke", rerr))
		}
		c.cancel()
		err = multierr.Append(err, c.cli.Close())
		if reason != errdefs.ErrTransport {
			c.logger.Debug("etcd session closed", zap.Error(reason))
		}
	})
	return err
}
