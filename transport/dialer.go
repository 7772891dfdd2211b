package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mini-s2s/errdefs"
	"mini-s2s/message"
	"mini-s2s/resolver"
)

// TCPDialer connects to registry nodes over TCP. Each Dial starts with the node after
// the one the previous Dial started with, so clients spread over the cluster.
type TCPDialer struct {
	Resolver    resolver.Resolver
	DialTimeout time.Duration
	Options     Options
	// NetDial defaults to a net.Dialer bounded by DialTimeout.
	NetDial func(ctx context.Context, network, addr string) (net.Conn, error)

	next atomic.Uint32
}

// Dial resolves the nodes, connects to the first one that accepts TCP and logs in.
// Credential and version rejections stop the walk since every node would give the same
// answer.
func (d *TCPDialer) Dial(ctx context.Context, login *message.Login) (Conn, *message.LoginAck, error) {
	opts := d.Options
	opts.fill()

	addrs, err := d.Resolver.Resolve(ctx)
	if err != nil {
		return nil, nil, err
	}
	if len(addrs) == 0 {
		return nil, nil, fmt.Errorf("%w: resolver returned no nodes", errdefs.ErrDNS)
	}

	start := int(d.next.Add(1)-1) % len(addrs)
	var errs []error
	for i := range addrs {
		addr := addrs[(start+i)%len(addrs)]
		conn, ack, err := d.dialOne(ctx, addr, login, opts)
		if err == nil {
			return conn, ack, nil
		}
		opts.Logger.Debug("registry node unavailable", zap.String("addr", addr), zap.Error(err))
		if errdefs.Classify(err) == errdefs.Fatal || ctx.Err() != nil {
			return nil, nil, err
		}
		errs = append(errs, err)
	}
	return nil, nil, errdefs.Transport("dial", errors.Join(errs...))
}

func (d *TCPDialer) dialOne(ctx context.Context, addr string, login *message.Login, opts Options) (Conn, *message.LoginAck, error) {
	dial := d.NetDial
	if dial == nil {
		timeout := d.DialTimeout
		if timeout <= 0 {
			timeout = 3 * time.Second
		}
		nd := &net.Dialer{Timeout: timeout}
		dial = nd.DialContext
	}
	nc, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, errdefs.Transport("connect "+addr, err)
	}

	t := NewClientTransport(nc, opts)
	ack, err := t.login(ctx, login)
	if err != nil {
		t.Close()
		return nil, nil, err
	}

	interval := opts.HeartbeatInterval
	if ack.HeartbeatMillis > 0 {
		interval = time.Duration(ack.HeartbeatMillis) * time.Millisecond
	}
	window := opts.LivenessWindow
	if ack.HeartbeatMillis > 0 && window < 3*interval {
		window = 3 * interval
	}
	t.StartLiveness(LostCheck(login.LostCheck), interval, window)
	return t, ack, nil
}
