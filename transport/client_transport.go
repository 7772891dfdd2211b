package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"mini-s2s/errdefs"
	"mini-s2s/message"
	"mini-s2s/middleware"
	"mini-s2s/protocol"
	"mini-s2s/wire"
)

// ErrLivenessExpired closes a connection that stayed silent for a whole liveness window.
var ErrLivenessExpired = fmt.Errorf("%w: liveness window expired", errdefs.ErrTransport)

// notifyBuffer is how many pushes may wait for the session loop before recvLoop blocks.
const notifyBuffer = 256

// ClientTransport multiplexes registry calls over a single TCP connection.
//
//	goroutine-1 ──call(seq=1)──┐
//	goroutine-2 ──call(seq=2)──┼──→ single TCP conn ──→ registry
//	heartbeat   ──call(seq=3)──┘
//
//	recvLoop: ←── reply(seq=2) → pending[2] → goroutine-2 wakes up
//	          ←── notify(seq=0) → Notifications()
type ClientTransport struct {
	conn    net.Conn
	seq     uint32   // protected by sending
	pending sync.Map // map[uint32]chan message.Packet
	sending sync.Mutex
	invoke  middleware.Invoker

	notify   chan *message.Notify
	lastSeen atomic.Int64 // unix nanos of the last inbound frame, on clk

	clk    clock.Clock
	logger *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
	err       error // set before done is closed
}

// Options tunes a ClientTransport.
type Options struct {
	Clock       clock.Clock
	Logger      *zap.Logger
	Middlewares []middleware.Middleware
	// HeartbeatInterval is the probe period when the client probes, and how often the
	// liveness window is checked.
	HeartbeatInterval time.Duration
	// LivenessWindow is how long the connection may stay silent before it is closed.
	// Zero means 3 heartbeat intervals.
	LivenessWindow time.Duration
}

func (o *Options) fill() {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.LivenessWindow <= 0 {
		o.LivenessWindow = 3 * o.HeartbeatInterval
	}
}

// NewClientTransport takes ownership of conn and starts reading from it. Probing starts
// with StartLiveness once the login settled the mode.
func NewClientTransport(conn net.Conn, opts Options) *ClientTransport {
	opts.fill()
	t := &ClientTransport{
		conn:   conn,
		notify: make(chan *message.Notify, notifyBuffer),
		clk:    opts.Clock,
		logger: opts.Logger.With(zap.String("remote", conn.RemoteAddr().String())),
		done:   make(chan struct{}),
	}
	t.lastSeen.Store(t.clk.Now().UnixNano())
	t.invoke = middleware.Chain(opts.Middlewares...)(t.roundTrip)
	go t.recvLoop()
	return t
}

// StartLiveness starts the goroutines required by mode. Whenever either side probes, a
// watchdog closes the connection once no frame arrived for window. The client also
// sends heartbeats when mode says it probes.
func (t *ClientTransport) StartLiveness(mode LostCheck, interval, window time.Duration) {
	if !mode.ClientProbes() && !mode.ServerProbes() {
		return
	}
	if window <= 0 {
		window = 3 * interval
	}
	t.lastSeen.Store(t.clk.Now().UnixNano())
	go t.watchdog(interval, window)
	if mode.ClientProbes() {
		go t.probeLoop(interval)
	}
}

// Call sends req through the middleware chain and returns the reply.
func (t *ClientTransport) Call(ctx context.Context, req message.Packet) (message.Packet, error) {
	return t.invoke(ctx, req)
}

func (t *ClientTransport) Subscribe(ctx context.Context, req *message.Subscribe) error {
	resp, err := t.Call(ctx, req)
	if err != nil {
		return err
	}
	return expect[*message.Ack](resp)
}

func (t *ClientTransport) Register(ctx context.Context, data []byte) (message.Meta, error) {
	resp, err := t.Call(ctx, &message.Register{Data: data})
	if err != nil {
		return message.Meta{}, err
	}
	if err := expect[*message.RegisterAck](resp); err != nil {
		return message.Meta{}, err
	}
	return resp.(*message.RegisterAck).Meta, nil
}

func (t *ClientTransport) Unregister(ctx context.Context) error {
	resp, err := t.Call(ctx, &message.Unregister{})
	if err != nil {
		return err
	}
	return expect[*message.Ack](resp)
}

// login runs the handshake. The middleware chain applies to it as well.
func (t *ClientTransport) login(ctx context.Context, req *message.Login) (*message.LoginAck, error) {
	resp, err := t.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := expect[*message.LoginAck](resp); err != nil {
		return nil, err
	}
	return resp.(*message.LoginAck), nil
}

func expect[T message.Packet](resp message.Packet) error {
	if _, ok := resp.(T); ok {
		return nil
	}
	return &errdefs.DecodeError{Op: "reply", Reason: fmt.Sprintf("unexpected %s", resp.MsgType())}
}

func (t *ClientTransport) Notifications() <-chan *message.Notify { return t.notify }

func (t *ClientTransport) Done() <-chan struct{} { return t.done }

// Err returns the reason the connection closed, or nil while it is open.
func (t *ClientTransport) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Close shuts the connection. Pending calls fail with errdefs.ErrTransport.
func (t *ClientTransport) Close() error {
	return t.fail(errors.Join(errdefs.ErrTransport, net.ErrClosed))
}

// roundTrip is the innermost Invoker: one frame out, one frame back.
//
// The reply channel is registered before the frame is written so recvLoop can never
// see a reply for an unknown seq.
func (t *ClientTransport) roundTrip(ctx context.Context, req message.Packet) (message.Packet, error) {
	body := wire.Encode(req)

	t.sending.Lock()
	t.seq++
	if t.seq == 0 { // 0 is reserved for pushes
		t.seq++
	}
	seq := t.seq
	respChan := make(chan message.Packet, 1)
	t.pending.Store(seq, respChan)
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(deadline)
	}
	err := protocol.Encode(t.conn, &protocol.Header{MsgType: req.MsgType(), Seq: seq}, body)
	t.conn.SetWriteDeadline(time.Time{})
	t.sending.Unlock()
	if err != nil {
		t.pending.Delete(seq)
		err = errdefs.Transport("write "+req.MsgType().String(), err)
		t.fail(err)
		return nil, err
	}

	select {
	case resp := <-respChan:
		return unwrapReply(resp)
	case <-t.done:
		t.pending.Delete(seq)
		// a reply may have arrived just before the peer hung up
		select {
		case resp := <-respChan:
			return unwrapReply(resp)
		default:
		}
		return nil, t.err
	case <-ctx.Done():
		t.pending.Delete(seq)
		return nil, errdefs.Timeout(ctx.Err())
	}
}

func unwrapReply(resp message.Packet) (message.Packet, error) {
	if er, ok := resp.(*message.ErrorReply); ok {
		return nil, er.Err()
	}
	return resp, nil
}

// recvLoop is the only reader of the connection. Frames must be read sequentially to
// keep frame boundaries, so one goroutine does it and routes each frame.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.fail(errdefs.Transport("read", err))
			return
		}
		t.lastSeen.Store(t.clk.Now().UnixNano())

		pkt := message.New(header.MsgType)
		if err := wire.Decode(body, pkt); err != nil {
			t.fail(errdefs.Transport("decode "+header.MsgType.String(), err))
			return
		}

		switch p := pkt.(type) {
		case *message.Notify:
			select {
			case t.notify <- p:
			case <-t.done:
				return
			}
		case *message.Heartbeat:
			// registry probe, answered with an Ack carrying the same seq
			t.sending.Lock()
			err := protocol.Encode(t.conn, &protocol.Header{MsgType: protocol.MsgAck, Seq: header.Seq}, nil)
			t.sending.Unlock()
			if err != nil {
				t.fail(errdefs.Transport("heartbeat reply", err))
				return
			}
		default:
			if ch, ok := t.pending.LoadAndDelete(header.Seq); ok {
				ch.(chan message.Packet) <- pkt
			} else {
				t.logger.Debug("dropping reply for unknown seq",
					zap.Uint32("seq", header.Seq), zap.Stringer("type", header.MsgType))
			}
		}
	}
}

// watchdog closes the connection once no frame arrived for window.
func (t *ClientTransport) watchdog(interval, window time.Duration) {
	ticker := t.clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case now := <-ticker.C:
			if silent := now.Sub(time.Unix(0, t.lastSeen.Load())); silent >= window {
				t.logger.Warn("registry silent, closing connection", zap.Duration("silent", silent))
				t.fail(ErrLivenessExpired)
				return
			}
		}
	}
}

// probeLoop sends a heartbeat every interval. The replies refresh lastSeen.
func (t *ClientTransport) probeLoop(interval time.Duration) {
	ticker := t.clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				defer cancel()
				// bypass the middleware chain so probes are not rate limited or logged
				t.roundTrip(ctx, &message.Heartbeat{})
			}()
		}
	}
}

// fail closes the connection once, recording err as the reason.
func (t *ClientTransport) fail(err error) error {
	first := false
	t.closeOnce.Do(func() {
		first = true
		t.err = err
		close(t.done)
	})
	if !first {
		return nil
	}
	closeErr := t.conn.Close()
	t.pending.Range(func(key, value any) bool {
		t.pending.Delete(key)
		return true
	})
	if !errors.Is(err, net.ErrClosed) {
		t.logger.Debug("connection closed", zap.Error(err))
	}
	return closeErr
}
