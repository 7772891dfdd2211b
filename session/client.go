// Package session is the registry client: it owns the connection to the registry,
// restores subscriptions and the own entry after every reconnect, and queues updates for
// the application.
//
// Lifecycle:
//
//	New → (SetTarget / SetLostCheckType / SetGroupID) → Initialize → ... → Close
//
// Initialize connects and logs in synchronously (status ON). A background goroutine
// then restores state, commits BIND and keeps the session alive:
//
//	BIND ──conn lost──→ OFF ──Threshold failures──→ ERROR / DNS_ERROR / AUTH_FAILURE
//	  ↑                  │                              │ every RecoverInterval
//	  └── restore ←──────┴──────────── reconnect ←──────┘
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mini-s2s/errdefs"
	"mini-s2s/message"
	"mini-s2s/middleware"
	"mini-s2s/notify"
	"mini-s2s/resolver"
	"mini-s2s/subscription"
	"mini-s2s/transport"
)

type Client struct {
	opts   Options
	clk    clock.Clock
	logger *zap.Logger
	ch     *notify.Channel

	mu          sync.Mutex
	initialized bool
	closed      bool
	direct      bool
	lostCheck   LostCheckType
	groupID     int32
	name        string
	key         string
	typ         message.MetaType
	dialer      transport.Dialer
	conn        transport.Conn
	bound       bool // reached BIND at least once
	subscribed  bool
	mine        *message.Meta
	minePayload []byte
	mineWanted  bool

	// callMu orders registry writes: the restore after a reconnect runs entirely
	// before or after a concurrent Subscribe, SetMine or DelMine.
	callMu sync.Mutex

	kick     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
}

func New(opts ...Option) *Client {
	markCreated()
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	if o.DaemonAddr == "" {
		o.DaemonAddr = DefaultDaemonAddr
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.InstanceID == "" {
		o.InstanceID = uuid.NewString()
	}
	o.Policy.fill()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:     o,
		clk:      o.Clock,
		logger:   o.Logger,
		ch:       notify.New(subscription.New()),
		direct:   true,
		kick:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
	}
	o.Metrics.SetStatus(message.SessionOff)
	return c
}

// SetTarget chooses between the registry nodes (true, the default) and the local
// daemon. Only legal before Initialize.
func (c *Client) SetTarget(direct bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized || c.closed {
		return errdefs.ErrInvalidState
	}
	c.direct = direct
	return nil
}

// SetLostCheckType selects the liveness mode sent at login. Only legal before
// Initialize.
func (c *Client) SetLostCheckType(t LostCheckType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized || c.closed {
		return errdefs.ErrInvalidState
	}
	if !t.Valid() {
		return fmt.Errorf("%w: unknown lost check type %d", errdefs.ErrInvalidState, uint32(t))
	}
	c.lostCheck = t
	return nil
}

// SetGroupID overrides the datacenter id stamped on the own entry. Only legal before
// Initialize.
func (c *Client) SetGroupID(id int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized || c.closed {
		return errdefs.ErrInvalidState
	}
	c.groupID = id
	return nil
}

// Initialize connects to the registry and logs in as name. On success the status is
// ON and the background loop takes over.
//
// A rejected login (errdefs.ErrInvalidCredential, errdefs.ErrIncompatibleVersion)
// leaves the client uninitialized. When the registry is merely unreachable the error
// is returned but the client stays initialized and keeps retrying in the background,
// so Subscribe and SetMine may be called and take effect once the session binds.
func (c *Client) Initialize(ctx context.Context, name, key string, typ message.MetaType) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errdefs.ErrInvalidState
	}
	if c.initialized {
		c.mu.Unlock()
		return errdefs.ErrAlreadyInitialized
	}
	c.initialized = true
	c.name, c.key, c.typ = name, key, typ
	c.logger = c.opts.Logger.With(zap.String("name", name), zap.String("instance", c.opts.InstanceID))
	c.dialer = c.newDialer()
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.setStatus(statusFor(err))
		if errdefs.Classify(err) == errdefs.Fatal {
			c.mu.Lock()
			c.initialized = false
			c.mu.Unlock()
			return err
		}
		c.logger.Warn("registry unreachable, retrying in background", zap.Error(err))
		go c.run(nil, c.opts.Policy.Threshold)
		return err
	}
	c.logger.Info("session on")
	go c.run(conn, 0)
	return nil
}

func (c *Client) newDialer() transport.Dialer {
	if c.opts.Dialer != nil {
		return c.opts.Dialer
	}
	mws := c.opts.Middlewares
	if c.opts.Metrics != nil {
		mws = append([]middleware.Middleware{c.opts.Metrics.Middleware()}, mws...)
	}
	res := c.opts.Resolver
	if !c.direct {
		res = resolver.Static{c.opts.DaemonAddr}
	}
	if res == nil {
		res = resolver.Static{}
	}
	return &transport.TCPDialer{
		Resolver:    res,
		DialTimeout: c.opts.CallTimeout,
		Options: transport.Options{
			Clock:             c.clk,
			Logger:            c.logger,
			Middlewares:       mws,
			HeartbeatInterval: c.opts.Policy.HeartbeatInterval,
			LivenessWindow:    c.opts.Policy.LivenessWindow,
		},
	}
}

func (c *Client) login() *message.Login {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &message.Login{
		Name:          c.name,
		Key:           c.key,
		Type:          c.typ,
		GroupID:       c.groupID,
		LostCheck:     uint32(c.lostCheck),
		Direct:        c.direct,
		ClientVersion: ClientVersion,
		MinVersion:    MinRegistryVersion,
		InstanceID:    c.opts.InstanceID,
	}
}

// dial connects, logs in and checks versions. On success the status is ON and the
// connection is current.
func (c *Client) dial(ctx context.Context) (transport.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	c.mu.Lock()
	d := c.dialer
	c.mu.Unlock()

	conn, ack, err := d.Dial(ctx, c.login())
	if err != nil {
		return nil, err
	}
	if err := checkCompatible(ack.ServerVersion, ack.MinClientVersion); err != nil {
		conn.Close()
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return nil, errdefs.ErrInvalidState
	}
	c.conn = conn
	if c.groupID == 0 {
		c.groupID = ack.GroupID
	}
	c.mu.Unlock()
	c.setStatus(message.SessionOn)
	return conn, nil
}

// Subscribe replaces the filter set. Entries that no longer match are reported as
// DIED. The new set is sent right away when the session is bound and otherwise on the
// next bind. If the registry rejects it the connection is restarted so the next bind
// sends it again, and the error is returned.
func (c *Client) Subscribe(ctx context.Context, filters []message.SubFilter) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	c.callMu.Lock()
	defer c.callMu.Unlock()

	var req *message.Subscribe
	var bound bool
	c.ch.Commit(func(tx *notify.Tx) {
		gen, removed := tx.Tracker.Reset(filters)
		tx.Publish(removed)
		c.opts.Metrics.Delivered(removed)
		req = &message.Subscribe{Generation: gen, Filters: tx.Tracker.Filters()}
		bound = tx.Status() == message.SessionBind
	})
	c.mu.Lock()
	c.subscribed = true
	conn := c.conn
	c.mu.Unlock()

	if !bound || conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	if err := conn.Subscribe(ctx, req); err != nil {
		// the registry still holds the previous set, so the reconnect re-sends this one
		c.logger.Warn("subscribe not delivered, reconnecting", zap.Error(err))
		conn.Close()
		if errdefs.IsRetryable(err) {
			return nil
		}
		return err
	}
	return nil
}

// SubscribeSync subscribes and waits until every filter delivered its snapshot. It
// returns the matching entries known at that point, or errdefs.ErrTimeout when ctx
// ends first.
func (c *Client) SubscribeSync(ctx context.Context, filters []message.SubFilter) ([]message.Meta, error) {
	if err := c.Subscribe(ctx, filters); err != nil {
		return nil, err
	}
	for {
		changed := c.ch.Changed()
		var done bool
		var peers []message.Meta
		c.ch.View(func(t *subscription.Tracker, _ message.SessionStatus) {
			if done = t.AllPulled(); done {
				peers = t.Peers()
			}
		})
		if done {
			return peers, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for subscription snapshot: %w", errdefs.ErrTimeout, ctx.Err())
		}
	}
}

// PollNotify returns the next queued batch with the status it was committed under. When
// nothing is queued it returns the current status and nil.
func (c *Client) PollNotify() (message.SessionStatus, []message.Meta) {
	r, _ := c.ch.Poll()
	return r.Status, r.Metas
}

// Next is PollNotify that also reports whether a batch was queued, which tells a loss
// or recovery notification apart from an empty queue.
func (c *Client) Next() (message.NotifyResult, bool) { return c.ch.Poll() }

// Ready receives when PollNotify has something to return. Signals coalesce.
func (c *Client) Ready() <-chan struct{} { return c.ch.Ready() }

func (c *Client) Status() message.SessionStatus { return c.ch.Status() }

// Changed returns a channel closed by the next status change or queued batch.
func (c *Client) Changed() <-chan struct{} { return c.ch.Changed() }

// IsPullAllSub reports whether every filter of the current set delivered its snapshot.
// Once true it stays true, across reconnects, until the next Subscribe.
func (c *Client) IsPullAllSub() bool {
	var v bool
	c.ch.View(func(t *subscription.Tracker, _ message.SessionStatus) { v = t.AllPulled() })
	return v
}

// IsSubscribePulled reports whether the registry reported a result for exactly name.
func (c *Client) IsSubscribePulled(name string) bool {
	var v bool
	c.ch.View(func(t *subscription.Tracker, _ message.SessionStatus) { v = t.Pulled(name) })
	return v
}

// Peers returns the entries currently matching the filter set.
func (c *Client) Peers() []message.Meta {
	var v []message.Meta
	c.ch.View(func(t *subscription.Tracker, _ message.SessionStatus) { v = t.Peers() })
	return v
}

// SetMine publishes payload as this client's entry, or updates it.
//
// It fails with errdefs.ErrNotBound until the session reached BIND once. When the
// registry cannot be reached it fails with errdefs.ErrTransport, but the payload is
// kept and published on the next bind.
func (c *Client) SetMine(ctx context.Context, payload []byte) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	c.callMu.Lock()
	defer c.callMu.Unlock()

	c.mu.Lock()
	if !c.bound {
		c.mu.Unlock()
		return errdefs.ErrNotBound
	}
	c.minePayload = append([]byte{}, payload...)
	c.mineWanted = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || c.Status() != message.SessionBind {
		return fmt.Errorf("%w: session not bound, entry kept for the next bind", errdefs.ErrTransport)
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	m, err := conn.Register(ctx, payload)
	if err != nil {
		return c.callFailed(conn, "set mine", err)
	}
	c.mu.Lock()
	c.mine = &m
	c.mu.Unlock()
	return nil
}

// DelMine removes this client's entry. Afterwards GetMine reports errdefs.ErrNotFound.
// When the registry refuses the removal the entry is kept, locally and remotely.
func (c *Client) DelMine(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	c.callMu.Lock()
	defer c.callMu.Unlock()

	c.mu.Lock()
	if !c.bound {
		c.mu.Unlock()
		return errdefs.ErrNotBound
	}
	if !c.mineWanted && c.mine == nil {
		c.mu.Unlock()
		return errdefs.ErrNotFound
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || c.Status() != message.SessionBind {
		// the registry drops the entry together with the lost session
		c.forgetMine()
		return fmt.Errorf("%w: session not bound", errdefs.ErrTransport)
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	err := conn.Unregister(ctx)
	if err == nil || errors.Is(err, errdefs.ErrNotFound) {
		c.forgetMine()
		return nil
	}
	if errdefs.IsRetryable(err) {
		// the reconnect must not republish it
		c.forgetMine()
	}
	return c.callFailed(conn, "del mine", err)
}

func (c *Client) forgetMine() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mineWanted = false
	c.minePayload = nil
	c.mine = nil
}

// callFailed turns a retryable call failure into ErrTransport and restarts the
// session, which republishes what is still wanted.
func (c *Client) callFailed(conn transport.Conn, op string, err error) error {
	if !errdefs.IsRetryable(err) {
		return err
	}
	c.logger.Warn(op+" not delivered, reconnecting", zap.Error(err))
	conn.Close()
	return errdefs.Transport(op, err)
}

// GetMine returns the entry as last acknowledged by the registry.
func (c *Client) GetMine() (message.Meta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mine == nil {
		return message.Meta{}, errdefs.ErrNotFound
	}
	return c.mine.Clone(), nil
}

// ServerID is the registry assigned id of the own entry, or
// message.UnassignedServerID.
func (c *Client) ServerID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mine == nil {
		return message.UnassignedServerID
	}
	return c.mine.ServerID
}

// GroupID is the datacenter id the own entry is published under.
func (c *Client) GroupID() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.groupID
}

// Name is the service name passed to Initialize.
func (c *Client) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// Reconnect skips the wait before the next reconnect attempt. It has no effect while
// the session is connected.
func (c *Client) Reconnect() error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	select {
	case c.kick <- struct{}{}:
	default:
	}
	return nil
}

// Close stops the background loop, removes the own entry when possible and closes the
// connection. The status becomes OFF.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.initialized
	c.mu.Unlock()

	c.cancel()
	if started {
		select {
		case <-c.loopDone:
		case <-ctx.Done():
			return errdefs.Timeout(ctx.Err())
		}
	}

	c.callMu.Lock()
	defer c.callMu.Unlock()
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	registered := c.mine != nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		if registered && conn.Err() == nil {
			uctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
			if uerr := conn.Unregister(uctx); uerr != nil && !errors.Is(uerr, errdefs.ErrNotFound) {
				err = multierr.Append(err, uerr)
			}
			cancel()
		}
		err = multierr.Append(err, conn.Close())
	}
	c.setStatus(message.SessionOff)
	c.logger.Info("session closed")
	return err
}

func (c *Client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized || c.closed {
		return errdefs.ErrInvalidState
	}
	return nil
}

func (c *Client) setStatus(s message.SessionStatus) {
	c.ch.Commit(func(tx *notify.Tx) { tx.SetStatus(s) })
	c.opts.Metrics.SetStatus(s)
}

// statusFor maps a failed connect attempt onto the status reported once retries are
// exhausted.
func statusFor(err error) message.SessionStatus {
	switch {
	case errors.Is(err, errdefs.ErrInvalidCredential), errors.Is(err, errdefs.ErrIncompatibleVersion):
		return message.SessionAuthFailure
	case errors.Is(err, errdefs.ErrDNS):
		return message.SessionDNSError
	default:
		return message.SessionError
	}
}

// callContext bounds a background registry call by CallTimeout and Close.
func (c *Client) callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.ctx, c.opts.CallTimeout)
}
