package session

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"mini-s2s/errdefs"
	"mini-s2s/metrics"
	"mini-s2s/middleware"
	"mini-s2s/resolver"
	"mini-s2s/transport"
)

// LostCheckType selects which side sends heartbeats.
type LostCheckType = transport.LostCheck

const (
	NoLostCheck             = transport.NoLostCheck
	MulPointTCPCheck        = transport.MulPointTCPCheck
	ServerCheckOnly         = transport.ServerCheckOnly
	DaemonCheck             = transport.DaemonCheck
	ClientServerDoubleCheck = transport.ClientServerDoubleCheck
	ClientCheckOnly         = transport.ClientCheckOnly
)

const (
	// ClientVersion is sent in every login.
	ClientVersion = "3.0.1"
	// MinRegistryVersion is the oldest registry this client talks to.
	MinRegistryVersion = "3.0.0"

	DefaultDaemonAddr  = "127.0.0.1:4100"
	DefaultCallTimeout = 5 * time.Second
)

// ReconnectPolicy controls how a lost session is recovered.
type ReconnectPolicy struct {
	// Threshold is the number of consecutive failed attempts before the session is
	// reported as failed.
	Threshold int
	// Delay separates attempts below Threshold.
	Delay time.Duration
	// RecoverInterval separates attempts once Threshold is exhausted.
	RecoverInterval time.Duration
	// HeartbeatInterval is the client probe period when the client probes.
	HeartbeatInterval time.Duration
	// LivenessWindow is how long the connection may stay silent. Zero means three
	// heartbeat intervals.
	LivenessWindow time.Duration
}

// DefaultReconnectPolicy returns the documented defaults. RecoverInterval honours
// ConfigRecoverTime.
func DefaultReconnectPolicy() ReconnectPolicy {
	process.Lock()
	recoverInterval := process.recoverInterval
	process.Unlock()
	return ReconnectPolicy{
		Threshold:         2,
		Delay:             time.Second,
		RecoverInterval:   recoverInterval,
		HeartbeatInterval: 5 * time.Second,
	}
}

func (p *ReconnectPolicy) fill() {
	def := DefaultReconnectPolicy()
	if p.Threshold <= 0 {
		p.Threshold = def.Threshold
	}
	if p.Delay <= 0 {
		p.Delay = def.Delay
	}
	if p.RecoverInterval <= 0 {
		p.RecoverInterval = def.RecoverInterval
	}
	if p.HeartbeatInterval <= 0 {
		p.HeartbeatInterval = def.HeartbeatInterval
	}
	if p.LivenessWindow <= 0 {
		p.LivenessWindow = 3 * p.HeartbeatInterval
	}
}

type Options struct {
	// Resolver locates registry nodes for direct sessions.
	Resolver resolver.Resolver
	// DaemonAddr is dialed instead when SetTarget(false) was called.
	DaemonAddr string
	// Dialer replaces the TCP dialer entirely, e.g. with registry.EtcdDialer.
	Dialer      transport.Dialer
	Policy      ReconnectPolicy
	CallTimeout time.Duration
	// InstanceID identifies this client across reconnects. Generated when empty.
	InstanceID  string
	Middlewares []middleware.Middleware
	Metrics     *metrics.Collector
	Clock       clock.Clock
	Logger      *zap.Logger

	// OnSessionLost and OnSessionRecovered run on the session goroutine after the
	// matching notification was queued.
	OnSessionLost      func()
	OnSessionRecovered func()
}

type Option func(*Options)

func WithEndpoints(addrs ...string) Option {
	return func(o *Options) { o.Resolver = resolver.Static(addrs) }
}

func WithResolver(r resolver.Resolver) Option {
	return func(o *Options) { o.Resolver = r }
}

func WithDaemonAddr(addr string) Option {
	return func(o *Options) { o.DaemonAddr = addr }
}

func WithDialer(d transport.Dialer) Option {
	return func(o *Options) { o.Dialer = d }
}

func WithReconnectPolicy(p ReconnectPolicy) Option {
	return func(o *Options) { o.Policy = p }
}

func WithCallTimeout(d time.Duration) Option {
	return func(o *Options) { o.CallTimeout = d }
}

func WithInstanceID(id string) Option {
	return func(o *Options) { o.InstanceID = id }
}

// WithMiddleware appends to the chain wrapped around registry calls.
func WithMiddleware(m ...middleware.Middleware) Option {
	return func(o *Options) { o.Middlewares = append(o.Middlewares, m...) }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(o *Options) { o.Metrics = c }
}

func WithClock(c clock.Clock) Option {
	return func(o *Options) { o.Clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

func WithSessionCallbacks(lost, recovered func()) Option {
	return func(o *Options) {
		o.OnSessionLost = lost
		o.OnSessionRecovered = recovered
	}
}

// process holds the settings that may only change before the first client exists.
var process = struct {
	sync.Mutex
	created         bool
	recoverInterval time.Duration
	consolePort     int
}{recoverInterval: 30 * time.Second}

// ConfigRecoverTime sets the process wide RecoverInterval default. It fails with
// errdefs.ErrInvalidState once a Client was created.
func ConfigRecoverTime(d time.Duration) error {
	process.Lock()
	defer process.Unlock()
	if process.created {
		return errdefs.ErrInvalidState
	}
	if d > 0 {
		process.recoverInterval = d
	}
	return nil
}

// ConfigConsolePort records the console port. Same rules as ConfigRecoverTime.
func ConfigConsolePort(port int) error {
	process.Lock()
	defer process.Unlock()
	if process.created {
		return errdefs.ErrInvalidState
	}
	process.consolePort = port
	return nil
}

// ConsolePort returns the port set with ConfigConsolePort, 0 when unset.
func ConsolePort() int {
	process.Lock()
	defer process.Unlock()
	return process.consolePort
}

func markCreated() {
	process.Lock()
	process.created = true
	process.Unlock()
}
