// Package config loads process configuration for a registry client: a YAML file,
// defaults for everything it leaves out, and S2S_* environment overrides on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"mini-s2s/errdefs"
	"mini-s2s/message"
	"mini-s2s/metrics"
	"mini-s2s/middleware"
	"mini-s2s/registry"
	"mini-s2s/resolver"
	"mini-s2s/session"
	"mini-s2s/transport"
)

const (
	envName            = "S2S_NAME"
	envKey             = "S2S_KEY"
	envEndpoints       = "S2S_ENDPOINTS"
	envEtcdEndpoints   = "S2S_ETCD_ENDPOINTS"
	envRecoverInterval = "S2S_RECOVER_INTERVAL"
	envCallTimeout     = "S2S_CALL_TIMEOUT"
	envConsolePort     = "S2S_CONSOLE_PORT"
	envLogLevel        = "S2S_LOG_LEVEL"
)

type Config struct {
	Name    string `yaml:"name"`
	Key     string `yaml:"key"`
	Type    string `yaml:"type"`
	GroupID int32  `yaml:"group_id"`
	// Direct talks to the registry nodes. false goes through the local daemon.
	Direct     bool     `yaml:"direct"`
	Endpoints  []string `yaml:"endpoints"`
	DNS        DNS      `yaml:"dns"`
	DaemonAddr string   `yaml:"daemon_addr"`
	LostCheck  string   `yaml:"lost_check"`
	InstanceID string   `yaml:"instance_id"`

	CallTimeout time.Duration `yaml:"call_timeout"`
	Reconnect   Reconnect     `yaml:"reconnect"`
	Retry       Retry         `yaml:"retry"`
	RateLimit   RateLimit     `yaml:"rate_limit"`
	Etcd        Etcd          `yaml:"etcd"`

	ConsolePort int `yaml:"console_port"`
	Log         Log `yaml:"log"`
}

// DNS resolves registry nodes by name instead of Endpoints.
type DNS struct {
	Names   []string      `yaml:"names"`
	Servers []string      `yaml:"servers"`
	Timeout time.Duration `yaml:"timeout"`
}

type Reconnect struct {
	Threshold         int           `yaml:"threshold"`
	Delay             time.Duration `yaml:"delay"`
	RecoverInterval   time.Duration `yaml:"recover_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	LivenessWindow    time.Duration `yaml:"liveness_window"`
}

// Retry repeats failed registry calls. Max 0 disables it.
type Retry struct {
	Max       int           `yaml:"max"`
	BaseDelay time.Duration `yaml:"base_delay"`
}

// RateLimit bounds registry calls per second. Rate 0 disables it.
type RateLimit struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// Etcd switches the backend to an etcd cluster when Endpoints is set.
type Etcd struct {
	Endpoints    []string      `yaml:"endpoints"`
	Prefix       string        `yaml:"prefix"`
	TTL          int64         `yaml:"ttl"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	Authenticate bool          `yaml:"authenticate"`
}

type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used for everything a file leaves out.
func Default() Config {
	p := session.DefaultReconnectPolicy()
	return Config{
		Type:        message.S2SDecoder.String(),
		Direct:      true,
		DaemonAddr:  session.DefaultDaemonAddr,
		LostCheck:   session.NoLostCheck.String(),
		CallTimeout: session.DefaultCallTimeout,
		Reconnect: Reconnect{
			Threshold:         p.Threshold,
			Delay:             p.Delay,
			RecoverInterval:   p.RecoverInterval,
			HeartbeatInterval: p.HeartbeatInterval,
		},
		Retry:     Retry{BaseDelay: 100 * time.Millisecond},
		Etcd:      Etcd{Prefix: registry.DefaultPrefix, TTL: 10},
		Log:       Log{Level: "info"},
		RateLimit: RateLimit{Burst: 1},
	}
}

// Load reads the YAML file at path (skipped when empty) over the defaults and applies
// the environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("load config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func applyEnvOverrides(cfg *Config) error {
	var err error
	if v := os.Getenv(envName); v != "" {
		cfg.Name = v
	}
	if v := os.Getenv(envKey); v != "" {
		cfg.Key = v
	}
	if v := os.Getenv(envEndpoints); v != "" {
		cfg.Endpoints = splitList(v)
	}
	if v := os.Getenv(envEtcdEndpoints); v != "" {
		cfg.Etcd.Endpoints = splitList(v)
	}
	if v := os.Getenv(envRecoverInterval); v != "" {
		if d, perr := parseSeconds(v); perr == nil {
			cfg.Reconnect.RecoverInterval = d
		} else {
			err = multierr.Append(err, fmt.Errorf("invalid %s value %q: %w", envRecoverInterval, v, perr))
		}
	}
	if v := os.Getenv(envCallTimeout); v != "" {
		if d, perr := parseSeconds(v); perr == nil {
			cfg.CallTimeout = d
		} else {
			err = multierr.Append(err, fmt.Errorf("invalid %s value %q: %w", envCallTimeout, v, perr))
		}
	}
	if v := os.Getenv(envConsolePort); v != "" {
		if port, perr := strconv.Atoi(v); perr == nil {
			cfg.ConsolePort = port
		} else {
			err = multierr.Append(err, fmt.Errorf("invalid %s value %q: %w", envConsolePort, v, perr))
		}
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.Log.Level = v
	}
	return err
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parseSeconds accepts a Go duration or a plain number of seconds.
func parseSeconds(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		if n <= 0 {
			return 0, errors.New("must be > 0")
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.New("must be > 0")
	}
	return d, nil
}

// Validate checks the fields that cannot be defaulted.
func (c Config) Validate() error {
	var err error
	if _, perr := ParseMetaType(c.Type); perr != nil {
		err = multierr.Append(err, perr)
	}
	if _, perr := ParseLostCheck(c.LostCheck); perr != nil {
		err = multierr.Append(err, perr)
	}
	if _, perr := zapcore.ParseLevel(c.Log.Level); perr != nil {
		err = multierr.Append(err, fmt.Errorf("log level: %w", perr))
	}
	if c.ConsolePort < 0 || c.ConsolePort > 65535 {
		err = multierr.Append(err, fmt.Errorf("console_port %d out of range", c.ConsolePort))
	}
	if c.RateLimit.Rate < 0 || c.Retry.Max < 0 {
		err = multierr.Append(err, errors.New("retry and rate_limit must not be negative"))
	}
	return err
}

// ParseMetaType accepts the names printed by message.MetaType.String and plain numbers.
func ParseMetaType(s string) (message.MetaType, error) {
	for _, t := range []message.MetaType{message.AnyType, message.TextPlain, message.S2SDecoder,
		message.YYProtocol, message.TextJSON, message.MusicProc} {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	if n, err := strconv.ParseInt(s, 10, 32); err == nil {
		return message.MetaType(n), nil
	}
	return 0, fmt.Errorf("unknown meta type %q", s)
}

// ParseLostCheck accepts the names printed by transport.LostCheck.String.
func ParseLostCheck(s string) (session.LostCheckType, error) {
	for _, c := range []transport.LostCheck{transport.NoLostCheck, transport.MulPointTCPCheck,
		transport.DaemonCheck, transport.ClientServerDoubleCheck, transport.ClientCheckOnly} {
		if strings.EqualFold(s, c.String()) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown lost check %q", s)
}

// MetaType is the parsed Type. Call after Validate.
func (c Config) MetaType() message.MetaType {
	t, _ := ParseMetaType(c.Type)
	return t
}

// Logger builds the process logger: development output or JSON at Log.Level.
func (c Config) Logger() (*zap.Logger, error) {
	if c.Log.Development {
		return zap.NewDevelopment()
	}
	zc := zap.NewProductionConfig()
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// SessionOptions converts the configuration into client options. col may be nil.
func (c Config) SessionOptions(logger *zap.Logger, col *metrics.Collector) []session.Option {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []session.Option{
		session.WithLogger(logger),
		session.WithDaemonAddr(c.DaemonAddr),
		session.WithCallTimeout(c.CallTimeout),
		session.WithReconnectPolicy(session.ReconnectPolicy{
			Threshold:         c.Reconnect.Threshold,
			Delay:             c.Reconnect.Delay,
			RecoverInterval:   c.Reconnect.RecoverInterval,
			HeartbeatInterval: c.Reconnect.HeartbeatInterval,
			LivenessWindow:    c.Reconnect.LivenessWindow,
		}),
		session.WithMiddleware(middleware.Logging(logger.Named("call"))),
	}
	if len(c.DNS.Names) > 0 {
		opts = append(opts, session.WithResolver(&resolver.DNS{Names: c.DNS.Names, Servers: c.DNS.Servers, Timeout: c.DNS.Timeout}))
	} else {
		opts = append(opts, session.WithEndpoints(c.Endpoints...))
	}
	if c.RateLimit.Rate > 0 {
		opts = append(opts, session.WithMiddleware(middleware.RateLimit(c.RateLimit.Rate, c.RateLimit.Burst)))
	}
	if c.Retry.Max > 0 {
		opts = append(opts, session.WithMiddleware(middleware.Retry(c.Retry.Max, c.Retry.BaseDelay, clock.New(), logger)))
	}
	if len(c.Etcd.Endpoints) > 0 {
		opts = append(opts, session.WithDialer(&registry.EtcdDialer{
			Endpoints:    c.Etcd.Endpoints,
			Prefix:       c.Etcd.Prefix,
			TTL:          c.Etcd.TTL,
			DialTimeout:  c.Etcd.DialTimeout,
			Authenticate: c.Etcd.Authenticate,
			Logger:       logger,
		}))
	}
	if c.InstanceID != "" {
		opts = append(opts, session.WithInstanceID(c.InstanceID))
	}
	if col != nil {
		opts = append(opts, session.WithMetrics(col))
	}
	return opts
}

// Prepare applies the pre-init settings of c to a new client: target, lost check and
// group id.
func (c Config) Prepare(cl *session.Client) error {
	lc, err := ParseLostCheck(c.LostCheck)
	if err != nil {
		return err
	}
	return multierr.Combine(
		cl.SetTarget(c.Direct),
		cl.SetLostCheckType(lc),
		cl.SetGroupID(c.GroupID),
	)
}

// ApplyProcess hands the process wide settings to the session package. Call before the
// first client is created.
func (c Config) ApplyProcess() {
	if c.ConsolePort != 0 {
		ConfigConsolePort(c.ConsolePort)
	}
	if c.Reconnect.RecoverInterval > 0 {
		configRecover(c.Reconnect.RecoverInterval)
	}
}

// ConfigConsolePort sets the console port. Once a client exists the call is ignored
// with a warning on the global zap logger, and false is returned.
func ConfigConsolePort(port int) bool {
	if err := session.ConfigConsolePort(port); err != nil {
		warnLate("console port", err)
		return false
	}
	return true
}

// ConfigRecoverTime sets the default wait between reconnect attempts once the failure
// threshold is reached. Same rules as ConfigConsolePort.
func ConfigRecoverTime(seconds int) bool {
	if seconds <= 0 {
		return false
	}
	return configRecover(time.Duration(seconds) * time.Second)
}

func configRecover(d time.Duration) bool {
	if err := session.ConfigRecoverTime(d); err != nil {
		warnLate("recover time", err)
		return false
	}
	return true
}

func warnLate(what string, err error) {
	if errors.Is(err, errdefs.ErrInvalidState) {
		zap.L().Warn("ignoring "+what+": a client already exists", zap.Error(err))
		return
	}
	zap.L().Warn("ignoring "+what, zap.Error(err))
}
