package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"mini-s2s/message"
	"mini-s2s/session"
	"mini-s2s/transport"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "s2s.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Direct)
	assert.Equal(t, message.S2SDecoder, cfg.MetaType())
	assert.Equal(t, session.DefaultDaemonAddr, cfg.DaemonAddr)
	assert.Equal(t, session.DefaultCallTimeout, cfg.CallTimeout)
	assert.Equal(t, 2, cfg.Reconnect.Threshold)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
name: svcA
key: secret
type: textjson
group_id: 7
direct: false
endpoints: [10.0.0.1:4000, 10.0.0.2:4000]
lost_check: client
call_timeout: 2s
reconnect:
  threshold: 5
  recover_interval: 1m
rate_limit:
  rate: 50
  burst: 10
etcd:
  endpoints: [localhost:2379]
console_port: 8090
log:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "svcA", cfg.Name)
	assert.Equal(t, message.TextJSON, cfg.MetaType())
	assert.Equal(t, int32(7), cfg.GroupID)
	assert.False(t, cfg.Direct)
	assert.Equal(t, []string{"10.0.0.1:4000", "10.0.0.2:4000"}, cfg.Endpoints)
	assert.Equal(t, 2*time.Second, cfg.CallTimeout)
	assert.Equal(t, 5, cfg.Reconnect.Threshold)
	assert.Equal(t, time.Minute, cfg.Reconnect.RecoverInterval)
	assert.Equal(t, time.Second, cfg.Reconnect.Delay, "unset fields keep their default")
	assert.Equal(t, 50.0, cfg.RateLimit.Rate)
	assert.Equal(t, "/s2s/meta", cfg.Etcd.Prefix)
	assert.Equal(t, 8090, cfg.ConsolePort)

	lc, err := ParseLostCheck(cfg.LostCheck)
	require.NoError(t, err)
	assert.Equal(t, transport.ClientCheckOnly, lc)

	// one option per concern: logger, daemon, timeout, policy, logging middleware,
	// endpoints, rate limit, etcd dialer
	assert.Len(t, cfg.SessionOptions(nil, nil), 8)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeFile(t, "name: [unterminated"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "type: nonsense\nlost_check: sometimes\nconsole_port: 70000\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown meta type")
	assert.Contains(t, err.Error(), "unknown lost check")
	assert.Contains(t, err.Error(), "console_port")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("S2S_NAME", "svcEnv")
	t.Setenv("S2S_ENDPOINTS", "a:1, b:2,,")
	t.Setenv("S2S_RECOVER_INTERVAL", "45")
	t.Setenv("S2S_CALL_TIMEOUT", "750ms")
	t.Setenv("S2S_CONSOLE_PORT", "9000")
	t.Setenv("S2S_LOG_LEVEL", "warn")

	cfg, err := Load(writeFile(t, "name: svcFile\nendpoints: [c:3]\n"))
	require.NoError(t, err)
	assert.Equal(t, "svcEnv", cfg.Name)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Endpoints)
	assert.Equal(t, 45*time.Second, cfg.Reconnect.RecoverInterval)
	assert.Equal(t, 750*time.Millisecond, cfg.CallTimeout)
	assert.Equal(t, 9000, cfg.ConsolePort)
	assert.Equal(t, "warn", cfg.Log.Level)

	t.Setenv("S2S_RECOVER_INTERVAL", "-1")
	_, err = Load("")
	assert.ErrorContains(t, err, "S2S_RECOVER_INTERVAL")
}

func TestParseMetaType(t *testing.T) {
	for in, want := range map[string]message.MetaType{
		"s2sdecoder": message.S2SDecoder,
		"TextPlain":  message.TextPlain,
		"any":        message.AnyType,
		"4096":       message.MusicProc,
	} {
		got, err := ParseMetaType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMetaType("xml")
	assert.Error(t, err)
}

func TestLogger(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "error"
	l, err := cfg.Logger()
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.WarnLevel))
	assert.True(t, l.Core().Enabled(zapcore.ErrorLevel))

	cfg.Log.Development = true
	l, err = cfg.Logger()
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))
}

// TestProcessHooks is the only test creating a client: afterwards the hooks are frozen
// for the rest of the test binary.
func TestProcessHooks(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	defer zap.ReplaceGlobals(zap.New(core))()

	assert.False(t, ConfigRecoverTime(0))
	assert.True(t, ConfigRecoverTime(12))
	assert.Equal(t, 12*time.Second, session.DefaultReconnectPolicy().RecoverInterval)
	cfg := Default()
	cfg.ConsolePort = 8123
	cfg.ApplyProcess()
	assert.Equal(t, 8123, session.ConsolePort())
	assert.Zero(t, logs.Len())

	c := session.New(cfg.SessionOptions(zap.NewNop(), nil)...)
	require.NoError(t, cfg.Prepare(c))

	assert.False(t, ConfigConsolePort(9999))
	assert.False(t, ConfigRecoverTime(30))
	assert.Equal(t, 8123, session.ConsolePort())
	assert.Equal(t, 12*time.Second, session.DefaultReconnectPolicy().RecoverInterval)
	assert.Equal(t, 2, logs.FilterMessageSnippet("a client already exists").Len())
}
