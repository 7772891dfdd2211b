package transport_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mini-s2s/errdefs"
	"mini-s2s/internal/fakemeta"
	"mini-s2s/message"
	"mini-s2s/protocol"
	"mini-s2s/resolver"
	"mini-s2s/transport"
	"mini-s2s/wire"
)

func startServer(t *testing.T) *fakemeta.Server {
	t.Helper()
	srv := fakemeta.New(zaptest.NewLogger(t))
	require.NoError(t, srv.Start("127.0.0.1:0"))
	t.Cleanup(func() { srv.Shutdown(time.Second) })
	return srv
}

func login(name string) *message.Login {
	return &message.Login{Name: name, Key: "k", Type: message.S2SDecoder, Direct: true,
		ClientVersion: "3.0.1", InstanceID: name + "-1"}
}

func dial(t *testing.T, addrs ...string) transport.Conn {
	t.Helper()
	d := &transport.TCPDialer{Resolver: resolver.Static(addrs)}
	conn, ack, err := d.Dial(context.Background(), login("svcA"))
	require.NoError(t, err)
	require.Equal(t, fakemeta.DefaultVersion, ack.ServerVersion)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func nextNotify(t *testing.T, conn transport.Conn) *message.Notify {
	t.Helper()
	select {
	case n := <-conn.Notifications():
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
		return nil
	}
}

func TestSubscribeRegisterUnregister(t *testing.T) {
	srv := startServer(t)
	peer := srv.Publish("svcB", message.S2SDecoder, 1, []byte("b"))
	conn := dial(t, srv.Addr())
	ctx := context.Background()

	sub := &message.Subscribe{Generation: 1, Filters: message.Filters{{InterestedName: "svc"}}}
	require.NoError(t, conn.Subscribe(ctx, sub))
	n := nextNotify(t, conn)
	assert.Equal(t, uint64(1), n.Generation)
	assert.Equal(t, []uint32{0}, n.Completed)
	require.Len(t, n.Metas, 1)
	assert.Equal(t, peer.ServerID, n.Metas[0].ServerID)

	mine, err := conn.Register(ctx, []byte("a"))
	require.NoError(t, err)
	assert.NotEqual(t, message.UnassignedServerID, mine.ServerID)
	assert.Equal(t, "svcA", mine.Name)
	// own entry matches the filter, so it is pushed back
	n = nextNotify(t, conn)
	require.Len(t, n.Metas, 1)
	assert.Equal(t, mine.ServerID, n.Metas[0].ServerID)

	require.NoError(t, conn.Unregister(ctx))
	n = nextNotify(t, conn)
	assert.Equal(t, message.MetaDied, n.Metas[0].Status)

	err = conn.Unregister(ctx)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestConcurrentCallsShareOneConnection(t *testing.T) {
	srv := startServer(t)
	conn := dial(t, srv.Addr())

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := conn.Register(context.Background(), []byte{byte(i)})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, srv.Entries(), 1)
}

func TestBadCredentialsAreFatal(t *testing.T) {
	srv := startServer(t)
	srv.Credentials = map[string]string{"svcA": "secret"}

	d := &transport.TCPDialer{Resolver: resolver.Static{srv.Addr()}}
	_, _, err := d.Dial(context.Background(), login("svcA"))
	require.ErrorIs(t, err, errdefs.ErrInvalidCredential)
	assert.Equal(t, errdefs.Fatal, errdefs.Classify(err))
}

func TestDialSkipsDeadNodes(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	ln.Close()

	srv := startServer(t)
	d := &transport.TCPDialer{Resolver: resolver.Static{dead, srv.Addr()}}
	for i := 0; i < 2; i++ {
		conn, _, err := d.Dial(context.Background(), login("svcA"))
		require.NoError(t, err)
		conn.Close()
	}

	d = &transport.TCPDialer{Resolver: resolver.Static{dead}}
	_, _, err = d.Dial(context.Background(), login("svcA"))
	assert.ErrorIs(t, err, errdefs.ErrTransport)
}

func TestDropClosesConnection(t *testing.T) {
	srv := startServer(t)
	conn := dial(t, srv.Addr())

	srv.DropConnections()
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed")
	}
	assert.ErrorIs(t, conn.Err(), errdefs.ErrTransport)
	_, err := conn.Register(context.Background(), nil)
	assert.ErrorIs(t, err, errdefs.ErrTransport)
}

// silentServer accepts the login and then never writes again.
func silentServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		h, _, err := protocol.Decode(c)
		if err != nil {
			return
		}
		protocol.Encode(c, &protocol.Header{MsgType: protocol.MsgLoginAck, Seq: h.Seq},
			wire.Encode(&message.LoginAck{ServerVersion: "3.1.0"}))
		for {
			if _, _, err := protocol.Decode(c); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String()
}

func TestLivenessWindowClosesSilentConnection(t *testing.T) {
	mock := clock.NewMock()
	d := &transport.TCPDialer{
		Resolver: resolver.Static{silentServer(t)},
		Options:  transport.Options{Clock: mock, HeartbeatInterval: time.Second},
	}
	l := login("svcA")
	l.LostCheck = uint32(transport.ClientCheckOnly)
	conn, _, err := d.Dial(context.Background(), l)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		select {
		case <-conn.Done():
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, conn.Err(), transport.ErrLivenessExpired)
}

func TestLivenessWindowWhenOnlyRegistryProbes(t *testing.T) {
	mock := clock.NewMock()
	d := &transport.TCPDialer{
		Resolver: resolver.Static{silentServer(t)},
		Options:  transport.Options{Clock: mock, HeartbeatInterval: time.Second, LivenessWindow: 3 * time.Second},
	}
	l := login("svcA")
	l.LostCheck = uint32(transport.ServerCheckOnly)
	conn, _, err := d.Dial(context.Background(), l)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		select {
		case <-conn.Done():
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, conn.Err(), transport.ErrLivenessExpired)
}

func TestNoLivenessWindowWithoutProbing(t *testing.T) {
	mock := clock.NewMock()
	d := &transport.TCPDialer{
		Resolver: resolver.Static{silentServer(t)},
		Options:  transport.Options{Clock: mock, HeartbeatInterval: time.Second},
	}
	conn, _, err := d.Dial(context.Background(), login("svcA"))
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 10; i++ {
		mock.Add(time.Second)
	}
	time.Sleep(20 * time.Millisecond)
	assert.NoError(t, conn.Err())
}

func TestServerProbesAreAnswered(t *testing.T) {
	srv := fakemeta.New(zaptest.NewLogger(t))
	srv.ProbeInterval = 5 * time.Millisecond
	require.NoError(t, srv.Start("127.0.0.1:0"))
	defer srv.Shutdown(time.Second)

	d := &transport.TCPDialer{Resolver: resolver.Static{srv.Addr()}}
	l := login("svcA")
	l.LostCheck = uint32(transport.ServerCheckOnly)
	conn, _, err := d.Dial(context.Background(), l)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)
	assert.NoError(t, conn.Err())
	_, err = conn.Register(context.Background(), []byte("x"))
	assert.NoError(t, err)
}

func TestLostCheckModes(t *testing.T) {
	assert.True(t, transport.ClientCheckOnly.ClientProbes())
	assert.True(t, transport.DaemonCheck.ClientProbes())
	assert.True(t, transport.ClientServerDoubleCheck.ClientProbes())
	assert.True(t, transport.ClientServerDoubleCheck.ServerProbes())
	assert.False(t, transport.ServerCheckOnly.ClientProbes())
	assert.True(t, transport.ServerCheckOnly.ServerProbes())
	assert.False(t, transport.NoLostCheck.ClientProbes())
	assert.False(t, transport.LostCheck(4).Valid())
	assert.Equal(t, transport.MulPointTCPCheck, transport.ServerCheckOnly)
}
