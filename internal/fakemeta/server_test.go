package fakemeta

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mini-s2s/errdefs"
	"mini-s2s/message"
	"mini-s2s/protocol"
	"mini-s2s/resolver"
	"mini-s2s/transport"
	"mini-s2s/wire"
)

func start(t *testing.T) *Server {
	t.Helper()
	s := New(zaptest.NewLogger(t))
	require.NoError(t, s.Start("127.0.0.1:0"))
	t.Cleanup(func() { s.Shutdown(time.Second) })
	return s
}

func call(t *testing.T, c net.Conn, seq uint32, p message.Packet) message.Packet {
	t.Helper()
	require.NoError(t, protocol.Encode(c, &protocol.Header{MsgType: p.MsgType(), Seq: seq}, wire.Encode(p)))
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	h, body, err := protocol.Decode(c)
	require.NoError(t, err)
	require.Equal(t, seq, h.Seq)
	resp := message.New(h.MsgType)
	require.NoError(t, wire.Decode(body, resp))
	return resp
}

func TestRequestBeforeLoginIsRejected(t *testing.T) {
	s := start(t)
	c, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	defer c.Close()

	resp := call(t, c, 1, &message.Register{Data: []byte("x")})
	er, ok := resp.(*message.ErrorReply)
	require.True(t, ok, "got %T", resp)
	assert.ErrorIs(t, er.Err(), errdefs.ErrInvalidState)
	assert.Empty(t, s.Entries())
}

func TestOldClientIsRejected(t *testing.T) {
	s := start(t)
	s.MinClientVersion = "3.10.0"
	c, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	defer c.Close()

	resp := call(t, c, 1, &message.Login{Name: "svcA", ClientVersion: "3.9.0"})
	er, ok := resp.(*message.ErrorReply)
	require.True(t, ok, "got %T", resp)
	assert.ErrorIs(t, er.Err(), errdefs.ErrIncompatibleVersion)
}

func TestInstanceKeepsServerIDAcrossConnections(t *testing.T) {
	s := start(t)
	d := &transport.TCPDialer{Resolver: resolver.Static{s.Addr()}}
	login := &message.Login{Name: "svcA", Type: message.S2SDecoder, ClientVersion: "3.0.1", InstanceID: "inst-1"}
	ctx := context.Background()

	conn, _, err := d.Dial(ctx, login)
	require.NoError(t, err)
	first, err := conn.Register(ctx, []byte("1"))
	require.NoError(t, err)
	conn.Close()

	// the entry goes away with the connection
	require.Eventually(t, func() bool { return len(s.Entries()) == 0 }, time.Second, 5*time.Millisecond)

	conn, _, err = d.Dial(ctx, login)
	require.NoError(t, err)
	defer conn.Close()
	second, err := conn.Register(ctx, []byte("2"))
	require.NoError(t, err)
	assert.Equal(t, first.ServerID, second.ServerID)
	assert.Greater(t, second.Timestamp, first.Timestamp)
}

func TestPublishAndRemoveReachSubscribers(t *testing.T) {
	s := start(t)
	d := &transport.TCPDialer{Resolver: resolver.Static{s.Addr()}}
	ctx := context.Background()
	conn, _, err := d.Dial(ctx, &message.Login{Name: "watcher", ClientVersion: "3.0.1"})
	require.NoError(t, err)
	defer conn.Close()

	sub := &message.Subscribe{Generation: 7, Filters: message.Filters{{InterestedName: "svcB", InterestedGroup: 2}}}
	require.NoError(t, conn.Subscribe(ctx, sub))
	snap := <-conn.Notifications()
	assert.Empty(t, snap.Metas)
	assert.Equal(t, []uint32{0}, snap.Completed)

	s.Publish("svcB", message.S2SDecoder, 1, nil) // other group, filtered out
	m := s.Publish("svcB", message.S2SDecoder, 2, []byte("b"))
	n := <-conn.Notifications()
	require.Len(t, n.Metas, 1)
	assert.Equal(t, m.ServerID, n.Metas[0].ServerID)
	assert.Equal(t, uint64(7), n.Generation)

	require.True(t, s.Remove(m.ServerID))
	n = <-conn.Notifications()
	assert.Equal(t, message.MetaDied, n.Metas[0].Status)
	assert.False(t, s.Remove(m.ServerID))
}

func TestRefuse(t *testing.T) {
	s := start(t)
	s.Refuse(true)
	d := &transport.TCPDialer{Resolver: resolver.Static{s.Addr()}}
	_, _, err := d.Dial(context.Background(), &message.Login{Name: "svcA"})
	assert.ErrorIs(t, err, errdefs.ErrTransport)
	assert.Zero(t, s.Sessions())

	s.Refuse(false)
	conn, _, err := d.Dial(context.Background(), &message.Login{Name: "svcA"})
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.Sessions() == 1 }, time.Second, 5*time.Millisecond)
}
