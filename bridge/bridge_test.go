package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mini-s2s/errdefs"
	"mini-s2s/internal/fakemeta"
	"mini-s2s/message"
	"mini-s2s/session"
	"mini-s2s/wire"
)

func newTable(t *testing.T) (*Table, *fakemeta.Server) {
	t.Helper()
	srv := fakemeta.New(zaptest.NewLogger(t).Named("fakemeta"))
	require.NoError(t, srv.Start("127.0.0.1:0"))
	t.Cleanup(func() { srv.Shutdown(time.Second) })

	tbl := NewTable(
		session.WithEndpoints(srv.Addr()),
		session.WithLogger(zaptest.NewLogger(t)),
		session.WithCallTimeout(time.Second),
	)
	t.Cleanup(func() { tbl.Close(context.Background()) })
	return tbl, srv
}

func waitBind(t *testing.T, tbl *Table, h Handle) {
	t.Helper()
	c, err := tbl.Client(h)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Status() == message.SessionBind }, 3*time.Second, 5*time.Millisecond)
}

func TestByteBufferRoundTrip(t *testing.T) {
	tbl, srv := newTable(t)
	srv.Publish("svcB", message.S2SDecoder, 1, []byte("b"))
	ctx := context.Background()

	h, err := tbl.Initialize(ctx, "svcA", "k", message.S2SDecoder)
	require.NoError(t, err)
	waitBind(t, tbl, h)

	filters := message.Filters{{InterestedName: "svcB"}}
	require.NoError(t, tbl.Subscribe(ctx, h, wire.Encode(&filters)))
	require.Eventually(t, func() bool { return tbl.IsPullAllSub(h) }, 3*time.Second, 5*time.Millisecond)
	assert.True(t, tbl.IsSubscribePulled(h, "svcB"))
	assert.False(t, tbl.IsSubscribePulled(h, "svcC"))

	var got []message.Meta
	require.Eventually(t, func() bool {
		buf, err := tbl.PollNotify(h)
		if err != nil {
			return false
		}
		var r message.NotifyResult
		if wire.Decode(buf, &r) != nil {
			return false
		}
		got = append(got, r.Metas...)
		return len(got) > 0
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, "svcB", got[0].Name)
	assert.Equal(t, []byte("b"), got[0].Data)

	// an empty queue still reports the status
	buf, err := tbl.PollNotify(h)
	require.NoError(t, err)
	var r message.NotifyResult
	require.NoError(t, wire.Decode(buf, &r))
	assert.Equal(t, message.SessionBind, r.Status)
	assert.Empty(t, r.Metas)

	require.NoError(t, tbl.SetMine(ctx, h, []byte("mine")))
	buf, err = tbl.GetMine(h)
	require.NoError(t, err)
	var mine message.Meta
	require.NoError(t, wire.Decode(buf, &mine))
	assert.Equal(t, "svcA", mine.Name)
	assert.Equal(t, []byte("mine"), mine.Data)
	assert.NotEqual(t, message.UnassignedServerID, mine.ServerID)

	require.NoError(t, tbl.DelMine(ctx, h))
	_, err = tbl.GetMine(h)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestMalformedFilters(t *testing.T) {
	tbl, _ := newTable(t)
	h, err := tbl.Initialize(context.Background(), "svcA", "k", message.S2SDecoder)
	require.NoError(t, err)
	err = tbl.Subscribe(context.Background(), h, []byte{1, 2})
	assert.ErrorIs(t, err, errdefs.ErrDecode)
}

func TestRejectedLoginIssuesNoHandle(t *testing.T) {
	tbl, srv := newTable(t)
	srv.Credentials = map[string]string{"svcA": "right"}
	h, err := tbl.Initialize(context.Background(), "svcA", "wrong", message.S2SDecoder)
	assert.ErrorIs(t, err, errdefs.ErrInvalidCredential)
	assert.Equal(t, InvalidHandle, h)
	assert.Empty(t, tbl.Handles())
}

func TestUnreachableRegistryKeepsHandle(t *testing.T) {
	tbl, srv := newTable(t)
	srv.Refuse(true)
	h, err := tbl.Initialize(context.Background(), "svcA", "k", message.S2SDecoder)
	assert.ErrorIs(t, err, errdefs.ErrTransport)
	assert.NotEqual(t, InvalidHandle, h)
	assert.ErrorIs(t, tbl.SetMine(context.Background(), h, nil), errdefs.ErrNotBound)
}

func TestReleasedHandle(t *testing.T) {
	tbl, _ := newTable(t)
	ctx := context.Background()
	h1, err := tbl.Initialize(ctx, "svcA", "k", message.S2SDecoder)
	require.NoError(t, err)
	h2, err := tbl.Initialize(ctx, "svcB", "k", message.S2SDecoder)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
	assert.Equal(t, []Handle{h1, h2}, tbl.Handles())

	require.NoError(t, tbl.Release(ctx, h1))
	assert.ErrorIs(t, tbl.Release(ctx, h1), ErrUnknownHandle)
	_, err = tbl.PollNotify(h1)
	assert.ErrorIs(t, err, errdefs.ErrInvalidState)
	assert.False(t, tbl.IsPullAllSub(h1))
	assert.False(t, tbl.IsSubscribePulled(h1, "svcB"))
	assert.ErrorIs(t, tbl.DelMine(ctx, h1), ErrUnknownHandle)
	assert.Equal(t, []Handle{h2}, tbl.Handles())
}
