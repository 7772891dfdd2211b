package peerpool

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mini-s2s/codec"
	"mini-s2s/errdefs"
	"mini-s2s/internal/fakemeta"
	"mini-s2s/loadbalance"
	"mini-s2s/message"
	"mini-s2s/session"
)

// fakeClient is a queue fed by the test.
type fakeClient struct {
	mu         sync.Mutex
	subscribed [][]message.SubFilter
	queue      []message.NotifyResult
	ready      chan struct{}
	err        error
}

func newFakeClient() *fakeClient { return &fakeClient{ready: make(chan struct{}, 1)} }

func (f *fakeClient) Subscribe(_ context.Context, filters []message.SubFilter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.subscribed = append(f.subscribed, filters)
	return nil
}

func (f *fakeClient) Ready() <-chan struct{} { return f.ready }

func (f *fakeClient) Next() (message.NotifyResult, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return message.NotifyResult{}, false
	}
	r := f.queue[0]
	f.queue = f.queue[1:]
	return r, true
}

func (f *fakeClient) push(r message.NotifyResult) {
	f.mu.Lock()
	f.queue = append(f.queue, r)
	f.mu.Unlock()
	select {
	case f.ready <- struct{}{}:
	default:
	}
}

func endpointMeta(t *testing.T, name string, id int64, port uint32, status message.MetaStatus) message.Meta {
	t.Helper()
	ep := &codec.Endpoint{
		IPs:     map[codec.ISPType]net.IP{codec.ISPCTL: net.IPv4(127, 0, 0, 1)},
		TCPPort: port,
	}
	data, err := ep.Encode(message.S2SDecoder)
	require.NoError(t, err)
	m := message.NewMeta(name, message.S2SDecoder, 1, data)
	m.ServerID = id
	m.Status = status
	return m
}

func startDispatcher(t *testing.T, d *Dispatcher) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestDispatcherRoutesByName(t *testing.T) {
	fc := newFakeClient()
	d := NewDispatcher(fc, zaptest.NewLogger(t))
	ctx := context.Background()

	raw := make(chan message.Meta, 4)
	eps := make(chan *codec.Endpoint, 4)
	require.NoError(t, d.SubscribeMeta(ctx, message.SubFilter{InterestedName: "svcRaw"}, raw))
	require.NoError(t, d.SubscribeEndpoints(ctx, message.SubFilter{InterestedName: "svcB"}, eps))
	require.Len(t, fc.subscribed, 2)
	assert.Len(t, fc.subscribed[1], 2, "every subscribe sends the whole set")

	var statuses []message.SessionStatus
	var mu sync.Mutex
	d.OnStatus(func(s message.SessionStatus) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})
	startDispatcher(t, d)

	fc.push(message.NotifyResult{Status: message.SessionBind, Metas: message.Metas{
		message.NewMeta("svcRaw", message.TextJSON, 0, []byte("opaque")),
		endpointMeta(t, "svcB", 7, 9000, message.MetaOK),
		{Name: "svcB", ServerID: 8, Type: message.S2SDecoder, Data: []byte{0xff}},
		{Name: "svcB", ServerID: 7, Status: message.MetaDied},
		message.NewMeta("svcUnknown", message.TextJSON, 0, nil),
	}})

	m := <-raw
	assert.Equal(t, []byte("opaque"), m.Data)
	ep := <-eps
	assert.Equal(t, int64(7), ep.ServerID)
	assert.Equal(t, "127.0.0.1:9000", ep.Addr())
	// the undecodable entry is skipped, a removal without payload still arrives
	ep = <-eps
	assert.Equal(t, int64(7), ep.ServerID)
	assert.Equal(t, message.MetaDied, ep.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []message.SessionStatus{message.SessionBind}, statuses)
}

func TestDispatcherRejectsDuplicateRoutes(t *testing.T) {
	fc := newFakeClient()
	d := NewDispatcher(fc, nil)
	ctx := context.Background()

	require.NoError(t, d.SubscribeMeta(ctx, message.SubFilter{InterestedName: "svcB"}, make(chan message.Meta)))
	err := d.SubscribeEndpoints(ctx, message.SubFilter{InterestedName: "svcB"}, make(chan *codec.Endpoint))
	assert.ErrorIs(t, err, errdefs.ErrInvalidState)
	assert.ErrorIs(t, d.SubscribeMeta(ctx, message.SubFilter{}, make(chan message.Meta)), errdefs.ErrInvalidState)

	fc.err = errdefs.ErrTransport
	assert.ErrorIs(t, d.SubscribeMeta(ctx, message.SubFilter{InterestedName: "svcC"}, make(chan message.Meta)), errdefs.ErrTransport)
	fc.err = nil
	// a failed subscribe leaves no route behind
	require.NoError(t, d.SubscribeMeta(ctx, message.SubFilter{InterestedName: "svcC"}, make(chan message.Meta)))
	assert.Len(t, fc.subscribed[len(fc.subscribed)-1], 2)
}

type fakeConn struct{ closed atomic.Bool }

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func peerEndpoint(id int64, port uint32, status message.MetaStatus) *codec.Endpoint {
	return &codec.Endpoint{
		ServerID: id,
		Name:     "svcB",
		Status:   status,
		IPs:      map[codec.ISPType]net.IP{codec.ISPCTL: net.IPv4(10, 0, 0, 1)},
		TCPPort:  port,
	}
}

func testPool(t *testing.T) (*Pool, *[]string) {
	var mu sync.Mutex
	var dialed []string
	p := NewPool("svcB", Config{
		Dial: func(_ context.Context, addr string) (io.Closer, error) {
			mu.Lock()
			defer mu.Unlock()
			dialed = append(dialed, addr)
			return &fakeConn{}, nil
		},
		Logger: zaptest.NewLogger(t),
	})
	t.Cleanup(func() { p.Close() })
	return p, &dialed
}

func TestPoolTracksPeers(t *testing.T) {
	p, dialed := testPool(t)
	ctx := context.Background()

	_, err := p.Get(ctx)
	assert.ErrorIs(t, err, loadbalance.ErrNoPeers)

	p.Update(peerEndpoint(2, 9002, message.MetaOK))
	p.Update(peerEndpoint(1, 9001, message.MetaOK))
	p.Update(&codec.Endpoint{ServerID: 3, Name: "svcOther", Status: message.MetaOK})
	peers := p.Peers()
	require.Len(t, peers, 2)
	assert.Equal(t, int64(1), peers[0].ServerID)

	c1, err := p.Get(ctx)
	require.NoError(t, err)
	c2, err := p.Get(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, c1.ServerID, c2.ServerID, "round robin over both peers")
	assert.ElementsMatch(t, []string{"10.0.0.1:9001", "10.0.0.1:9002"}, *dialed)

	require.NoError(t, p.Put(c1, false))
	require.NoError(t, p.Put(c2, true))
	assert.True(t, c2.Closer.(*fakeConn).closed.Load())
	assert.False(t, c1.Closer.(*fakeConn).closed.Load())

	// removing the peer closes its idle connection
	p.Update(&codec.Endpoint{ServerID: c1.ServerID, Name: "svcB", Status: message.MetaDied})
	assert.True(t, c1.Closer.(*fakeConn).closed.Load())
	require.Len(t, p.Peers(), 1)
	for i := 0; i < 3; i++ {
		c, err := p.Get(ctx)
		require.NoError(t, err)
		assert.NotEqual(t, c1.ServerID, c.ServerID)
		require.NoError(t, p.Put(c, false))
	}
}

func TestPoolGetKeyed(t *testing.T) {
	p, _ := testPool(t)
	ctx := context.Background()
	for id := int64(1); id <= 3; id++ {
		p.Update(peerEndpoint(id, 9000+uint32(id), message.MetaOK))
	}
	a, err := p.GetKeyed(ctx, "user-1")
	require.NoError(t, err)
	require.NoError(t, p.Put(a, false))
	b, err := p.GetKeyed(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, a.ServerID, b.ServerID)
	require.NoError(t, p.Put(b, false))

	p.Update(peerEndpoint(a.ServerID, 0, message.MetaDied))
	c, err := p.GetKeyed(ctx, "user-1")
	require.NoError(t, err)
	assert.NotEqual(t, a.ServerID, c.ServerID)
}

func TestPoolRunStopsWithChannel(t *testing.T) {
	p, _ := testPool(t)
	ch := make(chan *codec.Endpoint, 1)
	ch <- peerEndpoint(1, 9001, message.MetaOK)
	close(ch)
	require.NoError(t, p.Run(context.Background(), ch))
	assert.Len(t, p.Peers(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, errors.Is(p.Run(ctx, make(chan *codec.Endpoint)), context.Canceled))
}

func TestPoolFollowsRegistry(t *testing.T) {
	srv := fakemeta.New(zaptest.NewLogger(t).Named("fakemeta"))
	require.NoError(t, srv.Start("127.0.0.1:0"))
	t.Cleanup(func() { srv.Shutdown(time.Second) })

	b1 := endpointMeta(t, "svcB", 0, 9001, message.MetaOK)
	pub := srv.Publish("svcB", message.S2SDecoder, 1, b1.Data)

	c := session.New(session.WithEndpoints(srv.Addr()), session.WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(func() { c.Close(context.Background()) })
	require.NoError(t, c.Initialize(context.Background(), "svcA", "k", message.S2SDecoder))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := NewDispatcher(c, zaptest.NewLogger(t))
	eps := make(chan *codec.Endpoint)
	require.NoError(t, d.SubscribeEndpoints(ctx, message.SubFilter{InterestedName: "svcB"}, eps))
	go d.Run(ctx)

	p, _ := testPool(t)
	go p.Run(ctx, eps)

	require.Eventually(t, func() bool { return len(p.Peers()) == 1 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, pub.ServerID, p.Peers()[0].ServerID)
	assert.Equal(t, "127.0.0.1:9001", p.Peers()[0].Addr())

	require.True(t, srv.Remove(pub.ServerID))
	require.Eventually(t, func() bool { return len(p.Peers()) == 0 }, 3*time.Second, 5*time.Millisecond)
}
