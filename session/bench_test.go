package session

import (
	"context"
	"testing"
	"time"

	"mini-s2s/internal/fakemeta"
	"mini-s2s/message"
)

func setupBoundClient(b *testing.B) *Client {
	srv := fakemeta.New(nil)
	if err := srv.Start("127.0.0.1:0"); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { srv.Shutdown(time.Second) })

	c := New(WithEndpoints(srv.Addr()))
	b.Cleanup(func() { c.Close(context.Background()) })
	if err := c.Initialize(context.Background(), "svcBench", "k", message.S2SDecoder); err != nil {
		b.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for c.Status() != message.SessionBind {
		if time.Now().After(deadline) {
			b.Fatal("session did not bind")
		}
		time.Sleep(time.Millisecond)
	}
	return c
}

// One goroutine updating the own entry: a full registry round trip per call.
func BenchmarkSerialSetMine(b *testing.B) {
	c := setupBoundClient(b)
	ctx := context.Background()
	payload := []byte("payload")
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := c.SetMine(ctx, payload); err != nil {
			b.Fatal(err)
		}
	}
}

// Concurrent callers replacing the filter set; writes to the registry are ordered.
func BenchmarkConcurrentSubscribe(b *testing.B) {
	c := setupBoundClient(b)
	ctx := context.Background()
	filters := []message.SubFilter{{InterestedName: "svcB"}}
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if err := c.Subscribe(ctx, filters); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
