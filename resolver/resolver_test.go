package resolver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-s2s/errdefs"
)

// startDNS serves a fixed zone on a local UDP port.
func startDNS(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		q := req.Question[0]
		switch {
		case q.Qtype == dns.TypeA && q.Name == "meta.test.":
			m.Answer = append(m.Answer,
				&dns.A{Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60}, A: net.ParseIP("10.0.0.1")},
				&dns.A{Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60}, A: net.ParseIP("10.0.0.2")})
		case q.Qtype == dns.TypeSRV && q.Name == "_s2s._tcp.test.":
			m.Answer = append(m.Answer, &dns.SRV{
				Hdr:    dns.RR_Header{Name: q.Name, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: 60},
				Target: "node1.test.", Port: 4100,
			})
			m.Extra = append(m.Extra,
				&dns.A{Hdr: dns.RR_Header{Name: "node1.test.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60}, A: net.ParseIP("10.0.1.1")})
		default:
			m.Rcode = dns.RcodeNameError
		}
		w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go srv.ActivateAndServe()
	<-started
	t.Cleanup(func() { srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestStatic(t *testing.T) {
	addrs, err := Static{"127.0.0.1:1", "127.0.0.1:2"}.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:1", "127.0.0.1:2"}, addrs)

	_, err = Static(nil).Resolve(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrDNS)
	assert.ErrorIs(t, err, errdefs.ErrTransport)
}

func TestDNSResolve(t *testing.T) {
	server := startDNS(t)
	r := &DNS{
		Names:   []string{"meta.test:4000", "_s2s._tcp.test", "192.168.1.1:4000"},
		Servers: []string{server},
		Timeout: time.Second,
	}
	addrs, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:4000", "10.0.0.2:4000", "10.0.1.1:4100", "192.168.1.1:4000"}, addrs)
}

func TestDNSPartialFailureStillResolves(t *testing.T) {
	server := startDNS(t)
	r := &DNS{Names: []string{"missing.test:1", "meta.test:4000"}, Servers: []string{server}, Timeout: time.Second}
	addrs, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Len(t, addrs, 2)
}

func TestDNSFailureIsDNSError(t *testing.T) {
	server := startDNS(t)
	r := &DNS{Names: []string{"missing.test:1"}, Servers: []string{server}, Timeout: time.Second}
	_, err := r.Resolve(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrDNS)

	_, err = (&DNS{Names: []string{"no-port"}, Servers: []string{server}}).Resolve(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrDNS)
}
