// Package resolver locates registry nodes.
//
// A failed lookup wraps errdefs.ErrDNS so the session can report SessionDNSError instead
// of a generic connection failure.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"

	"mini-s2s/errdefs"
)

// Resolver returns "host:port" addresses of registry nodes, best first.
type Resolver interface {
	Resolve(ctx context.Context) ([]string, error)
}

// Static is a fixed address list.
type Static []string

func (s Static) Resolve(context.Context) ([]string, error) {
	if len(s) == 0 {
		return nil, fmt.Errorf("%w: no endpoints configured", errdefs.ErrDNS)
	}
	return append([]string(nil), s...), nil
}

// DNS resolves names with a DNS client. A name is either "host:port", resolved through
// A records (IP literals pass through), or an SRV name such as "_s2s._tcp.example.com",
// which yields the targets and ports of its SRV records.
type DNS struct {
	Names []string
	// Servers are "ip:port" nameservers. Empty means the ones in /etc/resolv.conf.
	Servers []string
	Timeout time.Duration

	once   sync.Once
	client *dns.Client
	conf   []string
	err    error
}

func (r *DNS) init() {
	r.client = &dns.Client{Timeout: r.Timeout}
	if r.client.Timeout <= 0 {
		r.client.Timeout = 2 * time.Second
	}
	if len(r.Servers) > 0 {
		r.conf = r.Servers
		return
	}
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		r.err = fmt.Errorf("%w: %w", errdefs.ErrDNS, err)
		return
	}
	for _, s := range cfg.Servers {
		r.conf = append(r.conf, net.JoinHostPort(s, cfg.Port))
	}
}

// Resolve looks all names up in parallel. It fails only when no name produced an
// address.
func (r *DNS) Resolve(ctx context.Context) ([]string, error) {
	r.once.Do(r.init)
	if r.err != nil {
		return nil, r.err
	}
	if len(r.Names) == 0 {
		return nil, fmt.Errorf("%w: no names configured", errdefs.ErrDNS)
	}

	results := make([][]string, len(r.Names))
	errs := make([]error, len(r.Names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range r.Names {
		g.Go(func() error {
			results[i], errs[i] = r.lookup(gctx, name)
			return nil
		})
	}
	g.Wait()

	var addrs []string
	for _, res := range results {
		addrs = append(addrs, res...)
	}
	if len(addrs) == 0 {
		for _, err := range errs {
			if err != nil {
				return nil, err
			}
		}
		return nil, fmt.Errorf("%w: no records for %v", errdefs.ErrDNS, r.Names)
	}
	return addrs, nil
}

func (r *DNS) lookup(ctx context.Context, name string) ([]string, error) {
	if strings.HasPrefix(name, "_") {
		return r.lookupSRV(ctx, name)
	}
	host, port, err := net.SplitHostPort(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", errdefs.ErrDNS, name, err)
	}
	if net.ParseIP(host) != nil {
		return []string{name}, nil
	}
	ips, err := r.lookupA(ctx, host)
	if err != nil {
		return nil, err
	}
	addrs := make([]string, len(ips))
	for i, ip := range ips {
		addrs[i] = net.JoinHostPort(ip, port)
	}
	return addrs, nil
}

func (r *DNS) lookupA(ctx context.Context, host string) ([]string, error) {
	in, err := r.exchange(ctx, host, dns.TypeA)
	if err != nil {
		return nil, err
	}
	var ips []string
	for _, rr := range in.Answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%w: no A records for %s", errdefs.ErrDNS, host)
	}
	return ips, nil
}

func (r *DNS) lookupSRV(ctx context.Context, name string) ([]string, error) {
	in, err := r.exchange(ctx, name, dns.TypeSRV)
	if err != nil {
		return nil, err
	}
	glue := make(map[string][]string)
	for _, rr := range in.Extra {
		if a, ok := rr.(*dns.A); ok {
			glue[a.Hdr.Name] = append(glue[a.Hdr.Name], a.A.String())
		}
	}
	var addrs []string
	for _, rr := range in.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		port := strconv.Itoa(int(srv.Port))
		ips := glue[srv.Target]
		if len(ips) == 0 {
			if ips, err = r.lookupA(ctx, strings.TrimSuffix(srv.Target, ".")); err != nil {
				continue
			}
		}
		for _, ip := range ips {
			addrs = append(addrs, net.JoinHostPort(ip, port))
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: no usable SRV records for %s", errdefs.ErrDNS, name)
	}
	return addrs, nil
}

// exchange asks each server in turn until one answers.
func (r *DNS) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	var lastErr error
	for _, server := range r.conf {
		in, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = err
			continue
		}
		if in.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("%s: %s", name, dns.RcodeToString[in.Rcode])
			continue
		}
		return in, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no nameservers")
	}
	return nil, fmt.Errorf("%w: %w", errdefs.ErrDNS, lastErr)
}
