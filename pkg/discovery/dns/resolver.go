package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	mdns "github.com/miekg/dns"
)

// Record is one parsed SRV answer (RFC 2782).
type Record struct {
	Priority uint16
	Weight   uint16
	Port     uint16
	Target   string
}

// Resolver performs the two lookups DNS-poll needs. LookupSRV returns an
// empty slice and no error when the name does not exist (a service scaled to
// zero).
type Resolver interface {
	LookupSRV(ctx context.Context, name string) ([]Record, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// NetResolver adapts *net.Resolver; nil uses net.DefaultResolver.
type NetResolver struct {
	Resolver *net.Resolver
}

func (r NetResolver) res() *net.Resolver {
	if r.Resolver == nil {
		return net.DefaultResolver
	}
	return r.Resolver
}

func (r NetResolver) LookupSRV(ctx context.Context, name string) ([]Record, error) {
	_, addrs, err := r.res().LookupSRV(ctx, "", "", name)
	if err != nil {
		var de *net.DNSError
		if errors.As(err, &de) && de.IsNotFound {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Record, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, Record{Priority: a.Priority, Weight: a.Weight, Port: a.Port, Target: a.Target})
	}
	return out, nil
}

func (r NetResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	return r.res().LookupHost(ctx, host)
}

// DNSClient queries explicit nameservers with miekg/dns. Addresses carried in
// the additional section of an SRV answer are remembered and served by the
// following LookupHost calls without another round trip.
type DNSClient struct {
	// Servers are host:port nameserver addresses tried in order.
	Servers []string
	Timeout time.Duration

	mu    sync.Mutex
	hints map[string][]string
}

// NewDNSClient returns a client for servers; an empty list reads /etc/resolv.conf.
func NewDNSClient(servers []string, timeout time.Duration) (*DNSClient, error) {
	if len(servers) == 0 {
		cc, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("dns: read resolv.conf: %w", err)
		}
		for _, s := range cc.Servers {
			servers = append(servers, net.JoinHostPort(s, cc.Port))
		}
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &DNSClient{Servers: servers, Timeout: timeout, hints: map[string][]string{}}, nil
}

func (c *DNSClient) exchange(ctx context.Context, name string, qtype uint16) (*mdns.Msg, error) {
	m := new(mdns.Msg)
	m.SetQuestion(mdns.Fqdn(name), qtype)
	m.RecursionDesired = true
	cl := &mdns.Client{Timeout: c.Timeout}
	var lastErr error
	for _, srv := range c.Servers {
		in, _, err := cl.ExchangeContext(ctx, m, srv)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		switch in.Rcode {
		case mdns.RcodeSuccess, mdns.RcodeNameError:
			return in, nil
		default:
			lastErr = fmt.Errorf("dns: %s %s: rcode %s from %s", mdns.TypeToString[qtype], name, mdns.RcodeToString[in.Rcode], srv)
		}
	}
	if lastErr == nil {
		lastErr = errors.New("dns: no nameservers configured")
	}
	return nil, lastErr
}

func (c *DNSClient) LookupSRV(ctx context.Context, name string) ([]Record, error) {
	in, err := c.exchange(ctx, name, mdns.TypeSRV)
	if err != nil {
		return nil, err
	}
	if in.Rcode == mdns.RcodeNameError {
		return nil, nil
	}
	var out []Record
	for _, rr := range in.Answer {
		if srv, ok := rr.(*mdns.SRV); ok {
			out = append(out, Record{Priority: srv.Priority, Weight: srv.Weight, Port: srv.Port, Target: srv.Target})
		}
	}
	hints := map[string][]string{}
	for _, rr := range in.Extra {
		switch a := rr.(type) {
		case *mdns.A:
			hints[key(a.Hdr.Name)] = append(hints[key(a.Hdr.Name)], a.A.String())
		case *mdns.AAAA:
			hints[key(a.Hdr.Name)] = append(hints[key(a.Hdr.Name)], a.AAAA.String())
		}
	}
	c.mu.Lock()
	c.hints = hints
	c.mu.Unlock()
	return out, nil
}

func (c *DNSClient) LookupHost(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}
	c.mu.Lock()
	h, ok := c.hints[key(host)]
	c.mu.Unlock()
	if ok && len(h) > 0 {
		return h, nil
	}
	var out []string
	for _, qt := range []uint16{mdns.TypeA, mdns.TypeAAAA} {
		in, err := c.exchange(ctx, host, qt)
		if err != nil {
			return nil, err
		}
		for _, rr := range in.Answer {
			switch a := rr.(type) {
			case *mdns.A:
				out = append(out, a.A.String())
			case *mdns.AAAA:
				out = append(out, a.AAAA.String())
			}
		}
		if len(out) > 0 {
			break
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("dns: no address for %s", host)
	}
	return out, nil
}

func key(name string) string { return strings.ToLower(strings.TrimSuffix(name, ".")) }
