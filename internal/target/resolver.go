package target

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Resolver maps a hostname to addresses.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// SystemResolver uses the operating system resolver.
type SystemResolver struct{}

// LookupHost implements Resolver.
func (SystemResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	return net.DefaultResolver.LookupHost(ctx, host)
}

// Exchanger sends one DNS query. *dns.Client satisfies it.
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error)
}

// DNSResolver queries a fixed nameserver for A then AAAA records.
type DNSResolver struct {
	Server string
	Client Exchanger
}

// NewDNSResolver returns a resolver bound to server ("host:port").
func NewDNSResolver(server string, timeout time.Duration) *DNSResolver {
	return &DNSResolver{Server: server, Client: &dns.Client{Timeout: timeout}}
}

// LookupHost implements Resolver.
func (r *DNSResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		addrs, err := r.query(ctx, host, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		if len(addrs) > 0 {
			return addrs, nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("no such host %s", host)
}

func (r *DNSResolver) query(ctx context.Context, host string, qtype uint16) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	resp, _, err := r.Client.ExchangeContext(ctx, msg, r.Server)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", r.Server, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("query %s: %s", r.Server, dns.RcodeToString[resp.Rcode])
	}

	var addrs []string
	for _, rr := range resp.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			addrs = append(addrs, rec.A.String())
		case *dns.AAAA:
			addrs = append(addrs, rec.AAAA.String())
		}
	}
	return addrs, nil
}
