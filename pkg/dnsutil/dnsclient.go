package dnsutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/yolkispalkis/proxyscout/pkg/common"
)

const (
	defaultResolvConf = "/etc/resolv.conf"
	maxCNAMEHops      = 8
)

// ClientResolver queries explicit name servers with miekg/dns instead of the system
// resolver. Servers are tried in order until one answers authoritatively.
type ClientResolver struct {
	client  *dns.Client
	servers []string
	timeout time.Duration
}

// NewClientResolver creates a resolver for the given servers ("host" or "host:port").
// With no servers the ones from /etc/resolv.conf are used.
func NewClientResolver(servers []string, timeout time.Duration) (*ClientResolver, error) {
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	if len(servers) == 0 {
		conf, err := dns.ClientConfigFromFile(defaultResolvConf)
		if err != nil {
			return nil, fmt.Errorf("no DNS servers configured and %s unreadable: %w", defaultResolvConf, err)
		}
		for _, s := range conf.Servers {
			servers = append(servers, net.JoinHostPort(s, conf.Port))
		}
	}

	normalized := make([]string, 0, len(servers))
	for _, s := range servers {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(strings.Trim(s, "[]"), "53")
		}
		normalized = append(normalized, s)
	}
	if len(normalized) == 0 {
		return nil, errors.New("no usable DNS servers")
	}

	slog.Debug("DNS client resolver configured", "servers", normalized, "timeout", timeout)
	return &ClientResolver{
		client:  &dns.Client{Net: "udp", Timeout: timeout},
		servers: normalized,
		timeout: timeout,
	}, nil
}

func (r *ClientResolver) LookupIPv4(ctx context.Context, host string) ([]net.IP, error) {
	if ip := parseIPv4(host); ip != nil {
		return []net.IP{ip}, nil
	}
	ctx, cancel := withLookupTimeout(ctx, r.timeout)
	defer cancel()

	name := dns.Fqdn(strings.ToLower(strings.TrimSpace(host)))
	var lastErr error
	for _, server := range r.servers {
		ips, err := r.query(ctx, server, name)
		if err == nil {
			return ips, nil
		}
		if errors.Is(err, common.ErrUnresolvedHost) {
			return nil, err
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		slog.Debug("DNS server failed, trying next", "server", server, "host", host, "error", err)
	}
	return nil, fmt.Errorf("lookup %s: %w", host, lastErr)
}

func (r *ClientResolver) query(ctx context.Context, server, name string) ([]net.IP, error) {
	target := name
	for hop := 0; hop < maxCNAMEHops; hop++ {
		msg := new(dns.Msg)
		msg.SetQuestion(target, dns.TypeA)
		msg.RecursionDesired = true

		resp, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			return nil, err
		}
		switch resp.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return nil, fmt.Errorf("%w: %s", common.ErrUnresolvedHost, strings.TrimSuffix(name, "."))
		default:
			return nil, fmt.Errorf("server %s answered %s", server, dns.RcodeToString[resp.Rcode])
		}

		var ips []net.IP
		var cname string
		for _, rr := range resp.Answer {
			switch v := rr.(type) {
			case *dns.A:
				ips = append(ips, v.A.To4())
			case *dns.CNAME:
				cname = v.Target
			}
		}
		if len(ips) > 0 {
			return ips, nil
		}
		if cname == "" {
			return nil, fmt.Errorf("%w: %s has no A record", common.ErrUnresolvedHost, strings.TrimSuffix(name, "."))
		}
		target = cname
	}
	return nil, fmt.Errorf("too many CNAME hops resolving %s", name)
}
