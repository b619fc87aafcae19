package dnsutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/yolkispalkis/proxyscout/pkg/common"
)

// DefaultLookupTimeout bounds a single lookup when the caller's context carries no deadline.
const DefaultLookupTimeout = 2 * time.Second

// Resolver resolves host names to IPv4 addresses.
type Resolver interface {
	LookupIPv4(ctx context.Context, host string) ([]net.IP, error)
}

// HostnameProvider yields the fully qualified name of the local machine.
type HostnameProvider interface {
	FQDN(ctx context.Context) (string, error)
}

// ResolverFunc adapts a plain function to the Resolver interface.
type ResolverFunc func(ctx context.Context, host string) ([]net.IP, error)

func (f ResolverFunc) LookupIPv4(ctx context.Context, host string) ([]net.IP, error) {
	return f(ctx, host)
}

// SystemResolver uses the Go resolver (and thus the host's resolv.conf / nsswitch setup).
type SystemResolver struct {
	Resolver *net.Resolver
	Timeout  time.Duration
}

func NewSystemResolver(timeout time.Duration) *SystemResolver {
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	return &SystemResolver{Resolver: net.DefaultResolver, Timeout: timeout}
}

func (r *SystemResolver) LookupIPv4(ctx context.Context, host string) ([]net.IP, error) {
	if ip := parseIPv4(host); ip != nil {
		return []net.IP{ip}, nil
	}
	ctx, cancel := withLookupTimeout(ctx, r.Timeout)
	defer cancel()

	addrs, err := r.Resolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, fmt.Errorf("%w: %s", common.ErrUnresolvedHost, host)
		}
		return nil, fmt.Errorf("lookup %s: %w", host, err)
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, ip := range addrs {
		if ip4 := ip.To4(); ip4 != nil {
			ips = append(ips, ip4)
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%w: %s has no IPv4 address", common.ErrUnresolvedHost, host)
	}
	return ips, nil
}

// SystemHostname resolves the local FQDN the way most platforms do: the kernel host
// name must resolve, then its canonical name is preferred when one is available.
type SystemHostname struct {
	Resolver *net.Resolver
	Timeout  time.Duration
	// Hostname overrides os.Hostname, mainly for tests.
	Hostname func() (string, error)
}

func (h *SystemHostname) FQDN(ctx context.Context) (string, error) {
	hostnameFn := h.Hostname
	if hostnameFn == nil {
		hostnameFn = os.Hostname
	}
	name, err := hostnameFn()
	if err != nil {
		return "", fmt.Errorf("failed to read local host name: %w", err)
	}
	name = strings.TrimSuffix(strings.TrimSpace(name), ".")
	if name == "" {
		return "", errors.New("local host name is empty")
	}

	resolver := h.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	ctx, cancel := withLookupTimeout(ctx, h.Timeout)
	defer cancel()

	if _, err := resolver.LookupHost(ctx, name); err != nil {
		return "", fmt.Errorf("local host name %s does not resolve: %w", name, err)
	}

	cname, err := resolver.LookupCNAME(ctx, name)
	if err != nil || cname == "" {
		slog.Debug("No canonical name for local host, using host name as is", "hostname", name, "error", err)
		return name, nil
	}
	return strings.TrimSuffix(cname, "."), nil
}

// StaticHostname always returns the configured name.
type StaticHostname string

func (s StaticHostname) FQDN(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("static host name is empty")
	}
	return string(s), nil
}

// FirstIPv4 returns the first resolved address as a dotted string, or "" on failure.
func FirstIPv4(ctx context.Context, r Resolver, host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}
	ips, err := r.LookupIPv4(ctx, host)
	if err != nil || len(ips) == 0 {
		slog.Debug("DNS lookup failed", "host", host, "error", err)
		return ""
	}
	return ips[0].String()
}

func parseIPv4(host string) net.IP {
	ip := net.ParseIP(strings.TrimSpace(host))
	if ip == nil {
		return nil
	}
	return ip.To4()
}

func withLookupTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
