package dnsutil

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/time/rate"
)

// RateLimitedResolver caps the lookup rate generated by PAC built-ins.
type RateLimitedResolver struct {
	next    Resolver
	limiter *rate.Limiter
}

func NewRateLimitedResolver(next Resolver, perSecond float64, burst int) *RateLimitedResolver {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedResolver{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (r *RateLimitedResolver) LookupIPv4(ctx context.Context, host string) ([]net.IP, error) {
	if ip := parseIPv4(host); ip != nil {
		return []net.IP{ip}, nil
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("dns rate limit for %s: %w", host, err)
	}
	return r.next.LookupIPv4(ctx, host)
}
