package dnsutil

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

const cacheCleanupInterval = 15 * time.Minute

// dnsCacheEntry stores resolved addresses and their expiry time.
type dnsCacheEntry struct {
	ips    []net.IP
	expiry time.Time
}

// CachingResolver keeps successful lookups for a fixed TTL. Failures are not cached so
// a recovering DNS server is noticed on the next call.
type CachingResolver struct {
	next     Resolver
	ttl      time.Duration
	now      func() time.Time
	mu       sync.RWMutex
	entries  map[string]dnsCacheEntry
	stopChan chan struct{}
	stopOnce sync.Once
}

func NewCachingResolver(next Resolver, ttl time.Duration) *CachingResolver {
	c := &CachingResolver{
		next:     next,
		ttl:      ttl,
		now:      time.Now,
		entries:  make(map[string]dnsCacheEntry),
		stopChan: make(chan struct{}),
	}
	go c.periodicCleanup(cacheCleanupInterval)
	return c
}

// Close stops the background cleanup goroutine.
func (c *CachingResolver) Close() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

func (c *CachingResolver) LookupIPv4(ctx context.Context, host string) ([]net.IP, error) {
	key := strings.ToLower(strings.TrimSpace(host))

	c.mu.RLock()
	entry, found := c.entries[key]
	c.mu.RUnlock()
	if found && c.now().Before(entry.expiry) {
		slog.Debug("DNS cache hit", "host", key)
		return entry.ips, nil
	}

	ips, err := c.next.LookupIPv4(ctx, host)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = dnsCacheEntry{ips: ips, expiry: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return ips, nil
}

func (c *CachingResolver) cleanup() {
	c.mu.Lock()
	now := c.now()
	cleaned := 0
	for host, entry := range c.entries {
		if now.After(entry.expiry) {
			delete(c.entries, host)
			cleaned++
		}
	}
	c.mu.Unlock()
	if cleaned > 0 {
		slog.Debug("Cleaned up expired DNS cache entries", "count", cleaned)
	}
}

func (c *CachingResolver) periodicCleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopChan:
			return
		}
	}
}
