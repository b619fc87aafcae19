// Package wpad locates a PAC script using Web Proxy Auto-Discovery.
package wpad

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/yolkispalkis/proxyscout/pkg/common"
	"github.com/yolkispalkis/proxyscout/pkg/dnsutil"
	"github.com/yolkispalkis/proxyscout/pkg/fetch"
)

const DefaultCandidateTimeout = 5 * time.Second

// Strategy is one way of finding a PAC URL. An empty URL with a nil error
// means the strategy found nothing.
type Strategy interface {
	Name() string
	Discover(ctx context.Context) (string, error)
}

// DHCPStrategy would read DHCP option 252. It is not implemented and always
// reports nothing found.
type DHCPStrategy struct{}

func (DHCPStrategy) Name() string { return "dhcp" }

func (DHCPStrategy) Discover(ctx context.Context) (string, error) {
	slog.Debug("WPAD DHCP discovery is not supported, skipping")
	return "", nil
}

// DNSStrategy guesses http://wpad.<suffix>/wpad.dat for each parent domain of
// the local host name.
type DNSStrategy struct {
	Hostname         dnsutil.HostnameProvider
	Fetcher          fetch.Fetcher
	CandidateTimeout time.Duration
}

func (DNSStrategy) Name() string { return "dns" }

// Candidates yields the WPAD URLs to try for fqdn, most specific first, by
// stripping one leading label at a time. Suffixes with fewer than two labels
// are never used.
func Candidates(fqdn string) iter.Seq[string] {
	return func(yield func(string) bool) {
		suffix := strings.ToLower(strings.Trim(strings.TrimSpace(fqdn), "."))
		for {
			dot := strings.IndexByte(suffix, '.')
			if dot < 0 {
				return
			}
			suffix = suffix[dot+1:]
			if !strings.Contains(suffix, ".") {
				return
			}
			if !yield("http://wpad." + suffix + "/wpad.dat") {
				return
			}
		}
	}
}

func (d *DNSStrategy) Discover(ctx context.Context) (string, error) {
	if d.Hostname == nil || d.Fetcher == nil {
		return "", fmt.Errorf("%w: DNS strategy is missing a hostname provider or fetcher", common.ErrDiscovery)
	}
	fqdn, err := d.Hostname.FQDN(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: failed to determine local host name: %w", common.ErrDiscovery, err)
	}
	slog.Debug("WPAD DNS discovery started", "fqdn", fqdn)

	timeout := d.CandidateTimeout
	if timeout <= 0 {
		timeout = DefaultCandidateTimeout
	}
	for candidate := range Candidates(fqdn) {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if d.probe(ctx, candidate, timeout) {
			slog.Info("WPAD PAC script found", "url", candidate)
			return candidate, nil
		}
	}
	slog.Info("WPAD DNS discovery found no PAC script", "fqdn", fqdn)
	return "", nil
}

func (d *DNSStrategy) probe(ctx context.Context, candidate string, timeout time.Duration) bool {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	slog.Debug("Trying WPAD candidate", "url", candidate)
	resp, err := d.Fetcher.Get(cctx, candidate)
	switch {
	case err == nil && resp.StatusCode == http.StatusOK:
		return true
	case err == nil:
		slog.Debug("WPAD candidate rejected", "url", candidate, "status", resp.StatusCode)
	case errors.Is(err, common.ErrUnresolvedHost):
		slog.Debug("WPAD candidate host does not resolve", "url", candidate)
	default:
		slog.Warn("WPAD candidate failed", "url", candidate, "error", err)
	}
	return false
}

// Discoverer runs strategies in order and returns the first URL found.
type Discoverer struct {
	strategies []Strategy
}

func NewDiscoverer(strategies ...Strategy) *Discoverer {
	return &Discoverer{strategies: strategies}
}

// Discover returns "" when no strategy finds a PAC URL. A strategy error
// does not stop later strategies, but is returned if none succeeds.
func (d *Discoverer) Discover(ctx context.Context) (string, error) {
	var firstErr error
	for _, s := range d.strategies {
		found, err := s.Discover(ctx)
		if err != nil {
			slog.Error("WPAD strategy failed", "strategy", s.Name(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if found != "" {
			return found, nil
		}
	}
	return "", firstErr
}
