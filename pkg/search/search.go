// Package search builds the selector tree for a configuration: fixed
// proxies, an explicit PAC URL, WPAD discovery or environment settings.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/juju/clock"

	"github.com/yolkispalkis/proxyscout/pkg/common"
	"github.com/yolkispalkis/proxyscout/pkg/config"
	"github.com/yolkispalkis/proxyscout/pkg/dnsutil"
	"github.com/yolkispalkis/proxyscout/pkg/fetch"
	"github.com/yolkispalkis/proxyscout/pkg/kerb"
	"github.com/yolkispalkis/proxyscout/pkg/pac"
	"github.com/yolkispalkis/proxyscout/pkg/selector"
	"github.com/yolkispalkis/proxyscout/pkg/wpad"
)

// ErrScriptEngineUnavailable is returned when PAC support is required but
// the script engine cannot run.
var ErrScriptEngineUnavailable = errors.New("PAC script engine unavailable")

// Tree is a built selector tree together with the resources it owns.
type Tree struct {
	Selector selector.Selector
	// Pac is the PAC selector inside the tree, or nil.
	Pac *selector.Pac
	// Mode is the mode that produced the tree; for auto it is the mode that won.
	Mode string

	fetcher  fetch.Fetcher
	resolver dnsutil.Resolver

	closeOnce sync.Once
	closers   []func()
	cancel    context.CancelFunc
}

// Close stops the background refresher and releases resolver and Kerberos resources.
func (t *Tree) Close() {
	t.closeOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		for i := len(t.closers) - 1; i >= 0; i-- {
			t.closers[i]()
		}
	})
}

// Builder assembles a Tree. Nil fields are built from the configuration.
type Builder struct {
	Fetcher   fetch.Fetcher
	Resolver  dnsutil.Resolver
	Hostname  dnsutil.HostnameProvider
	Env       SettingsProvider
	Clock     clock.Clock
	Discovery *wpad.Discoverer
	// ProbeEngine defaults to pac.ProbeEngine.
	ProbeEngine func() error
}

// Build uses a zero Builder.
func Build(ctx context.Context, cfg *config.Config) (*Tree, error) {
	return (&Builder{}).Build(ctx, cfg)
}

// Build creates the selector tree for cfg. Configuration errors are returned
// immediately; an unreachable PAC script or an unsuccessful discovery is not
// an error and degrades to DIRECT. The background refresher, if configured,
// runs until ctx is done or the tree is closed.
func (b *Builder) Build(ctx context.Context, cfg *config.Config) (*Tree, error) {
	if cfg == nil {
		return nil, errors.New("nil configuration")
	}
	tree := &Tree{Mode: cfg.Proxy.Mode}
	ok := false
	defer func() {
		if !ok {
			tree.Close()
		}
	}()

	slog.Info("Building proxy selector", "mode", cfg.Proxy.Mode, "pac_url", cfg.Proxy.PacURL, "script_engine", cfg.Proxy.ScriptEngine)

	var err error
	switch cfg.Proxy.Mode {
	case config.ModeNone:
		tree.Selector = selector.Direct{}
	case config.ModeFixed:
		err = b.buildFixed(tree, cfg)
	case config.ModeEnv:
		err = b.buildEnv(ctx, tree)
	case config.ModePAC:
		if err = b.requireEngine(cfg); err == nil {
			err = b.buildPac(ctx, tree, cfg, cfg.Proxy.PacURL)
		}
	case config.ModeWPAD:
		if err = b.requireEngine(cfg); err == nil {
			err = b.buildWPAD(ctx, tree, cfg)
		}
	case config.ModeAuto:
		err = b.buildAuto(ctx, tree, cfg)
	default:
		err = fmt.Errorf("unknown proxy mode: %s", cfg.Proxy.Mode)
	}
	if err != nil {
		return nil, err
	}
	if tree.Selector == nil {
		slog.Info("No proxy configuration found, connections will be DIRECT", "mode", cfg.Proxy.Mode)
		tree.Selector = selector.Direct{}
	}

	if tree.Pac != nil && cfg.Proxy.PacRefreshInterval > 0 {
		refreshCtx, cancel := context.WithCancel(ctx)
		tree.cancel = cancel
		go tree.Pac.RunRefresher(refreshCtx, cfg.Proxy.PacRefreshInterval)
	}
	ok = true
	return tree, nil
}

func (b *Builder) buildFixed(tree *Tree, cfg *config.Config) error {
	s, err := SelectorForSettings(&Settings{Protocols: cfg.Proxy.Protocols, All: cfg.Proxy.Fixed})
	if err != nil {
		return fmt.Errorf("invalid fixed proxy configuration: %w", err)
	}
	tree.Selector = s
	return nil
}

func (b *Builder) buildEnv(ctx context.Context, tree *Tree) error {
	provider := b.Env
	if provider == nil {
		provider = EnvSettingsProvider{}
	}
	settings, err := provider.ProxySettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to read proxy environment: %w", err)
	}
	s, err := SelectorForSettings(settings)
	if err != nil {
		return fmt.Errorf("invalid proxy environment: %w", err)
	}
	tree.Selector = s
	return nil
}

// buildAuto tries the environment first, then WPAD when a script engine is available.
// A malformed environment setting yields no selector rather than an error.
func (b *Builder) buildAuto(ctx context.Context, tree *Tree, cfg *config.Config) error {
	if err := b.buildEnv(ctx, tree); err != nil {
		var cpe *common.ConfigParseError
		if !errors.As(err, &cpe) {
			return err
		}
		slog.Warn("Ignoring invalid proxy environment variable", "error", err)
		tree.Selector = nil
	}
	if tree.Selector != nil {
		tree.Mode = config.ModeEnv
		return nil
	}
	if !b.engineAvailable(cfg) {
		slog.Warn("Skipping WPAD discovery, no PAC script engine available")
		return nil
	}
	tree.Mode = config.ModeWPAD
	return b.buildWPAD(ctx, tree, cfg)
}

func (b *Builder) buildWPAD(ctx context.Context, tree *Tree, cfg *config.Config) error {
	discoverer := b.Discovery
	if discoverer == nil {
		fetcher := b.Fetcher
		if fetcher == nil {
			fetcher = NewProbeFetcher(cfg)
		}
		var strategies []wpad.Strategy
		if cfg.WPAD.DHCP {
			strategies = append(strategies, wpad.DHCPStrategy{})
		}
		strategies = append(strategies, &wpad.DNSStrategy{
			Hostname:         b.hostname(cfg),
			Fetcher:          fetcher,
			CandidateTimeout: cfg.WPAD.CandidateTimeout,
		})
		discoverer = wpad.NewDiscoverer(strategies...)
	}

	pacURL, err := discoverer.Discover(ctx)
	if err != nil {
		slog.Warn("WPAD discovery failed", "error", err)
	}
	if pacURL == "" {
		return nil
	}

	p, err := b.newPac(tree, cfg, pacURL)
	if err != nil {
		return err
	}
	// A discovered script that does not work is treated like no discovery.
	if p = PacSelectorForURL(ctx, p); p == nil {
		return nil
	}
	tree.Pac = p
	tree.Selector = selector.NewPacFallback(p)
	return nil
}

// PacSelectorForURL initializes p and returns it, or nil when the script
// cannot be fetched or fails its trial evaluation.
func PacSelectorForURL(ctx context.Context, p *selector.Pac) *selector.Pac {
	if p.Init(ctx) != pac.StateValid {
		slog.Warn("PAC script is not usable", "url", p.Source().URL(), "error", p.Source().Err())
		return nil
	}
	return p
}

// buildPac keeps an explicitly configured script even when it is not usable
// yet, so that a later refresh can recover it.
func (b *Builder) buildPac(ctx context.Context, tree *Tree, cfg *config.Config, pacURL string) error {
	p, err := b.newPac(tree, cfg, pacURL)
	if err != nil {
		return err
	}
	if p.Init(ctx) != pac.StateValid {
		slog.Warn("PAC script not usable yet, selections stay DIRECT until a refresh succeeds", "url", pacURL, "error", p.Source().Err())
	}
	tree.Pac = p
	tree.Selector = selector.NewPacFallback(p)
	return nil
}

func (b *Builder) newPac(tree *Tree, cfg *config.Config, pacURL string) (*selector.Pac, error) {
	fetcher, err := b.fetcher(tree, cfg)
	if err != nil {
		return nil, err
	}
	resolver, err := b.resolver(tree, cfg)
	if err != nil {
		return nil, err
	}
	clk := b.clock()
	engine := pac.NewEngine(pac.EngineOptions{
		Resolver:      resolver,
		LookupTimeout: cfg.DNS.Timeout,
		Timeout:       cfg.Proxy.PacExecutionTimeout,
	})
	source := pac.NewSource(pacURL, fetcher, clk.Now)
	return selector.NewPac(source, engine, selector.PacOptions{
		Clock:            clk,
		FailureThreshold: cfg.Proxy.PacFailureThreshold,
	}), nil
}

func (b *Builder) clock() clock.Clock {
	if b.Clock != nil {
		return b.Clock
	}
	return clock.WallClock
}

func (b *Builder) requireEngine(cfg *config.Config) error {
	if !b.engineAvailable(cfg) {
		return fmt.Errorf("%w: proxy mode %s needs it", ErrScriptEngineUnavailable, cfg.Proxy.Mode)
	}
	return nil
}

func (b *Builder) engineAvailable(cfg *config.Config) bool {
	if cfg.Proxy.ScriptEngine == config.ScriptEngineNone {
		return false
	}
	probe := b.ProbeEngine
	if probe == nil {
		probe = pac.ProbeEngine
	}
	if err := probe(); err != nil {
		slog.Error("PAC script engine probe failed", "error", err)
		return false
	}
	return true
}

// fetcher is shared by the PAC downloads of one tree.
func (b *Builder) fetcher(tree *Tree, cfg *config.Config) (fetch.Fetcher, error) {
	if b.Fetcher != nil {
		return b.Fetcher, nil
	}
	if tree.fetcher == nil {
		f, closeFn := NewFetcher(cfg)
		tree.closers = append(tree.closers, closeFn)
		tree.fetcher = f
	}
	return tree.fetcher, nil
}

func (b *Builder) resolver(tree *Tree, cfg *config.Config) (dnsutil.Resolver, error) {
	if b.Resolver != nil {
		return b.Resolver, nil
	}
	if tree.resolver == nil {
		r, closeFn, err := NewResolver(cfg)
		if err != nil {
			return nil, err
		}
		tree.closers = append(tree.closers, closeFn)
		tree.resolver = r
	}
	return tree.resolver, nil
}

// NewFetcher returns the proxy-less fetcher for PAC downloads,
// authenticating with Kerberos when enabled. closeFn releases the ticket cache.
func NewFetcher(cfg *config.Config) (f fetch.Fetcher, closeFn func()) {
	closeFn = func() {}
	opts := fetch.Options{
		Timeout: cfg.Proxy.FetchTimeout,
		Retries: cfg.Proxy.FetchRetries,
		Charset: cfg.Proxy.PacCharset,
	}
	if cfg.Kerberos.Enabled {
		kc := kerb.NewClient(cfg.Kerberos.Krb5Conf)
		closeFn = kc.Close
		opts.WrapTransport = kerb.Wrap(kc, cfg.Kerberos.SPN)
	}
	return fetch.NewHTTPFetcher(opts), closeFn
}

// NewProbeFetcher returns the fetcher for WPAD candidates. A candidate gets
// one request bounded by wpad.candidate_timeout; failures are never retried.
func NewProbeFetcher(cfg *config.Config) fetch.Fetcher {
	return fetch.NewHTTPFetcher(fetch.Options{
		Timeout: cfg.WPAD.CandidateTimeout,
		Retries: 0,
		Charset: cfg.Proxy.PacCharset,
	})
}

// NewResolver chains explicit or system lookups with caching and rate
// limiting. closeFn stops the cache cleanup.
func NewResolver(cfg *config.Config) (r dnsutil.Resolver, closeFn func(), err error) {
	closeFn = func() {}
	if len(cfg.DNS.Nameservers) > 0 {
		cr, err := dnsutil.NewClientResolver(cfg.DNS.Nameservers, cfg.DNS.Timeout)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid dns configuration: %w", err)
		}
		r = cr
	} else {
		r = dnsutil.NewSystemResolver(cfg.DNS.Timeout)
	}
	if cfg.DNS.CacheTTL > 0 {
		cache := dnsutil.NewCachingResolver(r, cfg.DNS.CacheTTL)
		closeFn = cache.Close
		r = cache
	}
	if cfg.DNS.QueriesPerSecond > 0 {
		r = dnsutil.NewRateLimitedResolver(r, cfg.DNS.QueriesPerSecond, cfg.DNS.Burst)
	}
	return r, closeFn, nil
}

func (b *Builder) hostname(cfg *config.Config) dnsutil.HostnameProvider {
	if b.Hostname != nil {
		return b.Hostname
	}
	if cfg.WPAD.Hostname != "" {
		return dnsutil.StaticHostname(cfg.WPAD.Hostname)
	}
	return &dnsutil.SystemHostname{Timeout: cfg.DNS.Timeout}
}
