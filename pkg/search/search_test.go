package search

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/juju/clock/testclock"

	"github.com/yolkispalkis/proxyscout/pkg/common"
	"github.com/yolkispalkis/proxyscout/pkg/config"
	"github.com/yolkispalkis/proxyscout/pkg/dnsutil"
	"github.com/yolkispalkis/proxyscout/pkg/fetch"
	"github.com/yolkispalkis/proxyscout/pkg/pac"
	"github.com/yolkispalkis/proxyscout/pkg/proxy"
	"github.com/yolkispalkis/proxyscout/pkg/selector"
	"github.com/yolkispalkis/proxyscout/pkg/wpad"
)

const pacBody = `function FindProxyForURL(url, host) {
	if (isInNet(dnsResolve(host), "10.0.0.0", "255.0.0.0")) return "DIRECT";
	return "PROXY proxy.example.com:8080; DIRECT";
}`

// siteFetcher serves fixed bodies by URL; anything else does not resolve.
type siteFetcher struct {
	mu    sync.Mutex
	sites map[string]string
	gets  []string
}

func (f *siteFetcher) Get(ctx context.Context, rawURL string) (*fetch.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets = append(f.gets, rawURL)
	body, ok := f.sites[rawURL]
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrUnresolvedHost, rawURL)
	}
	return &fetch.Response{StatusCode: http.StatusOK, Body: []byte(body), FinalURL: rawURL}, nil
}

func (f *siteFetcher) requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.gets...)
}

var zone = dnsutil.ResolverFunc(func(ctx context.Context, host string) ([]net.IP, error) {
	switch host {
	case "intranet.example.com":
		return []net.IP{net.ParseIP("10.1.2.3").To4()}, nil
	case "www.example.org":
		return []net.IP{net.ParseIP("93.184.216.34").To4()}, nil
	}
	return nil, fmt.Errorf("%w: %s", common.ErrUnresolvedHost, host)
})

func testConfig(mode string) *config.Config {
	return &config.Config{
		Proxy: config.ProxyConfig{
			Mode:                mode,
			PacExecutionTimeout: time.Second,
			PacFailureThreshold: 3,
			ScriptEngine:        config.ScriptEngineAuto,
			FetchTimeout:        time.Second,
		},
		WPAD: config.WPADConfig{CandidateTimeout: time.Second, DHCP: true},
		DNS:  config.DNSConfig{Timeout: time.Second},
	}
}

func envMap(m map[string]string) EnvSettingsProvider {
	return EnvSettingsProvider{Getenv: func(k string) string { return m[k] }}
}

func newTestBuilder(f *siteFetcher, env map[string]string) *Builder {
	return &Builder{
		Fetcher:     f,
		Resolver:    zone,
		Hostname:    dnsutil.StaticHostname("host1.sales.example.com"),
		Env:         envMap(env),
		Clock:       testclock.NewClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)),
		ProbeEngine: func() error { return nil },
	}
}

func selectFor(t *testing.T, tree *Tree, raw string) proxy.List {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return selector.Resolve(context.Background(), tree.Selector, u)
}

func TestBuildNone(t *testing.T) {
	tree, err := newTestBuilder(&siteFetcher{}, nil).Build(context.Background(), testConfig(config.ModeNone))
	if err != nil {
		t.Fatal(err)
	}
	defer tree.Close()
	if got := selectFor(t, tree, "http://www.example.org/"); !got.IsDirect() {
		t.Errorf("select = %v, want DIRECT", got)
	}
}

func TestBuildFixed(t *testing.T) {
	cfg := testConfig(config.ModeFixed)
	cfg.Proxy.Fixed = "proxy.example.com:3128"
	cfg.Proxy.Protocols = map[string]string{"https": "https://secure.example.com:8443"}

	tree, err := newTestBuilder(&siteFetcher{}, nil).Build(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer tree.Close()

	tests := []struct {
		url  string
		want proxy.Descriptor
	}{
		{"http://www.example.org/", proxy.NewDescriptor(proxy.KindHTTP, "proxy.example.com", 3128)},
		{"ftp://files.example.org/", proxy.NewDescriptor(proxy.KindHTTP, "proxy.example.com", 3128)},
		{"https://www.example.org/", proxy.NewDescriptor(proxy.KindHTTPS, "secure.example.com", 8443)},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(proxy.List{tt.want}, selectFor(t, tree, tt.url)); diff != "" {
			t.Errorf("select(%s) mismatch (-want +got):\n%s", tt.url, diff)
		}
	}
}

func TestBuildFixedInvalid(t *testing.T) {
	cfg := testConfig(config.ModeFixed)
	cfg.Proxy.Fixed = "proxy.example.com:notaport"

	_, err := newTestBuilder(&siteFetcher{}, nil).Build(context.Background(), cfg)
	var cpe *common.ConfigParseError
	if !errors.As(err, &cpe) {
		t.Errorf("Build error = %v, want ConfigParseError", err)
	}
}

func TestBuildEnv(t *testing.T) {
	env := map[string]string{
		"http_proxy":  "http://lower.example.com:3128",
		"HTTP_PROXY":  "http://upper.example.com:3128",
		"HTTPS_PROXY": "upper-tls.example.com:8443",
	}
	tree, err := newTestBuilder(&siteFetcher{}, env).Build(context.Background(), testConfig(config.ModeEnv))
	if err != nil {
		t.Fatal(err)
	}
	defer tree.Close()

	if got := selectFor(t, tree, "http://www.example.org/").First(); got.Host != "lower.example.com" {
		t.Errorf("http proxy = %v, want lower-case variable to win", got)
	}
	if got := selectFor(t, tree, "https://www.example.org/").First(); got.Host != "upper-tls.example.com" || got.Port != 8443 {
		t.Errorf("https proxy = %v", got)
	}
	if got := selectFor(t, tree, "ftp://files.example.org/"); !got.IsDirect() {
		t.Errorf("ftp = %v, want DIRECT", got)
	}
}

func TestBuildPac(t *testing.T) {
	f := &siteFetcher{sites: map[string]string{"http://config.example.com/proxy.pac": pacBody}}
	cfg := testConfig(config.ModePAC)
	cfg.Proxy.PacURL = "http://config.example.com/proxy.pac"

	tree, err := newTestBuilder(f, nil).Build(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer tree.Close()

	if tree.Pac == nil || tree.Pac.State() != pac.StateValid {
		t.Fatalf("PAC selector not ready: %+v", tree.Pac)
	}
	want := proxy.List{proxy.NewDescriptor(proxy.KindHTTP, "proxy.example.com", 8080), proxy.Direct}
	if diff := cmp.Diff(want, selectFor(t, tree, "http://www.example.org/")); diff != "" {
		t.Errorf("external mismatch (-want +got):\n%s", diff)
	}
	// DIRECT answers of the script are kept even after a proxied request.
	if got := selectFor(t, tree, "http://intranet.example.com/"); !got.IsDirect() {
		t.Errorf("intranet = %v, want DIRECT", got)
	}
}

func TestBuildPacInvalidFailsOpen(t *testing.T) {
	const pacURL = "http://config.example.com/proxy.pac"
	f := &siteFetcher{sites: map[string]string{pacURL: pacBody}}
	cfg := testConfig(config.ModePAC)
	cfg.Proxy.PacURL = pacURL

	tree, err := newTestBuilder(f, nil).Build(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer tree.Close()

	if got := selectFor(t, tree, "http://www.example.org/").First(); got.Host != "proxy.example.com" {
		t.Fatalf("select = %v, want the script's proxy", got)
	}

	f.mu.Lock()
	delete(f.sites, pacURL)
	f.mu.Unlock()
	if tree.Pac.Refresh(context.Background()) {
		t.Fatal("Refresh() = true for a removed script")
	}
	if tree.Pac.State() != pac.StateInvalid {
		t.Fatalf("state = %s, want INVALID", tree.Pac.State())
	}
	if got := selectFor(t, tree, "http://www.example.org/"); !got.IsDirect() {
		t.Errorf("select while INVALID = %v, want DIRECT", got)
	}
}

func TestBuildPacUnreachableKeepsSelector(t *testing.T) {
	cfg := testConfig(config.ModePAC)
	cfg.Proxy.PacURL = "http://config.example.com/missing.pac"

	tree, err := newTestBuilder(&siteFetcher{}, nil).Build(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer tree.Close()

	if tree.Pac == nil || tree.Pac.State() != pac.StateInvalid {
		t.Fatalf("want an INVALID PAC selector, got %+v", tree.Pac)
	}
	if got := selectFor(t, tree, "http://www.example.org/"); !got.IsDirect() {
		t.Errorf("select = %v, want DIRECT", got)
	}
}

func TestBuildWPAD(t *testing.T) {
	f := &siteFetcher{sites: map[string]string{"http://wpad.example.com/wpad.dat": pacBody}}
	tree, err := newTestBuilder(f, nil).Build(context.Background(), testConfig(config.ModeWPAD))
	if err != nil {
		t.Fatal(err)
	}
	defer tree.Close()

	wantGets := []string{
		"http://wpad.sales.example.com/wpad.dat",
		"http://wpad.example.com/wpad.dat",
		"http://wpad.example.com/wpad.dat",
	}
	if diff := cmp.Diff(wantGets, f.requests()); diff != "" {
		t.Errorf("requests mismatch (-want +got):\n%s", diff)
	}
	if tree.Pac == nil || tree.Pac.Source().URL() != "http://wpad.example.com/wpad.dat" {
		t.Fatalf("PAC selector = %+v", tree.Pac)
	}
	if got := selectFor(t, tree, "http://www.example.org/").First(); got.Host != "proxy.example.com" {
		t.Errorf("select = %v", got)
	}
}

func TestBuildWPADBrokenScriptIsIgnored(t *testing.T) {
	f := &siteFetcher{sites: map[string]string{"http://wpad.example.com/wpad.dat": "<html>not a script</html>"}}
	tree, err := newTestBuilder(f, nil).Build(context.Background(), testConfig(config.ModeWPAD))
	if err != nil {
		t.Fatal(err)
	}
	defer tree.Close()
	if tree.Pac != nil {
		t.Errorf("broken discovered script must not be used")
	}
	if got := selectFor(t, tree, "http://www.example.org/"); !got.IsDirect() {
		t.Errorf("select = %v, want DIRECT", got)
	}
}

func TestBuildAuto(t *testing.T) {
	t.Run("environment wins", func(t *testing.T) {
		f := &siteFetcher{sites: map[string]string{"http://wpad.example.com/wpad.dat": pacBody}}
		tree, err := newTestBuilder(f, map[string]string{"all_proxy": "socks5://socks.example.com:1080"}).
			Build(context.Background(), testConfig(config.ModeAuto))
		if err != nil {
			t.Fatal(err)
		}
		defer tree.Close()
		if tree.Mode != config.ModeEnv || len(f.requests()) != 0 {
			t.Errorf("mode = %s, requests = %v", tree.Mode, f.requests())
		}
		if got := selectFor(t, tree, "http://www.example.org/").First(); got.Kind != proxy.KindSOCKS {
			t.Errorf("select = %v, want SOCKS", got)
		}
	})

	t.Run("wpad next", func(t *testing.T) {
		f := &siteFetcher{sites: map[string]string{"http://wpad.example.com/wpad.dat": pacBody}}
		tree, err := newTestBuilder(f, nil).Build(context.Background(), testConfig(config.ModeAuto))
		if err != nil {
			t.Fatal(err)
		}
		defer tree.Close()
		if tree.Mode != config.ModeWPAD || tree.Pac == nil {
			t.Errorf("mode = %s, pac = %v", tree.Mode, tree.Pac)
		}
	})

	t.Run("malformed environment falls through to wpad", func(t *testing.T) {
		f := &siteFetcher{sites: map[string]string{"http://wpad.example.com/wpad.dat": pacBody}}
		tree, err := newTestBuilder(f, map[string]string{"http_proxy": "proxy.example.com:99999"}).
			Build(context.Background(), testConfig(config.ModeAuto))
		if err != nil {
			t.Fatal(err)
		}
		defer tree.Close()
		if tree.Mode != config.ModeWPAD || tree.Pac == nil {
			t.Errorf("mode = %s, pac = %v", tree.Mode, tree.Pac)
		}
	})

	t.Run("nothing found", func(t *testing.T) {
		tree, err := newTestBuilder(&siteFetcher{}, nil).Build(context.Background(), testConfig(config.ModeAuto))
		if err != nil {
			t.Fatal(err)
		}
		defer tree.Close()
		if got := selectFor(t, tree, "http://www.example.org/"); !got.IsDirect() {
			t.Errorf("select = %v, want DIRECT", got)
		}
	})
}

func TestBuildWithoutScriptEngine(t *testing.T) {
	probeErr := errors.New("runtime missing")

	cfg := testConfig(config.ModePAC)
	cfg.Proxy.PacURL = "http://config.example.com/proxy.pac"
	b := newTestBuilder(&siteFetcher{}, nil)
	b.ProbeEngine = func() error { return probeErr }
	if _, err := b.Build(context.Background(), cfg); !errors.Is(err, ErrScriptEngineUnavailable) {
		t.Errorf("pac mode error = %v, want ErrScriptEngineUnavailable", err)
	}

	f := &siteFetcher{sites: map[string]string{"http://wpad.example.com/wpad.dat": pacBody}}
	b = newTestBuilder(f, nil)
	b.ProbeEngine = func() error { return probeErr }
	tree, err := b.Build(context.Background(), testConfig(config.ModeAuto))
	if err != nil {
		t.Fatal(err)
	}
	defer tree.Close()
	if tree.Pac != nil || len(f.requests()) != 0 {
		t.Errorf("auto mode must skip WPAD without an engine, requests = %v", f.requests())
	}
}

func TestBuildStartsRefresher(t *testing.T) {
	f := &siteFetcher{sites: map[string]string{"http://config.example.com/proxy.pac": pacBody}}
	cfg := testConfig(config.ModePAC)
	cfg.Proxy.PacURL = "http://config.example.com/proxy.pac"
	cfg.Proxy.PacRefreshInterval = time.Hour

	b := newTestBuilder(f, nil)
	clk := testclock.NewClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	b.Clock = clk
	tree, err := b.Build(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer tree.Close()

	if err := clk.WaitAdvance(time.Hour, time.Second, 1); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(f.requests()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := len(f.requests()); n != 2 {
		t.Errorf("script fetched %d times, want 2", n)
	}
}

func TestBuildEnvMalformedIsAnError(t *testing.T) {
	_, err := newTestBuilder(&siteFetcher{}, map[string]string{"http_proxy": "proxy.example.com:99999"}).
		Build(context.Background(), testConfig(config.ModeEnv))
	var cpe *common.ConfigParseError
	if !errors.As(err, &cpe) {
		t.Errorf("Build error = %v, want ConfigParseError", err)
	}
}

// rewriteFetcher sends every request to a test server, keeping the path.
type rewriteFetcher struct {
	next fetch.Fetcher
	base string
}

func (f rewriteFetcher) Get(ctx context.Context, rawURL string) (*fetch.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return f.next.Get(ctx, f.base+u.Path)
}

func TestProbeFetcherDoesNotRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig(config.ModeWPAD)
	cfg.Proxy.FetchRetries = 2
	s := &wpad.DNSStrategy{
		Hostname:         dnsutil.StaticHostname("host1.example.com"),
		Fetcher:          rewriteFetcher{next: NewProbeFetcher(cfg), base: srv.URL},
		CandidateTimeout: cfg.WPAD.CandidateTimeout,
	}
	got, err := s.Discover(context.Background())
	if err != nil || got != "" {
		t.Errorf("Discover() = %q, %v; want nothing found", got, err)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("candidate requested %d times, want 1", n)
	}
}

func TestEnvSettingsProvider(t *testing.T) {
	p := envMap(map[string]string{
		"FTP_PROXY": "ftp-proxy.example.com:2121",
		"all_proxy": "  ",
		"ALL_PROXY": "fallback.example.com",
	})
	got, err := p.ProxySettings(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := &Settings{
		Protocols: map[string]string{"ftp": "ftp-proxy.example.com:2121"},
		All:       "fallback.example.com",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("settings mismatch (-want +got):\n%s", diff)
	}

	empty, _ := envMap(nil).ProxySettings(context.Background())
	if !empty.Empty() {
		t.Errorf("no variables should yield empty settings: %+v", empty)
	}
	if s, err := SelectorForSettings(empty); s != nil || err != nil {
		t.Errorf("SelectorForSettings(empty) = %v, %v", s, err)
	}
}

func TestNewResolverChain(t *testing.T) {
	cfg := testConfig(config.ModePAC)
	cfg.DNS.Nameservers = []string{"127.0.0.1:5353"}
	cfg.DNS.CacheTTL = time.Minute
	cfg.DNS.QueriesPerSecond = 10
	cfg.DNS.Burst = 5

	r, closeFn, err := NewResolver(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()
	if _, ok := r.(*dnsutil.RateLimitedResolver); !ok {
		t.Errorf("outermost resolver = %T, want *dnsutil.RateLimitedResolver", r)
	}

	cfg.DNS.Nameservers = []string{" "}
	if _, _, err := NewResolver(cfg); err == nil {
		t.Error("blank name server list accepted")
	}

	cfg.DNS.Nameservers = nil
	cfg.DNS.CacheTTL = 0
	cfg.DNS.QueriesPerSecond = 0
	r, closeFn, err = NewResolver(cfg)
	if err != nil {
		t.Fatal(err)
	}
	closeFn()
	if _, ok := r.(*dnsutil.SystemResolver); !ok {
		t.Errorf("resolver = %T, want *dnsutil.SystemResolver", r)
	}
}
