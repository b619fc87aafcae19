package selector

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/juju/clock/testclock"

	"github.com/yolkispalkis/proxyscout/pkg/common"
	"github.com/yolkispalkis/proxyscout/pkg/fetch"
	"github.com/yolkispalkis/proxyscout/pkg/pac"
	"github.com/yolkispalkis/proxyscout/pkg/proxy"
)

const pacURL = "http://wpad.example.com/wpad.dat"

type scriptServer struct {
	mu     sync.Mutex
	status int
	body   string
	err    error
	calls  atomic.Int32
}

func (s *scriptServer) set(status int, body string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status, s.body, s.err = status, body, err
}

func (s *scriptServer) Get(ctx context.Context, rawURL string) (*fetch.Response, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &fetch.Response{StatusCode: s.status, Body: []byte(s.body), FinalURL: rawURL}, nil
}

func script(result string) string {
	return `function FindProxyForURL(url, host) { return "` + result + `"; }`
}

// flakyEvaluator passes the trial query and fails every other one while failing is set.
type flakyEvaluator struct {
	failing atomic.Bool
	calls   atomic.Int32
}

func (e *flakyEvaluator) Evaluate(ctx context.Context, s *pac.Snapshot, url, host string, now time.Time) (string, error) {
	e.calls.Add(1)
	if url != trialURL && e.failing.Load() {
		return "", common.ErrScriptEvaluation
	}
	return "PROXY proxy.invalid:8080", nil
}

func newPacSelector(t *testing.T, server *scriptServer, eval pac.Evaluator, opts PacOptions) *Pac {
	t.Helper()
	clk := opts.Clock
	if clk == nil {
		clk = testclock.NewClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
		opts.Clock = clk
	}
	if eval == nil {
		eval = pac.NewEngine(pac.EngineOptions{Timeout: time.Second})
	}
	return NewPac(pac.NewSource(pacURL, server, clk.Now), eval, opts)
}

func TestPacSelect(t *testing.T) {
	logs := captureLogs(t)
	server := &scriptServer{status: http.StatusOK, body: script("PROXY proxy.invalid:8080; DIRECT")}
	p := newPacSelector(t, server, nil, PacOptions{})

	if p.State() != pac.StateUninitialized {
		t.Fatalf("initial state = %s", p.State())
	}
	got, err := p.Select(context.Background(), mustURL(t, "http://www.example.com/"))
	if err != nil {
		t.Fatal(err)
	}
	want := proxy.List{proxy.NewDescriptor(proxy.KindHTTP, "proxy.invalid", 8080), proxy.Direct}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Select mismatch (-want +got):\n%s", diff)
	}
	if p.State() != pac.StateValid {
		t.Errorf("state = %s, want VALID", p.State())
	}
	if want := "Request to http://www.example.com/ (PAC script) will be sent via proxy: HTTP://proxy.invalid:8080"; !strings.Contains(logs.String(), want) {
		t.Errorf("log missing %q:\n%s", want, logs)
	}

	if _, err := p.Select(context.Background(), mustURL(t, "http://other.example.com/")); err != nil {
		t.Fatal(err)
	}
	if n := server.calls.Load(); n != 1 {
		t.Errorf("script fetched %d times, want 1", n)
	}
}

func TestPacUnreachableScript(t *testing.T) {
	server := &scriptServer{err: errors.New("connection refused")}
	p := newPacSelector(t, server, nil, PacOptions{})

	got, err := p.Select(context.Background(), mustURL(t, "http://www.example.com/"))
	if !errors.Is(err, common.ErrScriptFetch) {
		t.Errorf("error = %v, want ErrScriptFetch", err)
	}
	if !got.IsDirect() {
		t.Errorf("list = %v, want DIRECT", got)
	}
	if p.State() != pac.StateInvalid {
		t.Errorf("state = %s, want INVALID", p.State())
	}

	// Invalid selectors never go back to the network on their own.
	p.Select(context.Background(), mustURL(t, "http://www.example.com/"))
	if n := server.calls.Load(); n != 1 {
		t.Errorf("script fetched %d times, want 1", n)
	}

	server.set(http.StatusOK, script("SOCKS socks.invalid:1080"), nil)
	if !p.Refresh(context.Background()) {
		t.Fatalf("Refresh() = false, err = %v", p.Source().Err())
	}
	if p.State() != pac.StateValid {
		t.Errorf("state after refresh = %s, want VALID", p.State())
	}
	got, err = p.Select(context.Background(), mustURL(t, "http://www.example.com/"))
	if err != nil || got.First() != proxy.NewDescriptor(proxy.KindSOCKS, "socks.invalid", 1080) {
		t.Errorf("Select after refresh = %v, %v", got, err)
	}
}

func TestPacFailedTrialIsInvalid(t *testing.T) {
	server := &scriptServer{status: http.StatusOK, body: `function FindProxyForURL(url, host) { return undefinedFunction(); }`}
	p := newPacSelector(t, server, nil, PacOptions{})

	if state := p.Init(context.Background()); state != pac.StateInvalid {
		t.Errorf("Init() = %s, want INVALID", state)
	}
	got, err := p.Select(context.Background(), mustURL(t, "http://www.example.com/"))
	if !got.IsDirect() || !errors.Is(err, common.ErrScriptEvaluation) {
		t.Errorf("Select = %v, %v", got, err)
	}
}

func TestPacFailureThreshold(t *testing.T) {
	server := &scriptServer{status: http.StatusOK, body: script("PROXY proxy.invalid:8080")}
	eval := &flakyEvaluator{}
	p := newPacSelector(t, server, eval, PacOptions{FailureThreshold: 2})
	u := mustURL(t, "http://www.example.com/")

	if _, err := p.Select(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	eval.failing.Store(true)

	for i := 0; i < 2; i++ {
		got, err := p.Select(context.Background(), u)
		if err == nil || !got.IsDirect() {
			t.Fatalf("failure %d: Select = %v, %v", i, got, err)
		}
	}
	if n := server.calls.Load(); n != 2 {
		t.Fatalf("threshold did not trigger a refresh: %d fetches", n)
	}
	if p.State() != pac.StateValid {
		t.Fatalf("state after first threshold = %s, want VALID", p.State())
	}

	for i := 0; i < 2; i++ {
		p.Select(context.Background(), u)
	}
	if p.State() != pac.StateInvalid {
		t.Fatalf("state after second threshold = %s, want INVALID", p.State())
	}

	before := eval.calls.Load()
	got, err := p.Select(context.Background(), u)
	if !got.IsDirect() || !errors.Is(err, common.ErrScriptEvaluation) {
		t.Errorf("Select while INVALID = %v, %v", got, err)
	}
	if eval.calls.Load() != before {
		t.Errorf("script evaluated while INVALID")
	}
}

func TestPacSuccessResetsFailures(t *testing.T) {
	server := &scriptServer{status: http.StatusOK, body: script("PROXY proxy.invalid:8080")}
	eval := &flakyEvaluator{}
	p := newPacSelector(t, server, eval, PacOptions{FailureThreshold: 2})
	u := mustURL(t, "http://www.example.com/")

	for i := 0; i < 5; i++ {
		eval.failing.Store(true)
		p.Select(context.Background(), u)
		eval.failing.Store(false)
		if _, err := p.Select(context.Background(), u); err != nil {
			t.Fatal(err)
		}
	}
	if n := server.calls.Load(); n != 1 {
		t.Errorf("alternating failures caused %d fetches, want 1", n)
	}
}

func TestRunRefresher(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	server := &scriptServer{status: http.StatusOK, body: script("PROXY old.invalid:8080")}
	p := newPacSelector(t, server, nil, PacOptions{Clock: clk})
	u := mustURL(t, "http://www.example.com/")

	if _, err := p.Select(context.Background(), u); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.RunRefresher(ctx, time.Hour)
	}()

	server.set(http.StatusOK, script("PROXY new.invalid:8080"), nil)
	if err := clk.WaitAdvance(time.Hour, time.Second, 1); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for server.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// The refresher is waiting on the next tick once the refresh is done.
	if err := clk.WaitAdvance(0, time.Second, 1); err != nil {
		t.Fatal(err)
	}

	got, err := p.Select(context.Background(), u)
	if err != nil || got.First().Host != "new.invalid" {
		t.Errorf("Select after periodic refresh = %v, %v", got, err)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("refresher did not stop after cancel")
	}
}

func TestRunRefresherDisabled(t *testing.T) {
	p := newPacSelector(t, &scriptServer{status: http.StatusOK, body: script("DIRECT")}, nil, PacOptions{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.RunRefresher(context.Background(), 0)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("refresher with zero interval did not return")
	}
}

func TestPacFallbackKeepsScriptDirect(t *testing.T) {
	server := &scriptServer{status: http.StatusOK, body: `function FindProxyForURL(url, host) {
		if (isPlainHostName(host)) return "DIRECT";
		return "PROXY proxy.invalid:8080";
	}`}
	f := NewPacFallback(newPacSelector(t, server, nil, PacOptions{}))

	if got, err := f.Select(context.Background(), mustURL(t, "http://www.example.com/")); err != nil || got.First().Host != "proxy.invalid" {
		t.Fatalf("Select(www) = %v, %v", got, err)
	}
	got, err := f.Select(context.Background(), mustURL(t, "http://intranet/"))
	if err != nil || !got.IsDirect() {
		t.Errorf("Select(intranet) = %v, %v; want DIRECT", got, err)
	}
}

func TestPacFallbackOnEvaluationFailure(t *testing.T) {
	logs := captureLogs(t)
	server := &scriptServer{status: http.StatusOK, body: script("PROXY proxy.invalid:8080")}
	eval := &flakyEvaluator{}
	p := newPacSelector(t, server, eval, PacOptions{FailureThreshold: 10})
	f := NewPacFallback(p)
	u := mustURL(t, "http://www.example.com/")

	want := proxy.List{proxy.NewDescriptor(proxy.KindHTTP, "proxy.invalid", 8080)}
	if _, err := f.Select(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	eval.failing.Store(true)
	got, err := f.Select(context.Background(), u)
	if err != nil {
		t.Errorf("unexpected error %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("failed evaluation mismatch (-want +got):\n%s", diff)
	}
	if strings.Contains(logs.String(), "(PAC script) will be sent DIRECT") {
		t.Errorf("failed evaluation logged as DIRECT:\n%s", logs)
	}

	server.set(0, "", errors.New("connection refused"))
	if p.Refresh(context.Background()) {
		t.Fatal("Refresh() = true for an unreachable script")
	}
	got, err = f.Select(context.Background(), u)
	if !got.IsDirect() {
		t.Errorf("Select while INVALID = %v, %v; want DIRECT", got, err)
	}
}
