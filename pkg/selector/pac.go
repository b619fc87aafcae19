package selector

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/juju/clock"

	"github.com/yolkispalkis/proxyscout/pkg/common"
	"github.com/yolkispalkis/proxyscout/pkg/pac"
	"github.com/yolkispalkis/proxyscout/pkg/proxy"
)

const DefaultFailureThreshold = 3

// trial query used to check that a freshly loaded script runs at all.
const (
	trialURL  = "http://localhost/"
	trialHost = "localhost"
)

// PacOptions configures a Pac selector. Zero values select the defaults.
type PacOptions struct {
	Clock            clock.Clock
	FailureThreshold int
}

// Pac answers from a PAC script. It starts UNINITIALIZED, becomes VALID once
// the script loads and a trial evaluation succeeds, and becomes INVALID when
// the script cannot be fetched or keeps failing after a refresh. While
// INVALID every selection is DIRECT without evaluating the script.
type Pac struct {
	source    *pac.Source
	engine    pac.Evaluator
	clock     clock.Clock
	threshold int

	initMu sync.Mutex

	mu        sync.Mutex
	state     pac.ValidityState
	failures  int
	refreshed bool
}

func NewPac(source *pac.Source, engine pac.Evaluator, opts PacOptions) *Pac {
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	threshold := opts.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &Pac{source: source, engine: engine, clock: clk, threshold: threshold}
}

func (p *Pac) State() pac.ValidityState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Source returns the underlying script source.
func (p *Pac) Source() *pac.Source { return p.source }

func (p *Pac) setState(state pac.ValidityState) {
	p.mu.Lock()
	prev := p.state
	p.state = state
	if state != pac.StateInvalid {
		p.failures = 0
		p.refreshed = false
	}
	p.mu.Unlock()
	if prev != state {
		slog.Info("PAC selector state changed", "url", p.source.URL(), "from", prev.String(), "to", state.String())
	}
}

// Init loads the script on first use. It is safe to call repeatedly.
func (p *Pac) Init(ctx context.Context) pac.ValidityState {
	if state := p.State(); state != pac.StateUninitialized {
		return state
	}
	p.initMu.Lock()
	defer p.initMu.Unlock()
	if state := p.State(); state != pac.StateUninitialized {
		return state
	}
	if !p.source.IsValid(ctx) {
		p.setState(pac.StateInvalid)
		return pac.StateInvalid
	}
	return p.trial(ctx)
}

func (p *Pac) trial(ctx context.Context) pac.ValidityState {
	snap, err := p.source.Snapshot(ctx)
	if err == nil {
		_, err = p.engine.Evaluate(ctx, snap, trialURL, trialHost, p.clock.Now())
	}
	if err != nil {
		slog.Error("PAC script failed trial evaluation", "url", p.source.URL(), "error", err)
		p.setState(pac.StateInvalid)
		return pac.StateInvalid
	}
	p.setState(pac.StateValid)
	return pac.StateValid
}

// Refresh re-fetches the script. A successful refresh makes the selector
// VALID again; a failed one makes it INVALID.
func (p *Pac) Refresh(ctx context.Context) bool {
	if !p.source.Refresh(ctx) {
		p.setState(pac.StateInvalid)
		return false
	}
	return p.trial(ctx) == pac.StateValid
}

func (p *Pac) Select(ctx context.Context, u *url.URL) (proxy.List, error) {
	if p.Init(ctx) == pac.StateInvalid {
		logSelection(u, ContextPAC, proxy.NoProxy)
		err := p.source.Err()
		if err == nil {
			err = fmt.Errorf("%w: PAC script disabled after repeated failures", common.ErrScriptEvaluation)
		}
		return proxy.NoProxy, err
	}

	snap, err := p.source.Snapshot(ctx)
	if err != nil {
		return proxy.NoProxy, err
	}
	result, err := p.engine.Evaluate(ctx, snap, u.String(), u.Hostname(), p.clock.Now())
	if err != nil {
		p.recordFailure(ctx, err)
		return proxy.NoProxy, err
	}
	p.recordSuccess()

	list := proxy.ParseDirectives(result)
	logSelection(u, ContextPAC, list)
	return list, nil
}

func (p *Pac) recordSuccess() {
	p.mu.Lock()
	p.failures = 0
	p.refreshed = false
	p.mu.Unlock()
}

// recordFailure refreshes the source once the failure threshold is reached.
// Reaching the threshold again after that refresh invalidates the selector.
func (p *Pac) recordFailure(ctx context.Context, cause error) {
	p.mu.Lock()
	p.failures++
	if p.failures < p.threshold {
		p.mu.Unlock()
		return
	}
	alreadyRefreshed := p.refreshed
	p.failures = 0
	p.refreshed = true
	p.mu.Unlock()

	if alreadyRefreshed {
		slog.Error("PAC evaluation keeps failing after refresh, disabling PAC", "url", p.source.URL(), "error", cause)
		p.setState(pac.StateInvalid)
		return
	}

	slog.Warn("Repeated PAC evaluation failures, refreshing script", "url", p.source.URL(), "threshold", p.threshold, "error", cause)
	if !p.source.Refresh(ctx) {
		p.setState(pac.StateInvalid)
	}
}
