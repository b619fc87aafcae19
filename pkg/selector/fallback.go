package selector

import (
	"context"
	"log/slog"
	"net/url"
	"sync"

	"github.com/yolkispalkis/proxyscout/pkg/pac"
	"github.com/yolkispalkis/proxyscout/pkg/proxy"
)

// Fallback remembers the last non-direct list of its primary and returns it
// when the primary fails or degrades to DIRECT.
type Fallback struct {
	primary Selector

	// errorsOnly keeps a successful DIRECT answer from the primary.
	errorsOnly bool
	// active reports whether substitution is allowed at all.
	active func() bool

	mu         sync.RWMutex
	remembered proxy.List
}

func NewFallback(primary Selector) *Fallback {
	return &Fallback{primary: primary}
}

// NewPacFallback wraps a Pac selector. DIRECT answers of the script are kept,
// only failed evaluations are replaced by the remembered list, and an INVALID
// selector always fails open to DIRECT.
func NewPacFallback(p *Pac) *Fallback {
	return &Fallback{
		primary:    p,
		errorsOnly: true,
		active:     func() bool { return p.State() != pac.StateInvalid },
	}
}

func (f *Fallback) degraded(list proxy.List, err error) bool {
	if err == nil && (f.errorsOnly || !list.IsDirect()) {
		return false
	}
	return f.active == nil || f.active()
}

func (f *Fallback) Select(ctx context.Context, u *url.URL) (proxy.List, error) {
	list, err := f.primary.Select(ctx, u)
	if f.degraded(list, err) {
		f.mu.RLock()
		remembered := f.remembered
		f.mu.RUnlock()
		if remembered != nil {
			if err != nil {
				slog.Warn("Primary proxy selector failed, using last known proxies", "url", u.Redacted(), "error", err)
			}
			logSelection(u, ContextFallback, remembered)
			return remembered, nil
		}
	}
	if err != nil || list.IsDirect() {
		return list.OrDirect(), err
	}

	remembered := make(proxy.List, len(list))
	copy(remembered, list)
	f.mu.Lock()
	f.remembered = remembered
	f.mu.Unlock()
	return list, nil
}

// Remembered returns the last known good list, or nil.
func (f *Fallback) Remembered() proxy.List {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.remembered
}
