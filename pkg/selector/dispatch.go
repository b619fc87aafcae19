package selector

import (
	"context"
	"net/url"
	"strings"

	"github.com/yolkispalkis/proxyscout/pkg/proxy"
)

// Dispatch routes by URL scheme, falling back to a default child, or DIRECT
// when there is none.
type Dispatch struct {
	selectors map[string]Selector
	fallback  Selector
}

// NewDispatch copies byScheme with lower-cased keys. def may be nil.
func NewDispatch(byScheme map[string]Selector, def Selector) *Dispatch {
	m := make(map[string]Selector, len(byScheme))
	for scheme, s := range byScheme {
		if s != nil {
			m[strings.ToLower(scheme)] = s
		}
	}
	return &Dispatch{selectors: m, fallback: def}
}

func (d *Dispatch) Select(ctx context.Context, u *url.URL) (proxy.List, error) {
	scheme := strings.ToLower(u.Scheme)
	child, ok := d.selectors[scheme]
	if !ok {
		child = d.fallback
	}
	if child == nil {
		logSelection(u, ProtocolContext(scheme), proxy.NoProxy)
		return proxy.NoProxy, nil
	}
	list, err := child.Select(ctx, u)
	return list.OrDirect(), err
}

// Len is the number of scheme mappings.
func (d *Dispatch) Len() int { return len(d.selectors) }
