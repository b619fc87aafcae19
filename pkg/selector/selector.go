// Package selector composes proxy selectors into a tree that is consulted for
// every outgoing connection.
package selector

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/yolkispalkis/proxyscout/pkg/proxy"
)

// Log contexts used in selection log lines.
const (
	ContextPAC      = "PAC script"
	ContextFallback = "fallback"
	ContextNoProxy  = "no proxy configured"
)

// ProtocolContext is the log context for a protocol-specific proxy.
func ProtocolContext(scheme string) string {
	return "protocol: " + strings.ToLower(scheme)
}

// Selector picks the ordered proxy list for a destination. Implementations
// return a non-empty list even when they also return an error.
type Selector interface {
	Select(ctx context.Context, u *url.URL) (proxy.List, error)
}

// Resolve runs s and never fails: errors are logged and the list is
// guaranteed to be non-empty.
func Resolve(ctx context.Context, s Selector, u *url.URL) proxy.List {
	if s == nil || u == nil {
		return proxy.NoProxy
	}
	list, err := s.Select(ctx, u)
	if err != nil {
		slog.Error("Proxy selection failed, continuing with fallback result", "url", u.Redacted(), "result", list.OrDirect().String(), "error", err)
	}
	return list.OrDirect()
}

// ProxyFunc adapts s for http.Transport.Proxy. The preferred entry of the
// selected list is used; DIRECT maps to a nil URL.
func ProxyFunc(s Selector) func(*http.Request) (*url.URL, error) {
	return func(req *http.Request) (*url.URL, error) {
		return Resolve(req.Context(), s, req.URL).First().URL(), nil
	}
}

func logSelection(u *url.URL, context string, list proxy.List) {
	var b strings.Builder
	b.WriteString("Request to ")
	b.WriteString(u.Redacted())
	if context != "" {
		fmt.Fprintf(&b, " (%s)", context)
	}
	first := list.First()
	if first.IsDirect() {
		b.WriteString(" will be sent DIRECT (no proxy)")
	} else {
		fmt.Fprintf(&b, " will be sent via proxy: %s://%s", first.Kind, first.Address())
	}
	slog.Info(b.String(), "proxies", list.String())
}

// Direct never uses a proxy.
type Direct struct{}

func (Direct) Select(ctx context.Context, u *url.URL) (proxy.List, error) {
	logSelection(u, ContextNoProxy, proxy.NoProxy)
	return proxy.NoProxy, nil
}

// Fixed always returns the same list.
type Fixed struct {
	list    proxy.List
	context string
}

// NewFixed returns a selector for a single proxy, or DIRECT.
func NewFixed(d proxy.Descriptor) *Fixed {
	return &Fixed{list: proxy.List{d}}
}

// WithContext returns a copy that logs selections with the given context.
func (f *Fixed) WithContext(context string) *Fixed {
	return &Fixed{list: f.list, context: context}
}

// Proxy returns the configured descriptor.
func (f *Fixed) Proxy() proxy.Descriptor {
	return f.list.First()
}

func (f *Fixed) Select(ctx context.Context, u *url.URL) (proxy.List, error) {
	logSelection(u, f.context, f.list)
	return f.list, nil
}
