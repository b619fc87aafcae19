package proxy

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Kind identifies how a connection is routed.
type Kind int

const (
	KindDirect Kind = iota // "DIRECT"
	KindHTTP               // "PROXY host:port"
	KindHTTPS              // "HTTPS host:port"
	KindSOCKS              // "SOCKS host:port"
)

func (k Kind) String() string {
	switch k {
	case KindHTTP:
		return "HTTP"
	case KindHTTPS:
		return "HTTPS"
	case KindSOCKS:
		return "SOCKS"
	default:
		return "DIRECT"
	}
}

// scheme returns the URL scheme net/http understands for this kind.
func (k Kind) scheme() string {
	switch k {
	case KindHTTPS:
		return "https"
	case KindSOCKS:
		return "socks5"
	default:
		return "http"
	}
}

// Descriptor describes a single hop. It is a value type and never mutated after construction.
type Descriptor struct {
	Kind Kind
	Host string
	Port int
}

// Direct is the descriptor for a connection without proxy.
var Direct = Descriptor{Kind: KindDirect}

// NewDescriptor builds a proxy descriptor. A DIRECT kind ignores host and port.
func NewDescriptor(kind Kind, host string, port int) Descriptor {
	if kind == KindDirect {
		return Direct
	}
	return Descriptor{Kind: kind, Host: strings.TrimSpace(host), Port: port}
}

func (d Descriptor) IsDirect() bool {
	return d.Kind == KindDirect
}

// Address returns host:port, or an empty string for DIRECT.
func (d Descriptor) Address() string {
	if d.IsDirect() {
		return ""
	}
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

func (d Descriptor) String() string {
	if d.IsDirect() {
		return "DIRECT"
	}
	return d.Kind.String() + " " + d.Address()
}

// URL converts the descriptor into a proxy URL usable by http.Transport.
// Returns nil for DIRECT.
func (d Descriptor) URL() *url.URL {
	if d.IsDirect() {
		return nil
	}
	return &url.URL{Scheme: d.Kind.scheme(), Host: d.Address()}
}

// List is an ordered proxy preference list; the first entry is tried first.
// A List produced by this module is never empty.
type List []Descriptor

// NoProxy is the shared single-element DIRECT list. Never modify it; use NoProxyList
// when a caller needs a list it may append to.
var NoProxy = List{Direct}

// NoProxyList returns a fresh copy of NoProxy.
func NoProxyList() List {
	return List{Direct}
}

// IsDirect reports whether the list is exactly [DIRECT] (or empty, which is treated the same).
func (l List) IsDirect() bool {
	return len(l) == 0 || (len(l) == 1 && l[0].IsDirect())
}

// First returns the preferred descriptor, DIRECT for an empty list.
func (l List) First() Descriptor {
	if len(l) == 0 {
		return Direct
	}
	return l[0]
}

// OrDirect returns l, or NoProxy if l is empty.
func (l List) OrDirect() List {
	if len(l) == 0 {
		return NoProxy
	}
	return l
}

func (l List) String() string {
	parts := make([]string, len(l))
	for i, d := range l {
		parts[i] = d.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Equal compares two lists element by element.
func (l List) Equal(other List) bool {
	if len(l) != len(other) {
		return false
	}
	for i := range l {
		if l[i] != other[i] {
			return false
		}
	}
	return true
}
