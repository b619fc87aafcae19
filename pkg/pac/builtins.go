package pac

import (
	"context"
	"log/slog"
	"net"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yolkispalkis/proxyscout/pkg/dnsutil"
)

const myIPCacheTTL = 10 * time.Minute

// IsPlainHostName reports whether host has no domain part.
func IsPlainHostName(host string) bool {
	return !strings.Contains(host, ".")
}

// DNSDomainIs reports whether host lies in domain. The comparison is
// case-insensitive and only matches on label boundaries. A domain written
// with a leading dot never matches its bare apex.
func DNSDomainIs(host, domain string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	suffix := strings.TrimPrefix(domain, ".")
	if host == "" || suffix == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+suffix)
}

// LocalHostOrDomainIs is true on an exact match, or when the unqualified host
// equals the first label of hostdom.
func LocalHostOrDomainIs(host, hostdom string) bool {
	host = strings.ToLower(host)
	hostdom = strings.ToLower(hostdom)
	if host == hostdom {
		return true
	}
	if strings.Contains(host, ".") || host == "" {
		return false
	}
	first, _, _ := strings.Cut(hostdom, ".")
	return host == first
}

func DNSDomainLevels(host string) int {
	return strings.Count(host, ".")
}

// IPInNet reports whether (ip & mask) == (pattern & mask). All three must be
// dotted-quad IPv4 strings.
func IPInNet(ipStr, patternStr, maskStr string) bool {
	ip := net.ParseIP(strings.TrimSpace(ipStr)).To4()
	pattern := net.ParseIP(strings.TrimSpace(patternStr)).To4()
	mask := net.ParseIP(strings.TrimSpace(maskStr)).To4()
	if ip == nil || pattern == nil || mask == nil {
		slog.Warn("PAC isInNet: failed to parse one or more IPv4/mask strings", "ip", ipStr, "pattern", patternStr, "mask", maskStr)
		return false
	}
	m := net.IPMask(mask)
	return ip.Mask(m).Equal(pattern.Mask(m))
}

var shExpCache sync.Map // pattern -> *regexp.Regexp

// ShExpMatch matches str against a shell glob supporting *, ? and [...].
func ShExpMatch(str, pattern string) bool {
	re, err := shExpRegexp(pattern)
	if err != nil {
		slog.Warn("PAC shExpMatch: invalid pattern", "pattern", pattern, "error", err)
		return false
	}
	return re.MatchString(str)
}

func shExpRegexp(pattern string) (*regexp.Regexp, error) {
	if cached, ok := shExpCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(globToRegexp(pattern))
	if err != nil {
		return nil, err
	}
	shExpCache.Store(pattern, re)
	return re, nil
}

func globToRegexp(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '[':
			end := strings.IndexByte(pattern[i+1:], ']')
			if end < 0 {
				b.WriteString(`\[`)
				continue
			}
			class := pattern[i+1 : i+1+end]
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			b.WriteString("[" + strings.ReplaceAll(class, `\`, `\\`) + "]")
			i += end + 1
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return b.String()
}

// HostFunctions are the built-ins that need the network: name resolution
// and the local address.
type HostFunctions struct {
	Resolver      dnsutil.Resolver
	LookupTimeout time.Duration
	// LocalIP returns this host's IPv4 address. Defaults to dnsutil.OutboundIPv4.
	LocalIP func() string

	myIPMu     sync.Mutex
	myIP       string
	myIPExpiry time.Time
}

func (h *HostFunctions) lookupCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := h.LookupTimeout
	if timeout <= 0 {
		timeout = dnsutil.DefaultLookupTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

func (h *HostFunctions) lookup(ctx context.Context, host string) []net.IP {
	host = strings.TrimSpace(host)
	if host == "" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return []net.IP{ip4}
		}
		return nil
	}
	if h.Resolver == nil {
		return nil
	}
	lctx, cancel := h.lookupCtx(ctx)
	defer cancel()
	ips, err := h.Resolver.LookupIPv4(lctx, host)
	if err != nil {
		slog.Debug("PAC DNS lookup failed", "host", host, "error", err)
		return nil
	}
	return ips
}

// DNSResolve returns the first IPv4 address of host, or "" if it does not resolve.
func (h *HostFunctions) DNSResolve(ctx context.Context, host string) string {
	ips := h.lookup(ctx, host)
	if len(ips) == 0 {
		return ""
	}
	return ips[0].String()
}

// DNSResolveEx returns all IPv4 addresses of host separated by ";".
func (h *HostFunctions) DNSResolveEx(ctx context.Context, host string) string {
	ips := h.lookup(ctx, host)
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		out = append(out, ip.String())
	}
	return strings.Join(out, ";")
}

func (h *HostFunctions) IsResolvable(ctx context.Context, host string) bool {
	return h.DNSResolve(ctx, host) != ""
}

// IsInNet resolves host when it is a name, then applies IPInNet.
func (h *HostFunctions) IsInNet(ctx context.Context, host, pattern, mask string) bool {
	ip := h.DNSResolve(ctx, host)
	if ip == "" {
		slog.Debug("PAC isInNet: failed to resolve host", "host", host)
		return false
	}
	return IPInNet(ip, pattern, mask)
}

// IsInNetEx matches host against a CIDR prefix such as "10.0.0.0/8".
func (h *HostFunctions) IsInNetEx(ctx context.Context, host, prefix string) bool {
	_, network, err := net.ParseCIDR(strings.TrimSpace(prefix))
	if err != nil {
		slog.Warn("PAC isInNetEx: invalid prefix", "prefix", prefix, "error", err)
		return false
	}
	for _, ip := range h.lookup(ctx, host) {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// MyIPAddress returns the local IPv4 address, cached for a few minutes.
func (h *HostFunctions) MyIPAddress() string {
	h.myIPMu.Lock()
	defer h.myIPMu.Unlock()
	if h.myIP != "" && time.Now().Before(h.myIPExpiry) {
		return h.myIP
	}
	localIP := h.LocalIP
	if localIP == nil {
		localIP = dnsutil.OutboundIPv4
	}
	h.myIP = localIP()
	h.myIPExpiry = time.Now().Add(myIPCacheTTL)
	return h.myIP
}

// SortIPAddressList sorts a ";"-separated address list, IPv4 before IPv6.
// Returns "" if any element is not an address.
func SortIPAddressList(list string) string {
	parts := strings.Split(list, ";")
	ips := make([]net.IP, 0, len(parts))
	for _, p := range parts {
		ip := net.ParseIP(strings.TrimSpace(p))
		if ip == nil {
			return ""
		}
		ips = append(ips, ip)
	}
	sort.SliceStable(ips, func(i, j int) bool {
		a4, b4 := ips[i].To4(), ips[j].To4()
		if (a4 != nil) != (b4 != nil) {
			return a4 != nil
		}
		return strings.Compare(string(ips[i].To16()), string(ips[j].To16())) < 0
	})
	out := make([]string, len(ips))
	for i, ip := range ips {
		out[i] = ip.String()
	}
	return strings.Join(out, ";")
}
