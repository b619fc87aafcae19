package selector

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/yolkispalkis/proxyscout/pkg/common"
	"github.com/yolkispalkis/proxyscout/pkg/proxy"
)

// Accepts "host", "host:port" and "scheme://host:port/".
var proxySettingsRegex = regexp.MustCompile(`^\w*?:?/*([^:/]+):?(\d*)/?$`)

// ParseProxySettings turns a raw fixed-proxy string into a Fixed selector.
// Blank input yields (nil, nil). A missing port defaults to 80.
func ParseProxySettings(s string) (*Fixed, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	m := proxySettingsRegex.FindStringSubmatch(s)
	if m == nil {
		return nil, &common.ConfigParseError{Input: s, Reason: "expected [scheme://]host[:port][/]"}
	}
	port := common.DefaultProxyPort
	if m[2] != "" {
		p, err := strconv.Atoi(m[2])
		if err != nil || p < 1 || p > 65535 {
			return nil, &common.ConfigParseError{Input: s, Reason: "port out of range"}
		}
		port = p
	}
	return NewFixed(proxy.NewDescriptor(kindForSetting(s), m[1], port)), nil
}

// kindForSetting maps an explicit scheme to a proxy kind; anything else is HTTP.
func kindForSetting(s string) proxy.Kind {
	scheme, _, found := strings.Cut(s, "://")
	if !found {
		return proxy.KindHTTP
	}
	switch strings.ToLower(scheme) {
	case "https":
		return proxy.KindHTTPS
	case "socks", "socks4", "socks5":
		return proxy.KindSOCKS
	default:
		return proxy.KindHTTP
	}
}
