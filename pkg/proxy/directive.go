package proxy

import (
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
)

const (
	directiveDirect = "DIRECT"
	directiveProxy  = "PROXY"
	directiveHTTP   = "HTTP"
	directiveHTTPS  = "HTTPS"
	directiveSocks  = "SOCKS"
	directiveSocks4 = "SOCKS4"
	directiveSocks5 = "SOCKS5"
	directiveSplit  = ";"

	defaultHTTPPort  = 80
	defaultHTTPSPort = 443
	defaultSocksPort = 1080
)

// Captures the directive keyword and its optional host:port argument.
// Example: "PROXY proxy.example.com:8080" -> "PROXY", "proxy.example.com:8080"
var directiveRegex = regexp.MustCompile(`^\s*([A-Za-z0-9]+)(?:\s+(\S+))?\s*$`)

// ParseDirectives converts the string returned by FindProxyForURL into an ordered
// proxy list. Unknown or malformed entries are skipped with a warning. The result
// is never empty: if nothing is recognized it is NoProxy.
func ParseDirectives(result string) List {
	parts := strings.Split(result, directiveSplit)
	parsed := make(List, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		matches := directiveRegex.FindStringSubmatch(part)
		if matches == nil {
			slog.Warn("Ignoring malformed directive in PAC result", "directive", part)
			continue
		}
		keyword := strings.ToUpper(matches[1])
		arg := strings.TrimSpace(matches[2])

		var kind Kind
		var defaultPort int
		switch keyword {
		case directiveDirect:
			parsed = append(parsed, Direct)
			continue
		case directiveProxy, directiveHTTP:
			kind, defaultPort = KindHTTP, defaultHTTPPort
		case directiveHTTPS:
			kind, defaultPort = KindHTTPS, defaultHTTPSPort
		case directiveSocks, directiveSocks4, directiveSocks5:
			kind, defaultPort = KindSOCKS, defaultSocksPort
		default:
			slog.Warn("Ignoring unknown directive in PAC result", "directive", part)
			continue
		}

		if arg == "" {
			slog.Warn("PAC directive is missing host:port", "directive", part)
			continue
		}
		host, port, ok := splitHostPort(arg, defaultPort)
		if !ok {
			slog.Warn("PAC directive has an invalid host:port", "directive", part)
			continue
		}
		parsed = append(parsed, NewDescriptor(kind, host, port))
	}

	if len(parsed) == 0 {
		slog.Debug("No usable directives in PAC result, using DIRECT", "result", result)
		return NoProxyList()
	}
	return parsed
}

func splitHostPort(arg string, defaultPort int) (string, int, bool) {
	host, portStr, err := net.SplitHostPort(arg)
	if err != nil {
		// No port given; a bare IPv6 literal or host name.
		host = strings.Trim(arg, "[]")
		if host == "" || strings.ContainsAny(host, "/ ") {
			return "", 0, false
		}
		return host, defaultPort, true
	}
	if host == "" {
		return "", 0, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, false
	}
	return host, port, true
}
