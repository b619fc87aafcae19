package common

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrDiscovery marks failures while probing WPAD candidates.
	ErrDiscovery = errors.New("wpad discovery failed")
	// ErrScriptFetch marks an unreachable PAC script source.
	ErrScriptFetch = errors.New("pac script fetch failed")
	// ErrScriptEvaluation marks a failed FindProxyForURL call for a single query.
	ErrScriptEvaluation = errors.New("pac script evaluation failed")
	// ErrUnresolvedHost is returned by fetchers and resolvers when a name does not resolve.
	ErrUnresolvedHost = errors.New("host could not be resolved")
)

// ConfigParseError reports a malformed fixed-proxy string.
type ConfigParseError struct {
	Input  string
	Reason string
}

func (e *ConfigParseError) Error() string {
	return fmt.Sprintf("invalid proxy setting %q: %s", e.Input, e.Reason)
}

func IsUnresolvedHostError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnresolvedHost) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return true
	}
	errMsg := err.Error()
	return strings.Contains(errMsg, "no such host") ||
		strings.Contains(errMsg, "server misbehaving")
}

func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return strings.Contains(err.Error(), "context deadline exceeded")
}
