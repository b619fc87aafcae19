package search

import (
	"context"
	"os"
	"sort"
	"strings"

	"github.com/yolkispalkis/proxyscout/pkg/selector"
)

// Settings are raw fixed-proxy strings as found in configuration or the
// environment. Protocols maps a lower-case scheme to its proxy; All applies
// to every scheme without its own entry.
type Settings struct {
	Protocols map[string]string
	All       string
}

// Empty reports whether no proxy is configured at all.
func (s *Settings) Empty() bool {
	if s == nil {
		return true
	}
	if strings.TrimSpace(s.All) != "" {
		return false
	}
	for _, raw := range s.Protocols {
		if strings.TrimSpace(raw) != "" {
			return false
		}
	}
	return true
}

// SettingsProvider yields raw proxy settings from some platform source.
type SettingsProvider interface {
	ProxySettings(ctx context.Context) (*Settings, error)
}

// envSchemes are the variables read by EnvSettingsProvider, keyed by scheme.
var envSchemes = map[string]string{
	"http":  "http_proxy",
	"https": "https_proxy",
	"ftp":   "ftp_proxy",
}

// EnvSettingsProvider reads the conventional *_proxy environment variables.
// The lower-case form wins over the upper-case one.
type EnvSettingsProvider struct {
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

func (p EnvSettingsProvider) lookup(name string) string {
	getenv := p.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(name)); v != "" {
		return v
	}
	return strings.TrimSpace(getenv(strings.ToUpper(name)))
}

func (p EnvSettingsProvider) ProxySettings(ctx context.Context) (*Settings, error) {
	s := &Settings{Protocols: make(map[string]string), All: p.lookup("all_proxy")}
	for scheme, name := range envSchemes {
		if v := p.lookup(name); v != "" {
			s.Protocols[scheme] = v
		}
	}
	return s, nil
}

// StaticSettingsProvider returns fixed settings, typically from the config file.
type StaticSettingsProvider Settings

func (p StaticSettingsProvider) ProxySettings(ctx context.Context) (*Settings, error) {
	s := Settings(p)
	return &s, nil
}

// SelectorForSettings builds a Dispatch over the parsed settings. It returns
// nil when nothing is configured.
func SelectorForSettings(s *Settings) (selector.Selector, error) {
	if s.Empty() {
		return nil, nil
	}

	var def selector.Selector
	if all, err := selector.ParseProxySettings(s.All); err != nil {
		return nil, err
	} else if all != nil {
		def = all
	}

	schemes := make([]string, 0, len(s.Protocols))
	for scheme := range s.Protocols {
		schemes = append(schemes, scheme)
	}
	sort.Strings(schemes)

	byScheme := make(map[string]selector.Selector, len(schemes))
	for _, scheme := range schemes {
		fixed, err := selector.ParseProxySettings(s.Protocols[scheme])
		if err != nil {
			return nil, err
		}
		if fixed == nil {
			continue
		}
		byScheme[scheme] = fixed.WithContext(selector.ProtocolContext(scheme))
	}
	return selector.NewDispatch(byScheme, def), nil
}
