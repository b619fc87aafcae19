package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Proxy modes.
const (
	ModeNone  = "none"
	ModeFixed = "fixed"
	ModePAC   = "pac"
	ModeWPAD  = "wpad"
	ModeEnv   = "env"
	ModeAuto  = "auto"
)

// Script engine choices.
const (
	ScriptEngineAuto = "auto"
	ScriptEngineOtto = "otto"
	ScriptEngineNone = "none"
)

// Default values for configuration
const (
	DefaultMode                = ModeAuto
	DefaultPacExecutionTimeout = 5 * time.Second
	DefaultPacFailureThreshold = 3
	DefaultFetchTimeout        = 10 * time.Second
	DefaultFetchRetries        = 1
	DefaultCandidateTimeout    = 5 * time.Second
	DefaultDNSTimeout          = 2 * time.Second
	DefaultDNSCacheTTL         = 5 * time.Minute
	DefaultDNSQueriesPerSecond = 50
	DefaultDNSBurst            = 20
	DefaultLogLevel            = "info"
	EnvPrefix                  = "PROXYSCOUT"
)

// Config holds the main application configuration.
type Config struct {
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	WPAD     WPADConfig     `mapstructure:"wpad"`
	DNS      DNSConfig      `mapstructure:"dns"`
	Kerberos KerberosConfig `mapstructure:"kerberos"`
	LogLevel string         `mapstructure:"log_level"`
	LogPath  string         `mapstructure:"log_path"`
}

// ProxyConfig selects how the selector tree is built.
type ProxyConfig struct {
	Mode                string            `mapstructure:"mode"`      // none, fixed, pac, wpad, env, auto
	Fixed               string            `mapstructure:"fixed"`     // [scheme://]host[:port] for every scheme
	Protocols           map[string]string `mapstructure:"protocols"` // scheme -> [scheme://]host[:port]
	PacURL              string            `mapstructure:"pac_url"`
	PacCharset          string            `mapstructure:"pac_charset"` // Optional: forces the PAC body charset (e.g. "windows-1251")
	PacExecutionTimeout time.Duration     `mapstructure:"pac_execution_timeout"`
	PacRefreshInterval  time.Duration     `mapstructure:"pac_refresh_interval"` // 0 disables background refresh
	PacFailureThreshold int               `mapstructure:"pac_failure_threshold"`
	ScriptEngine        string            `mapstructure:"script_engine"` // auto, otto, none
	FetchTimeout        time.Duration     `mapstructure:"fetch_timeout"`
	FetchRetries        int               `mapstructure:"fetch_retries"`
}

// WPADConfig controls automatic discovery.
type WPADConfig struct {
	CandidateTimeout time.Duration `mapstructure:"candidate_timeout"`
	DHCP             bool          `mapstructure:"dhcp"`
	// Hostname overrides the local FQDN used to derive candidates.
	Hostname string `mapstructure:"hostname"`
}

// DNSConfig configures lookups made by PAC built-ins.
type DNSConfig struct {
	Nameservers      []string      `mapstructure:"nameservers"` // empty uses the system resolver
	Timeout          time.Duration `mapstructure:"timeout"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`          // 0 disables caching
	QueriesPerSecond float64       `mapstructure:"queries_per_second"` // 0 disables rate limiting
	Burst            int           `mapstructure:"burst"`
}

// KerberosConfig enables SPNEGO authentication for PAC downloads.
type KerberosConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	SPN      string `mapstructure:"spn"`       // empty means HTTP/<pac host>
	Krb5Conf string `mapstructure:"krb5_conf"` // empty means KRB5_CONFIG or /etc/krb5.conf
}

// New returns a viper instance with defaults and environment overrides set.
// Callers may bind flags into it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	// PROXYSCOUT_PROXY_MODE, PROXYSCOUT_DNS_NAMESERVERS="10.0.0.1,10.0.0.2", etc.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig reads configuration from a file, environment variables, and defaults.
func LoadConfig(configPath string) (*Config, error) {
	return Load(New(), configPath)
}

// Load reads configPath into v, if given, and decodes the result. A missing
// file is not an error.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	if configPath != "" {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			slog.Warn("Could not get absolute config path, using provided path", "path", configPath, "error", err)
			absPath = configPath
		}
		v.SetConfigFile(absPath)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
				slog.Warn("Config file not found, using defaults and environment variables.", "path", absPath)
			} else {
				return nil, fmt.Errorf("failed to read config file %s: %w", absPath, err)
			}
		} else {
			slog.Info("Loaded configuration file", "path", absPath)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	config.Proxy.Mode = strings.ToLower(strings.TrimSpace(config.Proxy.Mode))
	config.Proxy.ScriptEngine = strings.ToLower(strings.TrimSpace(config.Proxy.ScriptEngine))

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}

// validateConfig checks the consistency and validity of the configuration.
func validateConfig(cfg *Config) error {
	switch cfg.Proxy.Mode {
	case ModeNone, ModeEnv, ModeAuto, ModeWPAD:
	case ModeFixed:
		if strings.TrimSpace(cfg.Proxy.Fixed) == "" && len(cfg.Proxy.Protocols) == 0 {
			return errors.New("proxy.fixed or proxy.protocols is required when proxy.mode is fixed")
		}
	case ModePAC:
		if strings.TrimSpace(cfg.Proxy.PacURL) == "" {
			return errors.New("proxy.pac_url is required when proxy.mode is pac")
		}
	default:
		return fmt.Errorf("invalid proxy.mode '%s', must be one of: none, fixed, pac, wpad, env, auto", cfg.Proxy.Mode)
	}

	switch cfg.Proxy.ScriptEngine {
	case ScriptEngineAuto, ScriptEngineOtto, ScriptEngineNone:
	default:
		return fmt.Errorf("invalid proxy.script_engine '%s', must be one of: auto, otto, none", cfg.Proxy.ScriptEngine)
	}
	if cfg.Proxy.ScriptEngine == ScriptEngineNone && (cfg.Proxy.Mode == ModePAC || cfg.Proxy.Mode == ModeWPAD) {
		return fmt.Errorf("proxy.mode %s needs a script engine but proxy.script_engine is none", cfg.Proxy.Mode)
	}

	if cfg.Proxy.PacExecutionTimeout <= 0 {
		return errors.New("proxy.pac_execution_timeout must be positive")
	}
	if cfg.Proxy.PacRefreshInterval < 0 {
		return errors.New("proxy.pac_refresh_interval cannot be negative")
	}
	if cfg.Proxy.PacFailureThreshold <= 0 {
		return errors.New("proxy.pac_failure_threshold must be positive")
	}
	if cfg.Proxy.FetchTimeout <= 0 {
		return errors.New("proxy.fetch_timeout must be positive")
	}
	if cfg.Proxy.FetchRetries < 0 {
		return errors.New("proxy.fetch_retries cannot be negative")
	}

	if cfg.WPAD.CandidateTimeout <= 0 {
		return errors.New("wpad.candidate_timeout must be positive")
	}

	if cfg.DNS.Timeout <= 0 {
		return errors.New("dns.timeout must be positive")
	}
	if cfg.DNS.CacheTTL < 0 {
		return errors.New("dns.cache_ttl cannot be negative")
	}
	if cfg.DNS.QueriesPerSecond < 0 {
		return errors.New("dns.queries_per_second cannot be negative")
	}
	if cfg.DNS.QueriesPerSecond > 0 && cfg.DNS.Burst <= 0 {
		return errors.New("dns.burst must be positive when rate limiting is enabled")
	}

	if cfg.Kerberos.Enabled && cfg.Proxy.Mode != ModePAC && cfg.Proxy.Mode != ModeWPAD && cfg.Proxy.Mode != ModeAuto {
		slog.Warn("kerberos.enabled has no effect without PAC downloads", "mode", cfg.Proxy.Mode)
	}
	return nil
}

// setDefaults configures the default values in viper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("proxy.mode", DefaultMode)
	v.SetDefault("proxy.fixed", "")
	v.SetDefault("proxy.protocols", map[string]string{})
	v.SetDefault("proxy.pac_url", "")
	v.SetDefault("proxy.pac_charset", "") // detect from Content-Type / BOM, then UTF-8
	v.SetDefault("proxy.pac_execution_timeout", DefaultPacExecutionTimeout)
	v.SetDefault("proxy.pac_refresh_interval", time.Duration(0))
	v.SetDefault("proxy.pac_failure_threshold", DefaultPacFailureThreshold)
	v.SetDefault("proxy.script_engine", ScriptEngineAuto)
	v.SetDefault("proxy.fetch_timeout", DefaultFetchTimeout)
	v.SetDefault("proxy.fetch_retries", DefaultFetchRetries)

	v.SetDefault("wpad.candidate_timeout", DefaultCandidateTimeout)
	v.SetDefault("wpad.dhcp", true)
	v.SetDefault("wpad.hostname", "")

	v.SetDefault("dns.nameservers", []string{})
	v.SetDefault("dns.timeout", DefaultDNSTimeout)
	v.SetDefault("dns.cache_ttl", DefaultDNSCacheTTL)
	v.SetDefault("dns.queries_per_second", DefaultDNSQueriesPerSecond)
	v.SetDefault("dns.burst", DefaultDNSBurst)

	v.SetDefault("kerberos.enabled", false)
	v.SetDefault("kerberos.spn", "")
	v.SetDefault("kerberos.krb5_conf", "")

	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("log_path", "")
}
