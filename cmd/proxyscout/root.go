package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yolkispalkis/proxyscout/pkg/config"
	"github.com/yolkispalkis/proxyscout/pkg/logging"
)

// app carries state shared by all commands.
type app struct {
	v          *viper.Viper
	configPath string
	cfg        *config.Config
	closeLog   func() error
}

// flagKeys maps persistent flag names to configuration keys.
var flagKeys = map[string]string{
	"mode":                 "proxy.mode",
	"proxy":                "proxy.fixed",
	"pac-url":              "proxy.pac_url",
	"pac-charset":          "proxy.pac_charset",
	"pac-refresh-interval": "proxy.pac_refresh_interval",
	"script-engine":        "proxy.script_engine",
	"hostname":             "wpad.hostname",
	"nameserver":           "dns.nameservers",
	"kerberos":             "kerberos.enabled",
	"log-level":            "log_level",
	"log-path":             "log_path",
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}

	root := &cobra.Command{
		Use:   "proxyscout",
		Short: "Find the proxy to use for a URL",
		Long: `proxyscout resolves which proxy (or DIRECT) applies to a URL, using fixed
settings, the *_proxy environment variables, an explicit PAC script or a PAC
script located through WPAD discovery.`,
		Version:       fmt.Sprintf("%s, commit %s, built at %s", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.closeLog != nil {
				a.closeLog()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "Path to a YAML configuration file")
	flags.String("mode", config.DefaultMode, "Proxy mode: none, fixed, pac, wpad, env or auto")
	flags.String("proxy", "", "Fixed proxy for every scheme, [scheme://]host[:port]")
	flags.String("pac-url", "", "PAC script URL (http, https or file)")
	flags.String("pac-charset", "", "Force the PAC script charset, e.g. windows-1251")
	flags.Duration("pac-refresh-interval", 0, "Re-fetch the PAC script at this interval (0 disables)")
	flags.String("script-engine", config.ScriptEngineAuto, "PAC script engine: auto, otto or none")
	flags.String("hostname", "", "Local FQDN used to derive WPAD candidates")
	flags.StringSlice("nameserver", nil, "DNS servers for PAC lookups (host or host:port)")
	flags.Bool("kerberos", false, "Authenticate PAC downloads with SPNEGO")
	flags.String("log-level", config.DefaultLogLevel, "Log level: debug, info, warn or error")
	flags.String("log-path", "", "Append logs to this file instead of stderr")

	for name, key := range flagKeys {
		if err := a.v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("binding flag %s: %v", name, err))
		}
	}

	root.AddCommand(newSelectCmd(a), newDiscoverCmd(a), newEvalCmd(a))
	return root
}

func (a *app) load() error {
	cfg, err := config.Load(a.v, a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.closeLog = logging.Setup(cfg.LogLevel, cfg.LogPath, os.Stderr)
	slog.Debug("Configuration loaded", "mode", cfg.Proxy.Mode, "pac_url", cfg.Proxy.PacURL, "version", version)
	return nil
}
