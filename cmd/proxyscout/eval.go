package main

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/yolkispalkis/proxyscout/pkg/config"
	"github.com/yolkispalkis/proxyscout/pkg/pac"
	"github.com/yolkispalkis/proxyscout/pkg/proxy"
	"github.com/yolkispalkis/proxyscout/pkg/search"
)

func newEvalCmd(a *app) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "eval <pac-url> <url>...",
		Short: "Run FindProxyForURL from a PAC script",
		Long: `Fetch the PAC script at pac-url (http, https or file) and print the raw
FindProxyForURL result and the parsed proxy list for each URL.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if cfg.Proxy.ScriptEngine == config.ScriptEngineNone {
				return search.ErrScriptEngineUnavailable
			}
			if err := pac.ProbeEngine(); err != nil {
				return fmt.Errorf("%w: %w", search.ErrScriptEngineUnavailable, err)
			}

			now := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at time: %w", err)
				}
				now = t
			}

			fetcher, closeFetcher := search.NewFetcher(cfg)
			defer closeFetcher()
			resolver, closeResolver, err := search.NewResolver(cfg)
			if err != nil {
				return err
			}
			defer closeResolver()

			source := pac.NewSource(args[0], fetcher, time.Now)
			snap, err := source.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			engine := pac.NewEngine(pac.EngineOptions{
				Resolver:      resolver,
				LookupTimeout: cfg.DNS.Timeout,
				Timeout:       cfg.Proxy.PacExecutionTimeout,
			})

			out := cmd.OutOrStdout()
			var failed error
			for _, raw := range args[1:] {
				u, err := url.Parse(raw)
				if err != nil || u.Host == "" {
					failed = errors.Join(failed, fmt.Errorf("invalid URL %q", raw))
					continue
				}
				result, err := engine.Evaluate(cmd.Context(), snap, u.String(), u.Hostname(), now)
				if err != nil {
					fmt.Fprintf(out, "%s\terror: %v\n", u.Redacted(), err)
					failed = errors.Join(failed, err)
					continue
				}
				fmt.Fprintf(out, "%s\t%q\t%s\n", u.Redacted(), result, proxy.ParseDirectives(result))
			}
			return failed
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "Evaluate as if at this RFC 3339 time (affects date and time built-ins)")
	return cmd
}
