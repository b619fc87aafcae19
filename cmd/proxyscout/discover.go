package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yolkispalkis/proxyscout/pkg/dnsutil"
	"github.com/yolkispalkis/proxyscout/pkg/search"
	"github.com/yolkispalkis/proxyscout/pkg/wpad"
)

func newDiscoverCmd(a *app) *cobra.Command {
	var listOnly bool
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Locate the PAC script through WPAD",
		Long: `Probe http://wpad.<suffix>/wpad.dat for every parent domain of the local
host name and print the first URL that serves a script.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			var hostname dnsutil.HostnameProvider = &dnsutil.SystemHostname{Timeout: cfg.DNS.Timeout}
			if cfg.WPAD.Hostname != "" {
				hostname = dnsutil.StaticHostname(cfg.WPAD.Hostname)
			}
			out := cmd.OutOrStdout()

			if listOnly {
				fqdn, err := hostname.FQDN(cmd.Context())
				if err != nil {
					return err
				}
				for candidate := range wpad.Candidates(fqdn) {
					fmt.Fprintln(out, candidate)
				}
				return nil
			}

			fetcher := search.NewProbeFetcher(cfg)
			var strategies []wpad.Strategy
			if cfg.WPAD.DHCP {
				strategies = append(strategies, wpad.DHCPStrategy{})
			}
			strategies = append(strategies, &wpad.DNSStrategy{
				Hostname:         hostname,
				Fetcher:          fetcher,
				CandidateTimeout: cfg.WPAD.CandidateTimeout,
			})

			pacURL, err := wpad.NewDiscoverer(strategies...).Discover(cmd.Context())
			if err != nil {
				return err
			}
			if pacURL == "" {
				return fmt.Errorf("no PAC script found")
			}
			fmt.Fprintln(out, pacURL)
			return nil
		},
	}
	cmd.Flags().BoolVar(&listOnly, "list", false, "Only print the candidate URLs")
	return cmd
}
