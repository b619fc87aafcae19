package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/yolkispalkis/proxyscout/pkg/search"
	"github.com/yolkispalkis/proxyscout/pkg/selector"
	"github.com/yolkispalkis/proxyscout/pkg/signals"
)

func newSelectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "select [url...]",
		Short: "Print the proxy list chosen for each URL",
		Long: `Print the ordered proxy list for each URL. Without arguments URLs are read
from standard input, one per line, until EOF or SIGINT. SIGHUP re-fetches the
PAC script.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var current atomic.Pointer[search.Tree]
			ctx, sigs := signals.WithShutdown(cmd.Context(), func() {
				if tree := current.Load(); tree != nil && tree.Pac != nil {
					tree.Pac.Refresh(context.Background())
				}
			})
			defer sigs.Trigger()

			tree, err := search.Build(ctx, a.cfg)
			if err != nil {
				return err
			}
			defer tree.Close()
			current.Store(tree)
			slog.Info("Proxy selector ready", "mode", tree.Mode)

			out := cmd.OutOrStdout()
			if len(args) > 0 {
				for _, raw := range args {
					if err := printSelection(ctx, out, tree.Selector, raw); err != nil {
						return err
					}
				}
				return nil
			}
			return selectLines(ctx, cmd.InOrStdin(), out, tree.Selector)
		},
	}
}

func selectLines(ctx context.Context, in io.Reader, out io.Writer, s selector.Selector) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			if err := printSelection(ctx, out, s, line); err != nil {
				fmt.Fprintf(out, "%s\terror: %v\n", line, err)
			}
		}
	}
}

func printSelection(ctx context.Context, out io.Writer, s selector.Selector, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid URL %q", raw)
	}
	list := selector.Resolve(ctx, s, u)
	_, err = fmt.Fprintf(out, "%s\t%s\n", u.Redacted(), list)
	return err
}
