package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vtrpza/bingxv3/internal/app"
	"github.com/vtrpza/bingxv3/internal/config"
	"github.com/vtrpza/bingxv3/internal/log"
)

func newRevalidateCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "force-revalidate",
		Short: "Rebuild the tradable universe now and print what changed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return startupErr(err)
			}
			logger := log.New(cfg.Log.Level)

			ctx := cmd.Context()
			bot, err := app.New(ctx, cfg, logger, version)
			if err != nil {
				return startupErr(err)
			}
			defer bot.Close()

			if err := bot.Migrate(ctx); err != nil {
				return startupErr(err)
			}

			res, err := bot.Revalidate(ctx)
			if err != nil {
				return runtimeErr(err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "universe rebuilt: %d symbols (evaluated %d, rejected %d)\n",
				len(res.Snapshot.Universe), res.Evaluated, res.Rejected)
			if res.HashChanged {
				fmt.Fprintf(out, "hash %s -> %s\n", shortHash(res.PrevHash), shortHash(res.NewHash))
			} else {
				fmt.Fprintf(out, "hash %s (unchanged)\n", shortHash(res.NewHash))
			}
			if len(res.Added) > 0 {
				fmt.Fprintf(out, "added:   %s\n", strings.Join(res.Added, " "))
			}
			if len(res.Removed) > 0 {
				fmt.Fprintf(out, "removed: %s\n", strings.Join(res.Removed, " "))
			}
			return nil
		},
	}
	bindConfigFlag(cmd.Flags(), &cfgPath)
	return cmd
}

func shortHash(h string) string {
	if h == "" {
		return "(none)"
	}
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
