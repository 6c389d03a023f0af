package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/vtrpza/bingxv3/internal/app"
	"github.com/vtrpza/bingxv3/internal/config"
	"github.com/vtrpza/bingxv3/internal/log"
)

func newStartCmd() *cobra.Command {
	var cfgPath, pidfile string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the scanner, trading engine, risk jobs and dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return startupErr(err)
			}
			logger := log.New(cfg.Log.Level)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			bot, err := app.New(ctx, cfg, logger, version)
			if err != nil {
				return startupErr(err)
			}

			if err := writePidfile(pidfile); err != nil {
				logger.Warn().Err(err).Str("path", pidfile).
					Msg("pidfile not written; `bingx-bot stop` will not find this instance")
			} else {
				defer os.Remove(pidfile)
			}

			err = bot.Run(ctx)
			if err != nil {
				return runtimeErr(err)
			}
			if ctx.Err() != nil {
				return errInterrupted
			}
			return nil
		},
	}
	bindConfigFlag(cmd.Flags(), &cfgPath)
	bindPidfileFlag(cmd.Flags(), &pidfile)
	return cmd
}

func bindPidfileFlag(fs *pflag.FlagSet, dst *string) {
	fs.StringVar(dst, "pidfile", defaultPidfile(), "Where the running instance records its pid")
}

func defaultPidfile() string {
	return filepath.Join(os.TempDir(), appName+".pid")
}

func writePidfile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

func readPidfile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("pidfile %s is corrupt: %w", path, err)
	}
	return pid, nil
}
