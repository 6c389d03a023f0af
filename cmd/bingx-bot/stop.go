package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
)

func newStopCmd() *cobra.Command {
	var pidfile string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask a running instance to shut down gracefully",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pid, err := readPidfile(pidfile)
			if err != nil {
				if os.IsNotExist(err) {
					return startupErr(fmt.Errorf("no pidfile at %s; is the bot running?", pidfile))
				}
				return startupErr(err)
			}

			proc, err := os.FindProcess(pid)
			if err != nil {
				return startupErr(err)
			}
			if err := proc.Signal(syscall.SIGTERM); err != nil {
				// The instance died without cleaning up after itself.
				os.Remove(pidfile)
				return startupErr(fmt.Errorf("process %d is gone, removed stale pidfile", pid))
			}

			fmt.Fprintf(cmd.OutOrStdout(), "sent SIGTERM to pid %d\n", pid)
			return nil
		},
	}
	bindPidfileFlag(cmd.Flags(), &pidfile)
	return cmd
}
