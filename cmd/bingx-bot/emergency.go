package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/vtrpza/bingxv3/internal/config"
	"github.com/vtrpza/bingxv3/internal/dashboard"
)

func newEmergencyStopCmd() *cobra.Command {
	var (
		cfgPath string
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "emergency-stop",
		Short: "Flatten every open position on the running instance",
		Long: `Tells the running bot to close all open positions at market, cancel
resting orders and refuse new entries until it is restarted. Talks to the
dashboard API of the local instance.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				cfg, err := config.Load(cfgPath)
				if err != nil {
					return startupErr(err)
				}
				addr = dialableAddr(cfg.Dashboard.Host, cfg.Dashboard.Port)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			url := "http://" + addr + "/api/emergency-stop"
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
			if err != nil {
				return startupErr(err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return startupErr(fmt.Errorf("no bot answering at %s: %w", addr, err))
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return runtimeErr(fmt.Errorf("emergency stop refused: %s", resp.Status))
			}

			var er dashboard.EmergencyResponse
			if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
				return runtimeErr(fmt.Errorf("unreadable response from %s: %w", addr, err))
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "emergency stop engaged=%v positions=%d\n", er.Engaged, len(er.Outcomes))
			for _, o := range er.Outcomes {
				if o.Error != "" {
					fmt.Fprintf(out, "  %-12s trade=%d FAILED: %s\n", o.Symbol, o.TradeID, o.Error)
					continue
				}
				fmt.Fprintf(out, "  %-12s trade=%d closed\n", o.Symbol, o.TradeID)
			}
			return nil
		},
	}
	bindConfigFlag(cmd.Flags(), &cfgPath)
	cmd.Flags().StringVar(&addr, "addr", "", "Dashboard host:port (default derived from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "How long to wait for the instance to flatten")
	return cmd
}

// dialableAddr turns a listen address into one a client can dial.
// A bot listening on 0.0.0.0 answers on loopback.
func dialableAddr(host string, port int) string {
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
