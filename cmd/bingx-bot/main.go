// bingx-bot runs the BingX spot trading bot and its operator commands.
//
//	bingx-bot start              run the full pipeline until signalled
//	bingx-bot stop               ask a running instance to shut down
//	bingx-bot emergency-stop     close every open position right now
//	bingx-bot force-revalidate   rebuild the symbol universe once
//	bingx-bot analyze BTC/USDT   one-shot indicator and rule dump
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	appName = "bingx-bot"
	version = "v3.0.0"
)

// Exit codes: 0 success, 1 startup failure, 2 runtime fatal, 130
// interrupted. Wrappers and systemd units key off these.
const (
	codeStartup   = 1
	codeRuntime   = 2
	codeInterrupt = 130
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339

	if err := newRootCmd().Execute(); err != nil {
		code := exitCode(err)
		if code != codeInterrupt {
			fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		}
		os.Exit(code)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           appName,
		Short:         "BingX spot trading bot",
		Long:          "Continuous USDT spot scanner, signal pipeline and position manager for BingX.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newStartCmd(),
		newStopCmd(),
		newEmergencyStopCmd(),
		newRevalidateCmd(),
		newAnalyzeCmd(),
	)
	return root
}

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func startupErr(err error) error { return &exitError{code: codeStartup, err: err} }
func runtimeErr(err error) error { return &exitError{code: codeRuntime, err: err} }

var errInterrupted = &exitError{code: codeInterrupt, err: errors.New("interrupted")}

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return codeStartup
}

// bindConfigFlag is shared by every command that boots from the yaml
// config plus environment.
func bindConfigFlag(fs *pflag.FlagSet, dst *string) {
	fs.StringVar(dst, "config", "", "Path to the yaml config file (optional; env still applies)")
}
