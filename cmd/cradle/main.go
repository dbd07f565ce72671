package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	Token      string
	CACert     string
	Insecure   bool
	Timezone   string
}

// buildRoot creates the root command with all subcommands attached.
func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := createRootCommand(flags)
	c := command{flags: flags}
	root.AddCommand(
		createServeCommand(flags),
		createStartCommand(c),
		createStopCommand(c),
		createAmendCommand(c),
		createOpenCommand(c),
		createHealthCommand(c),
		createFlushCommand(c),
		createTokenCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "cradle",
		Short: "Record naps and feedings into a time-series store",
		Long: `Cradle records baby events (naps, breastfeeding sessions), keeps them in a
local durable store until they reach the time-series database, and reports on
the health of that pipeline.

Examples:
  cradle serve cradle.toml          # run the daemon
  cradle start nap                  # nap starts now
  cradle start nap --at 07:32       # nap started at 07:32 today
  cradle stop nap --ago 5m          # nap ended five minutes ago
  cradle amend breastfeeding --meta side=left
  cradle health`,
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	pf.StringVar(&flags.APIUrl, "api-url", "http://localhost:8080/api", "daemon API URL")
	pf.DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	pf.StringVar(&flags.Token, "token", "", "API bearer token (default $CRADLE_API_TOKEN)")
	pf.StringVar(&flags.CACert, "ca-cert", "", "CA certificate for a TLS daemon")
	pf.BoolVar(&flags.Insecure, "insecure", false, "skip TLS verification")
	pf.StringVar(&flags.Timezone, "tz", "", "timezone for --at (default: config timezone)")
	return root
}
