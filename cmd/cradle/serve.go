package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/cradle"
)

func createServeCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the cradle daemon",
		Long: `Run the HTTP API, the flush cycle, retention sweeps and diagnostics until
interrupted. Events that are open or not yet flushed survive restarts.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flags.ConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			cfg, err := cradle.LoadConfig(path)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg cradle.Config, opts ...cradle.Option) error {
	app, err := cradle.New(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}
