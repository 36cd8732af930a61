package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/framehost/framed/internal/daemon"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return daemon.Run(ctx, daemon.Options{
				ConfigPath:  flagConfig,
				PackagesDir: flagPackages,
				Version:     version,
			})
		},
	}
}
