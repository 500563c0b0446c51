package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pario-ai/tenantgate/pkg/mcp"
)

func newMCPCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve budget, usage, cache and alert tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := a.openGateway(ctx); err != nil {
				return err
			}
			srv := mcp.New(a.gateway, a.alerts, version, a.log.Named("mcp"))
			return srv.Run(ctx, os.Stdin, os.Stdout)
		},
	}
}
