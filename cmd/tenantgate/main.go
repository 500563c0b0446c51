package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pario-ai/tenantgate/pkg/config"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "tenantgate",
		Short:         "tenantgate: multi-tenant LLM gateway with budgets and a shared response cache",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", config.PathFromEnv("tenantgate.yaml"),
		"path to config file (env "+config.EnvConfigPath+")")

	root.AddCommand(
		newServeCmd(&configPath),
		newBudgetCmd(&configPath),
		newUsageCmd(&configPath),
		newCacheCmd(&configPath),
		newAlertsCmd(&configPath),
		newMCPCmd(&configPath),
	)
	return root
}
