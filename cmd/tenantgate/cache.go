package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCacheCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the response cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.openCache(); err != nil {
				return err
			}
			if a.cache == nil {
				fmt.Println("Cache is disabled.")
				return nil
			}
			stats, err := a.cache.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Driver:  %s\nEntries: %d\nTTL:     %s\n", a.cfg.Cache.Driver, stats.Entries, a.cfg.Cache.TTL)
			return nil
		},
	}

	var expiredOnly bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.openCache(); err != nil {
				return err
			}
			if a.cache == nil {
				fmt.Println("Cache is disabled.")
				return nil
			}
			n, err := a.cache.Clear(cmd.Context(), expiredOnly)
			if err != nil {
				return err
			}
			if expiredOnly {
				fmt.Printf("%d expired cache entries cleared.\n", n)
			} else {
				fmt.Printf("%d cache entries cleared.\n", n)
			}
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only clear expired entries")

	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}
