package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/tenantgate/pkg/models"
)

func newUsageCmd(configPath *string) *cobra.Command {
	var (
		tenantID string
		since    string
		until    string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "List usage records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := models.UsageQuery{TenantID: tenantID, Limit: limit}
			var err error
			if since != "" {
				if q.Since, err = time.Parse(time.DateOnly, since); err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
			} else {
				now := time.Now().UTC()
				q.Since = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
			}
			if until != "" {
				if q.Until, err = time.Parse(time.DateOnly, until); err != nil {
					return fmt.Errorf("invalid --until date (use YYYY-MM-DD): %w", err)
				}
			}

			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if err := a.openUsage(ctx); err != nil {
				return err
			}
			recs, err := a.usage.Query(ctx, q)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println("No usage records found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tTENANT\tUSER\tMODEL\tPROMPT\tCOMPLETION\tCOST\tCACHE\tLATENCY\tFAILURE")
			var total float64
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%.4f\t%s\t%dms\t%s\n",
					r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.TenantID, r.UserID, r.Model,
					r.PromptTokens, r.CompletionTokens, r.Cost, r.Cache, r.LatencyMs, r.FailureReason)
				total += r.Cost
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("\n%d records, total cost %.4f\n", len(recs), total)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "filter by tenant")
	cmd.Flags().StringVar(&since, "since", "", "start date YYYY-MM-DD (default: start of month)")
	cmd.Flags().StringVar(&until, "until", "", "end date YYYY-MM-DD, exclusive")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum records to show (0 for all)")
	return cmd
}
