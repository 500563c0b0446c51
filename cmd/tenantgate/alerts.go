package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pario-ai/tenantgate/pkg/models"
)

func newAlertsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List and acknowledge budget alerts",
	}

	var (
		tenantID string
		unacked  bool
		limit    int
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List budget alerts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.openAlerts(); err != nil {
				return err
			}
			alerts, err := a.alerts.List(cmd.Context(), models.AlertQuery{
				TenantID:       tenantID,
				Unacknowledged: unacked,
				Limit:          limit,
			})
			if err != nil {
				return err
			}
			if len(alerts) == 0 {
				fmt.Println("No alerts found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTENANT\tTHRESHOLD\tRATIO\tPERIOD\tCREATED\tACK")
			for _, al := range alerts {
				fmt.Fprintf(w, "%s\t%s\t%d%%\t%.1f%%\t%s\t%s\t%t\n",
					al.ID, al.TenantID, al.ThresholdPct, al.Ratio*100,
					al.PeriodStart.Format("2006-01"), al.CreatedAt.Local().Format("2006-01-02 15:04:05"), al.Acknowledged)
			}
			return w.Flush()
		},
	}
	listCmd.Flags().StringVar(&tenantID, "tenant", "", "filter by tenant")
	listCmd.Flags().BoolVar(&unacked, "unacked", false, "only unacknowledged alerts")
	listCmd.Flags().IntVar(&limit, "limit", 50, "maximum alerts to show (0 for all)")

	ackCmd := &cobra.Command{
		Use:   "ack <alert-id>...",
		Short: "Acknowledge alerts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.openAlerts(); err != nil {
				return err
			}
			for _, id := range args {
				if err := a.alerts.Ack(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Printf("Alert %s acknowledged.\n", id)
			}
			return nil
		},
	}

	cmd.AddCommand(listCmd, ackCmd)
	return cmd
}
