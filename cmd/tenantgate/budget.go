package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/tenantgate/pkg/models"
)

func newBudgetCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect and override tenant budgets",
	}

	statusCmd := &cobra.Command{
		Use:   "status [tenant]",
		Short: "Show spend vs limit for the current period",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if err := a.openLedger(ctx); err != nil {
				return err
			}

			var checks []models.BudgetCheck
			if len(args) == 1 {
				bc, err := a.ledger.Check(args[0])
				if err != nil {
					return err
				}
				checks = append(checks, bc)
			} else {
				for _, t := range a.ledger.List() {
					bc, err := a.ledger.Check(t.ID)
					if err != nil {
						return err
					}
					checks = append(checks, bc)
				}
			}
			if len(checks) == 0 {
				fmt.Println("No tenants configured.")
				return nil
			}
			return printBudgets(os.Stdout, checks)
		},
	}

	var (
		limit      float64
		serverURL  string
		adminToken string
	)
	overrideCmd := &cobra.Command{
		Use:   "override <tenant>",
		Short: "Re-activate a suspended tenant, optionally with a new limit",
		Long: "Re-activate a suspended tenant, optionally with a new limit.\n\n" +
			"With --server the override goes through the admin API of a running gateway.\n" +
			"Without it the ledger store is edited directly, which is only safe while no gateway is running.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var newLimit *float64
			if cmd.Flags().Changed("limit") {
				if limit < 0 {
					return fmt.Errorf("--limit must not be negative")
				}
				newLimit = &limit
			}

			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			var t models.Tenant
			if serverURL != "" {
				token := adminToken
				if token == "" {
					token = a.cfg.Auth.AdminToken
				}
				t, err = overrideRemote(ctx, serverURL, token, args[0], newLimit)
			} else {
				if err = a.openLedger(ctx); err != nil {
					return err
				}
				t, err = a.ledger.Override(ctx, args[0], newLimit)
			}
			if err != nil {
				return err
			}
			fmt.Printf("Tenant %s is %s with limit %.4f (spend %.4f).\n", t.ID, t.Status, t.Limit, t.Spend)
			return nil
		},
	}
	overrideCmd.Flags().Float64Var(&limit, "limit", 0, "new spending limit for the period")
	overrideCmd.Flags().StringVar(&serverURL, "server", "", "base URL of a running gateway, e.g. http://localhost:8080")
	overrideCmd.Flags().StringVar(&adminToken, "admin-token", "", "admin token (defaults to auth.admin_token from the config)")

	cmd.AddCommand(statusCmd, overrideCmd)
	return cmd
}

func printBudgets(out io.Writer, checks []models.BudgetCheck) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TENANT\tSPEND\tRESERVED\tLIMIT\tUSAGE%\tSTATUS\tPERIOD")
	for _, c := range checks {
		fmt.Fprintf(w, "%s\t%.4f\t%.4f\t%.4f\t%.1f\t%s\t%s\n",
			c.TenantID, c.Spend, c.Reserved, c.Limit, c.Ratio*100, c.Status, c.PeriodStart.Format("2006-01-02"))
	}
	return w.Flush()
}

func overrideRemote(ctx context.Context, baseURL, token, tenantID string, newLimit *float64) (models.Tenant, error) {
	body, err := json.Marshal(map[string]*float64{"limit": newLimit})
	if err != nil {
		return models.Tenant{}, err
	}
	url := strings.TrimRight(baseURL, "/") + "/v1/admin/tenants/" + tenantID + "/override"
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return models.Tenant{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return models.Tenant{}, fmt.Errorf("override request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return models.Tenant{}, fmt.Errorf("override failed (%d): %s", resp.StatusCode, e.Error.Message)
	}
	var t models.Tenant
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return models.Tenant{}, fmt.Errorf("decode override response: %w", err)
	}
	return t, nil
}
