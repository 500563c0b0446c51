package mcp

import (
	"fmt"
	"strings"

	"github.com/pario-ai/tenantgate/pkg/models"
)

const timeLayout = "2006-01-02 15:04:05"

// formatBudgets formats budget checks as a text table.
func formatBudgets(checks []models.BudgetCheck) string {
	if len(checks) == 0 {
		return "No tenants configured."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %12s %12s %12s %7s %-10s %-10s\n",
		"Tenant", "Spend", "Reserved", "Limit", "Usage%", "Status", "Period")
	b.WriteString(strings.Repeat("-", 90) + "\n")
	for _, c := range checks {
		fmt.Fprintf(&b, "%-20s %12.4f %12.4f %12.4f %6.1f%% %-10s %-10s\n",
			c.TenantID, c.Spend, c.Reserved, c.Limit, c.Ratio*100, c.Status,
			c.PeriodStart.Format("2006-01-02"))
	}
	return b.String()
}

// formatUsage formats usage records as a text table.
func formatUsage(recs []models.UsageRecord) string {
	if len(recs) == 0 {
		return "No usage records found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-16s %-20s %8s %10s %10s %-5s %s\n",
		"Time", "Tenant", "Model", "Prompt", "Completion", "Cost", "Cache", "Failure")
	b.WriteString(strings.Repeat("-", 110) + "\n")
	var total float64
	for _, r := range recs {
		fmt.Fprintf(&b, "%-20s %-16s %-20s %8d %10d %10.4f %-5s %s\n",
			r.CreatedAt.Format(timeLayout), r.TenantID, r.Model,
			r.PromptTokens, r.CompletionTokens, r.Cost, r.Cache, r.FailureReason)
		total += r.Cost
	}
	fmt.Fprintf(&b, "\n%d records, total cost %.4f\n", len(recs), total)
	return b.String()
}

// formatCacheStats formats cache stats as text.
func formatCacheStats(stats models.CacheStats) string {
	total := stats.Hits + stats.Misses
	hitRate := float64(0)
	if total > 0 {
		hitRate = float64(stats.Hits) / float64(total) * 100
	}
	return fmt.Sprintf("Cache Statistics\n"+
		"  Entries:   %d\n"+
		"  Hits:      %d\n"+
		"  Misses:    %d\n"+
		"  Coalesced: %d\n"+
		"  Hit Rate:  %.1f%%\n",
		stats.Entries, stats.Hits, stats.Misses, stats.Coalesced, hitRate)
}

// formatAlerts formats budget alerts as a text table.
func formatAlerts(alerts []models.BudgetAlert) string {
	if len(alerts) == 0 {
		return "No alerts found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-36s %-16s %9s %7s %-20s %s\n",
		"ID", "Tenant", "Threshold", "Ratio", "Created", "Ack")
	b.WriteString(strings.Repeat("-", 100) + "\n")
	for _, a := range alerts {
		ack := "no"
		if a.Acknowledged {
			ack = "yes"
		}
		fmt.Fprintf(&b, "%-36s %-16s %8d%% %6.1f%% %-20s %s\n",
			a.ID, a.TenantID, a.ThresholdPct, a.Ratio*100, a.CreatedAt.Format(timeLayout), ack)
	}
	return b.String()
}
