package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pario-ai/tenantgate/pkg/models"
)

// defaultLimit caps listing tools when the caller gives no limit.
const defaultLimit = 50

type budgetArgs struct {
	TenantID string `json:"tenant_id"`
}

type usageArgs struct {
	TenantID string `json:"tenant_id"`
	Since    string `json:"since"`
	Until    string `json:"until"`
	Limit    int    `json:"limit"`
}

type alertArgs struct {
	TenantID       string `json:"tenant_id"`
	Unacknowledged bool   `json:"unacknowledged"`
	Limit          int    `json:"limit"`
}

// toolHandler is a function that handles a tool call.
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

// toolHandlers maps tool names to their handlers.
var toolHandlers = map[string]toolHandler{
	"budget_check": handleBudgetCheck,
	"usage_query":  handleUsageQuery,
	"cache_stats":  handleCacheStats,
	"list_alerts":  handleListAlerts,
}

var (
	tenantProperty = Property{Type: "string", Description: "Tenant id (optional, omit for all tenants)"}
	limitProperty  = Property{Type: "integer", Description: "Maximum rows to return (optional, default 50)"}
)

// allTools is the list of tool definitions exposed via tools/list.
var allTools = []Tool{
	{
		Name:        "budget_check",
		Description: "Show spend, limit, ratio and status for one tenant or all tenants in the current period.",
		InputSchema: object(map[string]Property{"tenant_id": tenantProperty}),
	},
	{
		Name:        "usage_query",
		Description: "List usage records, newest first, optionally filtered by tenant and time range.",
		InputSchema: object(map[string]Property{
			"tenant_id": tenantProperty,
			"since":     {Type: "string", Description: "Start date in YYYY-MM-DD format (optional, defaults to start of month)"},
			"until":     {Type: "string", Description: "End date in YYYY-MM-DD format, exclusive (optional)"},
			"limit":     limitProperty,
		}),
	},
	{
		Name:        "cache_stats",
		Description: "Show response cache statistics (entries, hits, misses, coalesced, hit rate).",
		InputSchema: object(nil),
	},
	{
		Name:        "list_alerts",
		Description: "List budget threshold alerts, newest first.",
		InputSchema: object(map[string]Property{
			"tenant_id":      tenantProperty,
			"unacknowledged": {Type: "boolean", Description: "Only alerts not yet acknowledged (optional)"},
			"limit":          limitProperty,
		}),
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func handleBudgetCheck(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args budgetArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	if args.TenantID != "" {
		bc, err := s.gw.BudgetCheck(ctx, args.TenantID)
		if err != nil {
			return errorResult("Error fetching budget: " + err.Error())
		}
		return textResult(formatBudgets([]models.BudgetCheck{bc}))
	}
	all, err := s.gw.Budgets(ctx)
	if err != nil {
		return errorResult("Error fetching budgets: " + err.Error())
	}
	return textResult(formatBudgets(all))
}

func handleUsageQuery(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args usageArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}

	q := models.UsageQuery{TenantID: args.TenantID, Since: beginningOfMonth(), Limit: args.Limit}
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if args.Since != "" {
		t, err := time.Parse(time.DateOnly, args.Since)
		if err != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
		}
		q.Since = t
	}
	if args.Until != "" {
		t, err := time.Parse(time.DateOnly, args.Until)
		if err != nil {
			return errorResult("Invalid until date (use YYYY-MM-DD): " + err.Error())
		}
		q.Until = t
	}

	recs, err := s.gw.Usage(ctx, q)
	if err != nil {
		return errorResult("Error querying usage: " + err.Error())
	}
	return textResult(formatUsage(recs))
}

func beginningOfMonth() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func handleCacheStats(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	stats, err := s.gw.CacheStats(ctx)
	if err != nil {
		return errorResult("Error fetching cache stats: " + err.Error())
	}
	return textResult(formatCacheStats(stats))
}

func handleListAlerts(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.alerts == nil {
		return textResult("Alert storage is not configured.")
	}
	var args alertArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	if args.Limit <= 0 {
		args.Limit = defaultLimit
	}
	alerts, err := s.alerts.List(ctx, models.AlertQuery{
		TenantID:       args.TenantID,
		Unacknowledged: args.Unacknowledged,
		Limit:          args.Limit,
	})
	if err != nil {
		return errorResult("Error listing alerts: " + err.Error())
	}
	return textResult(formatAlerts(alerts))
}
