package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pario-ai/tollgate/pkg/catalog"
	"github.com/pario-ai/tollgate/pkg/models"
)

type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

var toolHandlers = map[string]toolHandler{
	"tollgate_budget":       handleBudget,
	"tollgate_sync_status":  handleSyncStatus,
	"tollgate_audit_search": handleAuditSearch,
	"tollgate_audit_stats":  handleAuditStats,
}

var allTools = []ToolDefinition{
	{
		Name:        "tollgate_budget",
		Description: "Show a subject's token usage against its tier ceilings and its current rate window.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"subject"},
			"properties": map[string]any{
				"subject": map[string]any{
					"type":        "string",
					"description": "Subject id from the identity token",
				},
				"tier": map[string]any{
					"type":        "string",
					"description": "Tier to evaluate against (optional, defaults to the stored tier)",
				},
			},
		},
	},
	{
		Name:        "tollgate_sync_status",
		Description: "Show the status of the last exercise catalog sync.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
	{
		Name:        "tollgate_audit_search",
		Description: "Search the call audit log with optional filters.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"subject": map[string]any{
					"type":        "string",
					"description": "Filter by subject (optional)",
				},
				"model": map[string]any{
					"type":        "string",
					"description": "Filter by model (optional)",
				},
				"since": map[string]any{
					"type":        "string",
					"description": "Start date in YYYY-MM-DD format, UTC (optional)",
				},
				"failed": map[string]any{
					"type":        "boolean",
					"description": "Only failed attempts (optional)",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Max entries to return (optional, default 50)",
				},
			},
		},
	},
	{
		Name:        "tollgate_audit_stats",
		Description: "Show audit counts, failures and estimated cost by model and day.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}, IsError: true}
}

type budgetArgs struct {
	Subject string `json:"subject"`
	Tier    string `json:"tier"`
}

func handleBudget(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	if s.deps.Budgets == nil {
		return textResult("Budget governance is not configured.")
	}
	var args budgetArgs
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &args)
	}
	if args.Subject == "" {
		return errorResult("subject is required")
	}
	if args.Tier == "" && s.deps.Tiers != nil {
		args.Tier = s.deps.Tiers.Resolve(ctx, args.Subject)
	}

	statuses, rate, err := s.deps.Budgets.Status(ctx, args.Subject, args.Tier)
	if err != nil {
		return errorResult("Error fetching budget status: " + err.Error())
	}
	return textResult(formatBudget(args.Subject, args.Tier, statuses, rate))
}

func handleSyncStatus(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.deps.Sync == nil {
		return textResult("Catalog sync is not configured.")
	}
	st, err := s.deps.Sync.Get(ctx, catalog.Source)
	if err != nil {
		return errorResult("Error fetching sync status: " + err.Error())
	}
	return textResult(formatSyncStatus(st))
}

type auditSearchArgs struct {
	Subject string `json:"subject"`
	Model   string `json:"model"`
	Since   string `json:"since"`
	Failed  bool   `json:"failed"`
	Limit   int    `json:"limit"`
}

func handleAuditSearch(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	if s.deps.Audit == nil {
		return textResult("Audit logging is not configured.")
	}
	var args auditSearchArgs
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &args)
	}

	opts := models.AuditQueryOpts{
		Subject: args.Subject,
		Model:   args.Model,
		Failed:  args.Failed,
		Limit:   args.Limit,
	}
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if args.Since != "" {
		t, err := time.Parse("2006-01-02", args.Since)
		if err != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
		}
		opts.Since = t
	}

	entries, err := s.deps.Audit.Query(ctx, opts)
	if err != nil {
		return errorResult("Error searching audit log: " + err.Error())
	}
	return textResult(formatAuditEntries(entries))
}

func handleAuditStats(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.deps.Audit == nil {
		return textResult("Audit logging is not configured.")
	}
	stats, err := s.deps.Audit.Stats(ctx)
	if err != nil {
		return errorResult("Error fetching audit stats: " + err.Error())
	}
	return textResult(formatAuditStats(stats))
}
