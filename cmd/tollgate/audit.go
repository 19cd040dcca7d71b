package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/tollgate/pkg/audit"
	"github.com/pario-ai/tollgate/pkg/models"
)

func newAuditCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and manage the call audit log",
	}

	cmd.AddCommand(
		newAuditSearchCmd(a),
		newAuditStatsCmd(a),
		newAuditCleanupCmd(a),
	)
	return cmd
}

func newAuditSearchCmd(a *app) *cobra.Command {
	var (
		subject string
		model   string
		since   string
		failed  bool
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search audit log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(a)
			if err != nil {
				return err
			}
			defer cleanup()

			opts := models.AuditQueryOpts{
				Subject: subject,
				Model:   model,
				Failed:  failed,
				Limit:   limit,
			}
			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				opts.Since = t
			}

			entries, err := l.Query(context.Background(), opts)
			if err != nil {
				return err
			}
			fmt.Print(formatAuditEntries(entries))
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "filter by subject")
	cmd.Flags().StringVar(&model, "model", "", "filter by model")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD, UTC)")
	cmd.Flags().BoolVar(&failed, "failed", false, "only failed attempts")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")

	return cmd
}

func newAuditStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show audit log statistics by model and day",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(a)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := l.Stats(context.Background())
			if err != nil {
				return err
			}
			fmt.Print(formatAuditStats(stats))
			return nil
		},
	}
}

func newAuditCleanupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete audit entries older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(a)
			if err != nil {
				return err
			}
			defer cleanup()

			deleted, err := l.Cleanup(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d audit entries.\n", deleted)
			return nil
		},
	}
}

func openAuditLogger(a *app) (*audit.Logger, func(), error) {
	l, err := audit.New(a.cfg.Audit)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit db: %w", err)
	}
	return l, func() { _ = l.Close() }, nil
}

func formatAuditEntries(entries []models.AuditEntry) string {
	if len(entries) == 0 {
		return "No audit entries found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-36s %-24s %-28s %8s %8s %10s %-18s %-20s\n",
		"ID", "SUBJECT", "MODEL", "IN", "OUT", "COST", "RESULT", "TIME")
	b.WriteString(strings.Repeat("-", 160) + "\n")
	for _, e := range entries {
		result := "ok"
		if !e.Success {
			result = e.FailureCategory
		}
		fmt.Fprintf(&b, "%-36s %-24s %-28s %8d %8d %10.6f %-18s %-20s\n",
			e.ID, truncate(e.Subject, 24), truncate(e.Model, 28),
			e.InputTokens, e.OutputTokens, e.Cost, result,
			e.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

func formatAuditStats(stats []models.AuditStat) string {
	if len(stats) == 0 {
		return "No audit stats found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-28s %-12s %8s %8s %12s\n", "MODEL", "DAY", "COUNT", "FAILED", "COST")
	b.WriteString(strings.Repeat("-", 72) + "\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-28s %-12s %8d %8d %12.6f\n", truncate(s.Model, 28), s.Day, s.Count, s.Failures, s.TotalCost)
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
