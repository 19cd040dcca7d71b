package mcp

import (
	"fmt"
	"strings"
	"time"

	"github.com/pario-ai/tollgate/pkg/models"
)

func formatBudget(subject, tier string, statuses []models.BudgetStatus, rate models.RateWindow) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s  Tier: %s\n", subject, tier)
	if rate.WindowStart.IsZero() {
		b.WriteString("Rate window: no requests yet\n")
	} else {
		fmt.Fprintf(&b, "Rate window: %d requests since %s\n",
			rate.Count, rate.WindowStart.UTC().Format("2006-01-02 15:04:05"))
	}
	if len(statuses) == 0 {
		b.WriteString("No budget ceilings apply.\n")
		return b.String()
	}
	fmt.Fprintf(&b, "%-14s %12s %12s %12s %7s\n", "Ceiling", "Limit", "Used", "Remaining", "Usage%")
	b.WriteString(strings.Repeat("-", 61) + "\n")
	for _, s := range statuses {
		pct := float64(0)
		if s.Limit > 0 {
			pct = float64(s.Used) / float64(s.Limit) * 100
		}
		fmt.Fprintf(&b, "%-14s %12d %12d %12d %6.1f%%\n", s.Ceiling, s.Limit, s.Used, s.Remaining, pct)
	}
	return b.String()
}

func formatSyncStatus(st models.SyncStatus) string {
	status := string(st.Status)
	if status == "" {
		status = "never run"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Source:        %s\n", st.Source)
	fmt.Fprintf(&b, "Status:        %s\n", status)
	fmt.Fprintf(&b, "Syncing:       %t\n", st.IsSyncing)
	fmt.Fprintf(&b, "Last started:  %s\n", stamp(st.LastSyncStartedAt))
	fmt.Fprintf(&b, "Last finished: %s\n", stamp(st.LastSyncAt))
	fmt.Fprintf(&b, "Exercises:     %d\n", st.ExerciseCount)
	fmt.Fprintf(&b, "Retries:       %d\n", st.RetryCount)
	if st.ErrorMessage != nil {
		fmt.Fprintf(&b, "Error:         %s\n", *st.ErrorMessage)
	}
	return b.String()
}

func stamp(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatAuditEntries(entries []models.AuditEntry) string {
	if len(entries) == 0 {
		return "No audit entries found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-36s %-20s %-28s %8s %8s %10s %-18s %-20s\n",
		"ID", "Subject", "Model", "In", "Out", "Cost", "Result", "Time")
	b.WriteString(strings.Repeat("-", 156) + "\n")
	for _, e := range entries {
		result := "ok"
		if !e.Success {
			result = e.FailureCategory
		}
		fmt.Fprintf(&b, "%-36s %-20s %-28s %8d %8d %10.6f %-18s %-20s\n",
			e.ID, shorten(e.Subject, 20), shorten(e.Model, 28),
			e.InputTokens, e.OutputTokens, e.Cost, result,
			e.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

func formatAuditStats(stats []models.AuditStat) string {
	if len(stats) == 0 {
		return "No audit stats found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-28s %-12s %8s %8s %12s\n", "Model", "Day", "Calls", "Failed", "Cost")
	b.WriteString(strings.Repeat("-", 72) + "\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-28s %-12s %8d %8d %12.6f\n", shorten(s.Model, 28), s.Day, s.Count, s.Failures, s.TotalCost)
	}
	return b.String()
}

// shorten keeps the head and tail of long ids.
func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n || n < 8 {
		return s
	}
	half := (n - 3) / 2
	return string(r[:half]) + "..." + string(r[len(r)-half:])
}
