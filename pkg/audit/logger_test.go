package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pario-ai/tollgate/pkg/models"
)

func tempCfg(t *testing.T) models.AuditConfig {
	t.Helper()
	return models.AuditConfig{
		Enabled:       true,
		DBPath:        filepath.Join(t.TempDir(), "audit_test.db"),
		RetentionDays: 90,
	}
}

func mustNew(t *testing.T, cfg models.AuditConfig) *Logger {
	t.Helper()
	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func sampleEntry() models.AuditEntry {
	return models.AuditEntry{
		ID:           "aud-001",
		Subject:      "user-1",
		Model:        "claude-3-haiku-20240307",
		InputTokens:  10,
		OutputTokens: 20,
		Cost:         0.0000275,
		Success:      true,
		CreatedAt:    time.Now(),
	}
}

func TestLogAndQuery(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	if err := l.Log(ctx, sampleEntry()); err != nil {
		t.Fatalf("Log: %v", err)
	}

	entries, err := l.Query(ctx, models.AuditQueryOpts{Model: "claude-3-haiku-20240307"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ID != "aud-001" || e.Subject != "user-1" || !e.Success {
		t.Errorf("unexpected entry %+v", e)
	}
	if e.InputTokens != 10 || e.OutputTokens != 20 {
		t.Errorf("unexpected tokens %d/%d", e.InputTokens, e.OutputTokens)
	}
	if e.FailureCategory != "" {
		t.Errorf("expected no failure category, got %q", e.FailureCategory)
	}
}

func TestLogIsAppendOnly(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	if err := l.Log(ctx, sampleEntry()); err != nil {
		t.Fatalf("Log: %v", err)
	}
	dup := sampleEntry()
	dup.Subject = "someone-else"
	if err := l.Log(ctx, dup); !errors.Is(err, ErrDuplicateEntry) {
		t.Fatalf("expected ErrDuplicateEntry, got %v", err)
	}

	entries, _ := l.Query(ctx, models.AuditQueryOpts{})
	if len(entries) != 1 || entries[0].Subject != "user-1" {
		t.Errorf("original entry must be kept, got %+v", entries)
	}
}

func TestQueryFilters(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	ok := sampleEntry()
	ok.CreatedAt = base
	failed := models.AuditEntry{
		ID: "aud-002", Subject: "user-1", Model: "claude-3-haiku-20240307",
		FailureCategory: models.FailureBudget, CreatedAt: base.Add(time.Hour),
	}
	other := sampleEntry()
	other.ID = "aud-003"
	other.Subject = "user-2"
	other.CreatedAt = base.Add(-48 * time.Hour)
	for _, e := range []models.AuditEntry{ok, failed, other} {
		if err := l.Log(ctx, e); err != nil {
			t.Fatalf("Log %s: %v", e.ID, err)
		}
	}

	bySubject, err := l.Query(ctx, models.AuditQueryOpts{Subject: "user-1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(bySubject) != 2 || bySubject[0].ID != "aud-002" {
		t.Errorf("expected newest-first entries for user-1, got %+v", bySubject)
	}

	onlyFailed, _ := l.Query(ctx, models.AuditQueryOpts{Failed: true})
	if len(onlyFailed) != 1 || onlyFailed[0].FailureCategory != models.FailureBudget {
		t.Errorf("expected one budget failure, got %+v", onlyFailed)
	}

	recent, _ := l.Query(ctx, models.AuditQueryOpts{Since: base.Add(-time.Hour)})
	if len(recent) != 2 {
		t.Errorf("expected 2 recent entries, got %d", len(recent))
	}

	limited, _ := l.Query(ctx, models.AuditQueryOpts{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("expected limit to apply, got %d", len(limited))
	}
}

func TestCleanup(t *testing.T) {
	cfg := tempCfg(t)
	cfg.RetentionDays = 1
	l := mustNew(t, cfg)
	ctx := context.Background()

	old := sampleEntry()
	old.CreatedAt = time.Now().AddDate(0, 0, -3)
	_ = l.Log(ctx, old)
	fresh := sampleEntry()
	fresh.ID = "aud-002"
	_ = l.Log(ctx, fresh)

	deleted, err := l.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}
}

func TestCleanupDisabled(t *testing.T) {
	cfg := tempCfg(t)
	cfg.RetentionDays = 0
	l := mustNew(t, cfg)
	ctx := context.Background()

	old := sampleEntry()
	old.CreatedAt = time.Now().AddDate(-1, 0, 0)
	_ = l.Log(ctx, old)

	deleted, err := l.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 0 {
		t.Errorf("zero retention must keep entries, deleted %d", deleted)
	}
}

func TestStats(t *testing.T) {
	l := mustNew(t, tempCfg(t))
	ctx := context.Background()

	_ = l.Log(ctx, sampleEntry())
	e2 := sampleEntry()
	e2.ID = "aud-002"
	e2.Success = false
	e2.Cost = 0
	e2.FailureCategory = "api_error_503"
	_ = l.Log(ctx, e2)

	stats, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(stats) == 0 {
		t.Fatal("expected stats")
	}
	if stats[0].Count != 2 {
		t.Errorf("expected count 2, got %d", stats[0].Count)
	}
	if stats[0].Failures != 1 {
		t.Errorf("expected 1 failure, got %d", stats[0].Failures)
	}
	if stats[0].TotalCost <= 0 {
		t.Errorf("expected positive total cost, got %f", stats[0].TotalCost)
	}
}

func TestNilLoggerSafe(t *testing.T) {
	var l *Logger
	if err := l.Log(context.Background(), sampleEntry()); err != nil {
		t.Errorf("nil logger should be safe: %v", err)
	}
}

func TestNewInvalidPath(t *testing.T) {
	cfg := models.AuditConfig{
		Enabled: true,
		DBPath:  filepath.Join(os.TempDir(), "nonexistent", "deep", "path", "audit.db"),
	}
	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for invalid path")
	}
}
