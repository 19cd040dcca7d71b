package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pario-ai/tollgate/pkg/models"
)

// StatusStore holds one sync status record per source. The record is
// advisory: IsSyncing does not prevent a second run.
type StatusStore struct {
	db *sql.DB
}

// Get returns the status of source. A source that never synced returns a
// zero record carrying only its name.
func (s *StatusStore) Get(ctx context.Context, source string) (models.SyncStatus, error) {
	return s.get(ctx, s.db, source)
}

// MarkStarted merges isSyncing=true and the start time into the record,
// overwriting stale state left by a crashed run.
func (s *StatusStore) MarkStarted(ctx context.Context, source string, at time.Time) error {
	return s.merge(ctx, source, func(st *models.SyncStatus) {
		st.IsSyncing = true
		t := at.UTC()
		st.LastSyncStartedAt = &t
	})
}

// MarkSuccess replaces the record with the final state of a successful run.
func (s *StatusStore) MarkSuccess(ctx context.Context, source string, at time.Time, count, retries int) error {
	t := at.UTC()
	st := models.SyncStatus{
		Source:        source,
		IsSyncing:     false,
		LastSyncAt:    &t,
		Status:        models.SyncSuccess,
		ExerciseCount: count,
		RetryCount:    retries,
	}
	return s.put(ctx, s.db, st)
}

// MarkError merges the failure of a run into the record.
func (s *StatusStore) MarkError(ctx context.Context, source string, at time.Time, message string, count, retries int) error {
	return s.merge(ctx, source, func(st *models.SyncStatus) {
		t := at.UTC()
		st.IsSyncing = false
		st.Status = models.SyncError
		st.LastSyncAt = &t
		st.ErrorMessage = &message
		st.ExerciseCount = count
		st.RetryCount = retries
	})
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *StatusStore) merge(ctx context.Context, source string, fn func(*models.SyncStatus)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin status update: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	st, err := s.get(ctx, tx, source)
	if err != nil {
		return err
	}
	fn(&st)
	if err := s.put(ctx, tx, st); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *StatusStore) get(ctx context.Context, q querier, source string) (models.SyncStatus, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT data FROM sync_status WHERE source = ?`, source).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SyncStatus{Source: source}, nil
	}
	if err != nil {
		return models.SyncStatus{}, fmt.Errorf("get sync status: %w", err)
	}
	var st models.SyncStatus
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return models.SyncStatus{}, fmt.Errorf("decode sync status: %w", err)
	}
	st.Source = source
	return st, nil
}

func (s *StatusStore) put(ctx context.Context, q querier, st models.SyncStatus) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode sync status: %w", err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO sync_status (source, data) VALUES (?, ?)
		 ON CONFLICT(source) DO UPDATE SET data = excluded.data`,
		st.Source, string(b))
	if err != nil {
		return fmt.Errorf("write sync status: %w", err)
	}
	return nil
}
