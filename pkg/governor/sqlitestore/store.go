// Package sqlitestore is a SQLite-backed counter store for the admission
// governor. Each update runs in an immediate transaction, so concurrent
// writers for any subject are serialized by the database's write lock,
// across processes sharing the file as well as within one.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/tollgate/pkg/governor"
	"github.com/pario-ai/tollgate/pkg/models"
)

// Store implements governor.Store.
type Store struct {
	db *sql.DB
}

var _ governor.Store = (*Store)(nil)

// New opens the counter database at dbPath and creates the schema.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open counter db: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS counters (
		subject    TEXT PRIMARY KEY,
		data       TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate counter db: %w", err)
	}
	return &Store{db: db}, nil
}

// Update implements governor.Store.
func (s *Store) Update(ctx context.Context, subject string, fn governor.UpdateFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", governor.ErrStoreUnavailable, err)
	}
	defer tx.Rollback() //nolint:errcheck

	c, err := load(ctx, tx, subject)
	if err != nil {
		return err
	}

	write, err := fn(&c)
	if err != nil {
		return err
	}
	if !write {
		return tx.Commit()
	}

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode counters: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO counters (subject, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(subject) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		subject, string(data), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("%w: write: %v", governor.ErrStoreUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", governor.ErrStoreUnavailable, err)
	}
	return nil
}

// Get implements governor.Store.
func (s *Store) Get(ctx context.Context, subject string) (models.Counters, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM counters WHERE subject = ?`, subject).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Counters{}, nil
	}
	if err != nil {
		return models.Counters{}, fmt.Errorf("%w: %v", governor.ErrStoreUnavailable, err)
	}
	var c models.Counters
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return models.Counters{}, fmt.Errorf("decode counters: %w", err)
	}
	return c, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func load(ctx context.Context, tx *sql.Tx, subject string) (models.Counters, error) {
	var c models.Counters
	var data string
	err := tx.QueryRowContext(ctx, `SELECT data FROM counters WHERE subject = ?`, subject).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("%w: read: %v", governor.ErrStoreUnavailable, err)
	}
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return c, fmt.Errorf("decode counters: %w", err)
	}
	return c, nil
}
