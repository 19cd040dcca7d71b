package catalog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/tollgate/pkg/models"
)

// MaxBatch caps records per UpsertBatch transaction.
const MaxBatch = 500

// ErrNotFound is returned by Get for an unknown id.
var ErrNotFound = errors.New("catalog record not found")

// Store persists catalog records and the sync status of each source.
// Records are only ever created or merged, never deleted.
type Store struct {
	db     *sql.DB
	now    func() time.Time
	Status *StatusStore
}

// Open opens the catalog database at dbPath and runs auto-migration.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open catalog db: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate catalog db: %w", err)
	}
	s := &Store{db: db, now: time.Now}
	s.Status = &StatusStore{db: db}
	return s, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS catalog (
		id           TEXT PRIMARY KEY,
		external_id  INTEGER NOT NULL,
		source       TEXT NOT NULL,
		data         TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		created_at   DATETIME NOT NULL,
		updated_at   DATETIME NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_catalog_source ON catalog(source)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS sync_status (
		source TEXT PRIMARY KEY,
		data   TEXT NOT NULL
	)`)
	return err
}

// UpsertBatch writes records in one transaction, keyed by record id. New
// records are inserted. An existing record whose content changed has the new
// top-level fields merged into its stored document: fields written by other
// collaborators are kept and created_at never changes. Unchanged content is
// a no-op, so replaying a batch leaves the stored rows byte-identical. It
// returns the number of rows inserted or changed.
func (s *Store) UpsertBatch(ctx context.Context, records []models.CatalogRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	if len(records) > MaxBatch {
		return 0, fmt.Errorf("batch of %d exceeds limit %d", len(records), MaxBatch)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin catalog batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.now().UTC()
	changed := 0
	for _, r := range records {
		data, hash, err := encode(r)
		if err != nil {
			return 0, fmt.Errorf("encode %s: %w", r.ID, err)
		}

		var stored, storedHash string
		err = tx.QueryRowContext(ctx,
			`SELECT data, content_hash FROM catalog WHERE id = ?`, r.ID,
		).Scan(&stored, &storedHash)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx, `INSERT INTO catalog
				(id, external_id, source, data, content_hash, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				r.ID, r.ExternalID, r.Source, data, hash, now, now)
		case err != nil:
			return 0, fmt.Errorf("read %s: %w", r.ID, err)
		case storedHash == hash:
			continue
		default:
			merged, merr := mergeFields(stored, data)
			if merr != nil {
				return 0, fmt.Errorf("merge %s: %w", r.ID, merr)
			}
			_, err = tx.ExecContext(ctx, `UPDATE catalog SET
				external_id = ?, source = ?, data = ?, content_hash = ?, updated_at = ?
				WHERE id = ?`,
				r.ExternalID, r.Source, merged, hash, now, r.ID)
		}
		if err != nil {
			return 0, fmt.Errorf("upsert %s: %w", r.ID, err)
		}
		changed++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit catalog batch: %w", err)
	}
	return changed, nil
}

// mergeFields sets every top-level field of patch on the stored document.
// Fields present only in stored survive; a null in patch is written as null.
func mergeFields(stored, patch string) (string, error) {
	if !gjson.Valid(stored) {
		return patch, nil
	}
	out := stored
	var err error
	gjson.Parse(patch).ForEach(func(key, value gjson.Result) bool {
		out, err = sjson.SetRaw(out, escapePath(key.String()), value.Raw)
		return err == nil
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

// escapePath quotes the sjson path metacharacters in a field name.
func escapePath(key string) string {
	return pathMeta.Replace(key)
}

var pathMeta = strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`)

// Get returns the record with the given id.
func (s *Store) Get(ctx context.Context, id string) (*models.CatalogRecord, error) {
	var data string
	var r models.CatalogRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT data, created_at, updated_at FROM catalog WHERE id = ?`, id,
	).Scan(&data, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get catalog record: %w", err)
	}
	createdAt, updatedAt := r.CreatedAt, r.UpdatedAt
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("decode catalog record: %w", err)
	}
	r.CreatedAt, r.UpdatedAt = createdAt, updatedAt
	return &r, nil
}

// Count returns the number of records from source, or all records when
// source is empty.
func (s *Store) Count(ctx context.Context, source string) (int, error) {
	q := `SELECT count(*) FROM catalog`
	var args []any
	if source != "" {
		q += ` WHERE source = ?`
		args = append(args, source)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count catalog: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// encode serializes the content fields of r. Timestamps are excluded so the
// hash changes only when the mirrored content does.
func encode(r models.CatalogRecord) (string, string, error) {
	r.CreatedAt, r.UpdatedAt = time.Time{}, time.Time{}
	b, err := json.Marshal(r)
	if err != nil {
		return "", "", err
	}
	sum := sha256.Sum256(b)
	return string(b), hex.EncodeToString(sum[:]), nil
}
