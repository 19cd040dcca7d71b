// Package tier resolves a subject's subscription tier from its profile.
package tier

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Resolver looks up subscription tiers in the profiles table.
type Resolver struct {
	db          *sql.DB
	defaultTier string
}

const createProfilesTable = `
CREATE TABLE IF NOT EXISTS profiles (
	subject TEXT PRIMARY KEY,
	subscription_tier TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// New opens the profile store at dbPath and runs auto-migration.
func New(dbPath, defaultTier string) (*Resolver, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open profile db: %w", err)
	}

	if _, err := db.Exec(createProfilesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate profile db: %w", err)
	}

	return &Resolver{db: db, defaultTier: defaultTier}, nil
}

// Resolve returns the subject's tier. A missing profile, an empty tier or a
// lookup failure all resolve to the default tier.
func (r *Resolver) Resolve(ctx context.Context, subject string) string {
	t, err := r.GetTier(ctx, subject)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Warn().Err(err).Str("subject", subject).Msg("tier lookup failed, using default tier")
		}
		return r.defaultTier
	}
	if t == "" {
		return r.defaultTier
	}
	return t
}

// GetTier returns the stored tier; sql.ErrNoRows when no profile exists.
func (r *Resolver) GetTier(ctx context.Context, subject string) (string, error) {
	var t string
	err := r.db.QueryRowContext(ctx,
		`SELECT subscription_tier FROM profiles WHERE subject = ?`, subject,
	).Scan(&t)
	if err != nil {
		return "", err
	}
	return t, nil
}

// SetTier creates or updates the subject's profile tier.
func (r *Resolver) SetTier(ctx context.Context, subject, tier string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO profiles (subject, subscription_tier, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(subject) DO UPDATE SET subscription_tier = excluded.subscription_tier, updated_at = excluded.updated_at`,
		subject, tier, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set tier: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (r *Resolver) Close() error {
	return r.db.Close()
}
