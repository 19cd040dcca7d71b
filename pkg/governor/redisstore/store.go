// Package redisstore is a Redis-backed counter store for the admission
// governor, shared by every gateway instance pointing at the same server.
// Updates use WATCH/MULTI optimistic transactions on the subject's key.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pario-ai/tollgate/pkg/governor"
	"github.com/pario-ai/tollgate/pkg/models"
)

const (
	// keyTTL outlives the longest budget period so an idle subject's monthly
	// counters survive until the month rolls over.
	keyTTL     = 40 * 24 * time.Hour
	maxRetries = 50
)

// Store implements governor.Store.
type Store struct {
	client *redis.Client
	prefix string
}

var _ governor.Store = (*Store)(nil)

// New wraps an existing client. Keys are prefix + subject.
func New(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

// Dial connects to addr and checks the connection.
func Dial(ctx context.Context, addr, password string, db int, prefix string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return New(client, prefix), nil
}

type fnError struct{ err error }

func (e fnError) Error() string { return e.err.Error() }
func (e fnError) Unwrap() error { return e.err }

// Update implements governor.Store. fn is re-run when another writer
// modifies the key between the read and the commit.
func (s *Store) Update(ctx context.Context, subject string, fn governor.UpdateFunc) error {
	key := s.prefix + subject

	txf := func(tx *redis.Tx) error {
		c, err := decode(tx.Get(ctx, key))
		if err != nil {
			return err
		}
		write, err := fn(&c)
		if err != nil {
			return fnError{err}
		}
		if !write {
			return nil
		}
		data, err := json.Marshal(c)
		if err != nil {
			return fnError{fmt.Errorf("encode counters: %w", err)}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, keyTTL)
			return nil
		})
		return err
	}

	for i := 0; i < maxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		var fe fnError
		if errors.As(err, &fe) {
			return fe.err
		}
		return fmt.Errorf("%w: %v", governor.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%w: too much contention on %s", governor.ErrStoreUnavailable, key)
}

// Get implements governor.Store.
func (s *Store) Get(ctx context.Context, subject string) (models.Counters, error) {
	return decode(s.client.Get(ctx, s.prefix+subject))
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func decode(cmd *redis.StringCmd) (models.Counters, error) {
	var c models.Counters
	data, err := cmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("%w: %v", governor.ErrStoreUnavailable, err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("decode counters: %w", err)
	}
	return c, nil
}
