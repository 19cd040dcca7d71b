package governor

import (
	"context"
	"errors"
	"sync"

	"github.com/pario-ai/tollgate/pkg/models"
)

// ErrStoreUnavailable is wrapped by stores that cannot reach their backend.
var ErrStoreUnavailable = errors.New("counter store unavailable")

// UpdateFunc mutates a subject's counters. It reports whether the record
// must be written back. It may run more than once when a store retries a
// conflicting transaction, so it must not have side effects beyond c.
type UpdateFunc func(c *models.Counters) (write bool, err error)

// Store is an atomic per-subject counter store. Update runs fn as one
// read-compare-write against the subject's record: two concurrent Updates
// for the same subject never both see the same starting state. Subjects are
// independent of each other.
type Store interface {
	Update(ctx context.Context, subject string, fn UpdateFunc) error
	Get(ctx context.Context, subject string) (models.Counters, error)
	Close() error
}

// MemoryStore is an in-process Store with one mutex per subject. It is used
// for single-instance deployments and tests.
type MemoryStore struct {
	mu       sync.Mutex
	subjects map[string]*memoryEntry
}

type memoryEntry struct {
	mu sync.Mutex
	c  models.Counters
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subjects: make(map[string]*memoryEntry)}
}

func (s *MemoryStore) entry(subject string) *memoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.subjects[subject]
	if !ok {
		e = &memoryEntry{}
		s.subjects[subject] = e
	}
	return e
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, subject string, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := s.entry(subject)
	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.c
	write, err := fn(&c)
	if err != nil {
		return err
	}
	if write {
		e.c = c
	}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, subject string) (models.Counters, error) {
	if err := ctx.Err(); err != nil {
		return models.Counters{}, err
	}
	e := s.entry(subject)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.c, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
