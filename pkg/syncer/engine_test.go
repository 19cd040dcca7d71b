package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/tollgate/pkg/apierr"
	"github.com/pario-ai/tollgate/pkg/catalog"
	"github.com/pario-ai/tollgate/pkg/config"
	"github.com/pario-ai/tollgate/pkg/models"
	"github.com/pario-ai/tollgate/pkg/wger"
)

// upstream serves a fixed two-page listing. fail, when set, decides the
// response for a request before the normal page is served.
type upstream struct {
	mu    sync.Mutex
	calls map[string]int
	fail  func(page string, call int) (status int, retryAfter string)
	srv   *httptest.Server
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{calls: make(map[string]int)}
	u.srv = httptest.NewServer(http.HandlerFunc(u.serve))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) serve(w http.ResponseWriter, r *http.Request) {
	page := r.URL.Query().Get("page")
	if page == "" {
		page = "1"
	}
	u.mu.Lock()
	u.calls[page]++
	call := u.calls[page]
	fail := u.fail
	u.mu.Unlock()

	if fail != nil {
		if status, retryAfter := fail(page, call); status != 0 {
			if retryAfter != "" {
				w.Header().Set("Retry-After", retryAfter)
			}
			w.WriteHeader(status)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	switch page {
	case "1":
		fmt.Fprintf(w, `{"next":"%s/exerciseinfo/?page=2","results":[
			{"id":1,"category":{"name":"Legs"},"translations":[{"name":"Squat","description":"<p>Sit back</p>","language":2}]},
			{"id":2,"category":{"name":"Cardio"},"translations":[{"name":"Row","language":2}]},
			{"id":3,"translations":[{"name":"Plank","language":2}]}
		]}`, u.srv.URL)
	default:
		fmt.Fprint(w, `{"next":null,"results":[
			{"id":4,"category":{"name":"Yoga"},"translations":[{"name":"Downward Dog","language":"en"}]},
			{"id":5,"translations":[{"name":"Lunge","language":2}]}
		]}`)
	}
}

func (u *upstream) callsFor(page string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls[page]
}

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	return ctx.Err()
}

func setup(t *testing.T, u *upstream) (*Engine, *catalog.Store, *sleepRecorder) {
	t.Helper()
	cfg := config.Default().Sync
	cfg.BaseURL = u.srv.URL
	cfg.RequestsPerSecond = 0
	cfg.BatchSize = 2

	store, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rec := &sleepRecorder{}
	e := New(wger.New(cfg), catalog.NewTransformer(cfg.SiteURL), store, store.Status,
		PolicyFromConfig(cfg), WithSleeper(rec.Sleep))
	return e, store, rec
}

func TestRunSyncsAllPages(t *testing.T) {
	u := newUpstream(t)
	e, store, _ := setup(t, u)
	ctx := context.Background()

	res, err := e.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Exercises)
	assert.Equal(t, 0, res.Retries)
	assert.Equal(t, 5, res.Written)

	n, err := store.Count(ctx, catalog.Source)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	rec, err := store.Get(ctx, "wger_4")
	require.NoError(t, err)
	assert.Equal(t, "Downward Dog", rec.Name)
	assert.Equal(t, "yoga", rec.Category)

	st, err := store.Status.Get(ctx, catalog.Source)
	require.NoError(t, err)
	assert.False(t, st.IsSyncing)
	assert.Equal(t, models.SyncSuccess, st.Status)
	assert.Equal(t, 5, st.ExerciseCount)
	assert.Nil(t, st.ErrorMessage)
}

func TestRunIsIdempotent(t *testing.T) {
	u := newUpstream(t)
	e, store, _ := setup(t, u)
	ctx := context.Background()

	_, err := e.Run(ctx)
	require.NoError(t, err)
	before := make(map[string]*models.CatalogRecord)
	for i := 1; i <= 5; i++ {
		id := catalog.ID(int64(i))
		before[id], err = store.Get(ctx, id)
		require.NoError(t, err)
	}

	res, err := e.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Exercises)
	assert.Equal(t, 0, res.Written, "unchanged upstream must not rewrite records")

	n, err := store.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	for id, want := range before {
		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, got.UpdatedAt.Equal(want.UpdatedAt), "%s updatedAt changed", id)
		assert.True(t, got.CreatedAt.Equal(want.CreatedAt), "%s createdAt changed", id)
		got.CreatedAt, got.UpdatedAt = want.CreatedAt, want.UpdatedAt
		assert.Equal(t, want, got)
	}
}

func TestRunRetriesRateLimitedPage(t *testing.T) {
	u := newUpstream(t)
	u.fail = func(page string, call int) (int, string) {
		if page == "2" && call <= 2 {
			return http.StatusTooManyRequests, "7"
		}
		return 0, ""
	}
	e, store, rec := setup(t, u)

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Exercises, "no records may be skipped")
	assert.Equal(t, 2, res.Retries)
	assert.Equal(t, []time.Duration{7 * time.Second, 7 * time.Second}, rec.sleeps)
	assert.Equal(t, 1, u.callsFor("1"))
	assert.Equal(t, 3, u.callsFor("2"))

	st, err := store.Status.Get(context.Background(), catalog.Source)
	require.NoError(t, err)
	assert.Equal(t, 2, st.RetryCount)
}

func TestRunRateLimitDefaultWait(t *testing.T) {
	u := newUpstream(t)
	u.fail = func(page string, call int) (int, string) {
		if page == "1" && call == 1 {
			return http.StatusTooManyRequests, ""
		}
		return 0, ""
	}
	e, _, rec := setup(t, u)

	_, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{5 * time.Second}, rec.sleeps)
}

func TestRunBacksOffThenAborts(t *testing.T) {
	u := newUpstream(t)
	u.fail = func(page string, call int) (int, string) {
		if page == "2" {
			return http.StatusInternalServerError, ""
		}
		return 0, ""
	}
	e, store, rec := setup(t, u)

	res, err := e.Run(context.Background())
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.CodeSyncFatal))
	var se *wger.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusInternalServerError, se.StatusCode)

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, rec.sleeps)
	assert.Equal(t, 4, u.callsFor("2"))
	assert.Equal(t, 3, res.Exercises)

	st, err := store.Status.Get(context.Background(), catalog.Source)
	require.NoError(t, err)
	assert.False(t, st.IsSyncing)
	assert.Equal(t, models.SyncError, st.Status)
	require.NotNil(t, st.ErrorMessage)
	assert.Contains(t, *st.ErrorMessage, "wger API error: 500")
	assert.Equal(t, 3, st.ExerciseCount)
	assert.Equal(t, 3, st.RetryCount)

	// Records from the first page stay; nothing is deleted.
	n, err := store.Count(context.Background(), catalog.Source)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRunRecoversFromTransientError(t *testing.T) {
	u := newUpstream(t)
	u.fail = func(page string, call int) (int, string) {
		if page == "1" && call == 1 {
			return http.StatusBadGateway, ""
		}
		return 0, ""
	}
	e, _, rec := setup(t, u)

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retries)
	assert.Equal(t, []time.Duration{time.Second}, rec.sleeps)
}

func TestRunAbortsOnClientError(t *testing.T) {
	u := newUpstream(t)
	u.fail = func(page string, call int) (int, string) {
		if page == "1" {
			return http.StatusForbidden, ""
		}
		return 0, ""
	}
	e, store, rec := setup(t, u)

	_, err := e.Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, rec.sleeps)
	assert.Equal(t, 1, u.callsFor("1"))

	st, err := store.Status.Get(context.Background(), catalog.Source)
	require.NoError(t, err)
	assert.Equal(t, models.SyncError, st.Status)
	assert.False(t, st.IsSyncing)
}

func TestRunGivesUpOnEndlessRateLimit(t *testing.T) {
	u := newUpstream(t)
	u.fail = func(page string, call int) (int, string) {
		return http.StatusTooManyRequests, "1"
	}
	e, _, rec := setup(t, u)

	_, err := e.Run(context.Background())
	require.Error(t, err)
	assert.Len(t, rec.sleeps, 10)
	assert.Equal(t, 11, u.callsFor("1"))
}

// brokenSuccessStatus fails only the success mark.
type brokenSuccessStatus struct {
	*catalog.StatusStore
}

func (brokenSuccessStatus) MarkSuccess(context.Context, string, time.Time, int, int) error {
	return errors.New("disk full")
}

func TestRunMarksErrorWhenSuccessMarkFails(t *testing.T) {
	u := newUpstream(t)
	cfg := config.Default().Sync
	cfg.BaseURL = u.srv.URL
	cfg.RequestsPerSecond = 0

	store, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rec := &sleepRecorder{}
	e := New(wger.New(cfg), catalog.NewTransformer(cfg.SiteURL), store,
		brokenSuccessStatus{store.Status}, PolicyFromConfig(cfg), WithSleeper(rec.Sleep))

	res, err := e.Run(context.Background())
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.CodeSyncFatal))
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 5, res.Exercises)

	st, err := store.Status.Get(context.Background(), catalog.Source)
	require.NoError(t, err)
	assert.False(t, st.IsSyncing)
	assert.Equal(t, models.SyncError, st.Status)
	require.NotNil(t, st.ErrorMessage)
	assert.Contains(t, *st.ErrorMessage, "mark sync success: disk full")
	assert.Equal(t, 5, st.ExerciseCount)
}
