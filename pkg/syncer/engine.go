// Package syncer mirrors the external exercise catalog into the local store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pario-ai/tollgate/pkg/apierr"
	"github.com/pario-ai/tollgate/pkg/catalog"
	"github.com/pario-ai/tollgate/pkg/config"
	"github.com/pario-ai/tollgate/pkg/metrics"
	"github.com/pario-ai/tollgate/pkg/models"
	"github.com/pario-ai/tollgate/pkg/wger"
)

// Fetcher reads pages of the upstream listing.
type Fetcher interface {
	FirstPage() string
	FetchPage(ctx context.Context, cursor string) (*wger.Page, error)
}

// Writer stores transformed records.
type Writer interface {
	UpsertBatch(ctx context.Context, records []models.CatalogRecord) (int, error)
}

// StatusRecorder keeps the per-source sync status record.
type StatusRecorder interface {
	MarkStarted(ctx context.Context, source string, at time.Time) error
	MarkSuccess(ctx context.Context, source string, at time.Time, count, retries int) error
	MarkError(ctx context.Context, source string, at time.Time, message string, count, retries int) error
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Policy is the retry and batching configuration of a run.
type Policy struct {
	BatchSize         int
	MaxRetries        int
	BackoffBase       time.Duration
	RateLimitWait     time.Duration
	MaxRateLimitWaits int
}

// PolicyFromConfig extracts the run policy from the sync config.
func PolicyFromConfig(cfg config.SyncConfig) Policy {
	return Policy{
		BatchSize:         cfg.BatchSize,
		MaxRetries:        cfg.MaxRetries,
		BackoffBase:       cfg.BackoffBase,
		RateLimitWait:     cfg.RateLimitWait,
		MaxRateLimitWaits: cfg.MaxRateLimitWaits,
	}
}

// Engine runs catalog syncs. Runs are not mutually excluded; the status
// record is advisory.
type Engine struct {
	fetcher   Fetcher
	transform *catalog.Transformer
	writer    Writer
	status    StatusRecorder
	policy    Policy
	sleep     Sleeper
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithSleeper replaces the cooperative sleep used for backoff and
// rate-limit waits.
func WithSleeper(s Sleeper) Option {
	return func(e *Engine) { e.sleep = s }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine.
func New(f Fetcher, t *catalog.Transformer, w Writer, s StatusRecorder, p Policy, opts ...Option) *Engine {
	if p.BatchSize <= 0 || p.BatchSize > catalog.MaxBatch {
		p.BatchSize = 400
	}
	e := &Engine{
		fetcher:   f,
		transform: t,
		writer:    w,
		status:    s,
		policy:    p,
		sleep:     Sleep,
		now:       time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Result summarizes a successful run.
type Result struct {
	Exercises int
	Retries   int
	Written   int
}

type run struct {
	exercises int
	retries   int
	written   int
}

// Run performs one full sync: it marks the run started, walks every page
// from the first cursor until the upstream reports no next page, writes
// each page in bounded batches and records the outcome. On any failure after
// the start mark, including a failed success mark, the status is marked
// error and the error is returned as SYNC_FATAL.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	started := e.now()
	logger := log.With().Str("component", "syncer").Str("source", catalog.Source).Logger()

	if err := e.status.MarkStarted(ctx, catalog.Source, started); err != nil {
		return Result{}, fmt.Errorf("mark sync started: %w", err)
	}
	logger.Info().Msg("catalog sync started")

	var r run
	err := e.walk(ctx, &r)
	finished := e.now()
	if err == nil {
		if serr := e.status.MarkSuccess(ctx, catalog.Source, finished, r.exercises, r.retries); serr != nil {
			err = fmt.Errorf("mark sync success: %w", serr)
		}
	}

	if err != nil {
		fatal := apierr.Wrap(apierr.CodeSyncFatal, "catalog sync failed", err)
		if serr := e.status.MarkError(context.WithoutCancel(ctx), catalog.Source, finished, err.Error(), r.exercises, r.retries); serr != nil {
			logger.Error().Err(serr).Msg("failed to record sync error status")
		}
		metrics.SyncRuns.WithLabelValues(string(models.SyncError)).Inc()
		logger.Error().Err(err).Int("exercises", r.exercises).Int("retries", r.retries).Msg("catalog sync failed")
		return Result{Exercises: r.exercises, Retries: r.retries, Written: r.written}, fatal
	}

	metrics.SyncRuns.WithLabelValues(string(models.SyncSuccess)).Inc()
	logger.Info().
		Int("exercises", r.exercises).
		Int("retries", r.retries).
		Int("written", r.written).
		Dur("took", finished.Sub(started)).
		Msg("catalog sync completed")
	return Result{Exercises: r.exercises, Retries: r.retries, Written: r.written}, nil
}

func (e *Engine) walk(ctx context.Context, r *run) error {
	cursor := e.fetcher.FirstPage()
	for cursor != "" {
		page, err := e.fetch(ctx, cursor, r)
		if err != nil {
			return err
		}
		if err := e.write(ctx, page.Results, r); err != nil {
			return err
		}
		cursor = page.Next
	}
	return nil
}

// fetch retrieves one page, retrying the same cursor on rate limiting and
// on transient failures.
func (e *Engine) fetch(ctx context.Context, cursor string, r *run) (*wger.Page, error) {
	attempt, waits := 0, 0
	for {
		page, err := e.fetcher.FetchPage(ctx, cursor)
		if err == nil {
			return page, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var delay time.Duration
		switch classify(err) {
		case retryRateLimited:
			if waits >= e.policy.MaxRateLimitWaits {
				return nil, fmt.Errorf("still rate limited after %d waits: %w", waits, err)
			}
			waits++
			delay = e.policy.RateLimitWait
			var se *wger.StatusError
			if errors.As(err, &se) && se.RetryAfter > 0 {
				delay = se.RetryAfter
			}
		case retryTransient:
			if attempt >= e.policy.MaxRetries {
				return nil, fmt.Errorf("giving up after %d retries: %w", attempt, err)
			}
			delay = e.policy.BackoffBase << attempt
			attempt++
		default:
			return nil, err
		}

		r.retries++
		metrics.SyncRetries.Inc()
		log.Warn().Err(err).Str("cursor", cursor).Dur("delay", delay).Msg("retrying catalog page")
		if err := e.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (e *Engine) write(ctx context.Context, exercises []wger.Exercise, r *run) error {
	for start := 0; start < len(exercises); start += e.policy.BatchSize {
		end := min(start+e.policy.BatchSize, len(exercises))
		batch := make([]models.CatalogRecord, 0, end-start)
		for _, ex := range exercises[start:end] {
			batch = append(batch, e.transform.Record(ex))
		}
		n, err := e.writer.UpsertBatch(ctx, batch)
		if err != nil {
			return fmt.Errorf("write catalog batch: %w", err)
		}
		r.exercises += len(batch)
		r.written += n
		metrics.CatalogRecordsWritten.Add(float64(len(batch)))
	}
	return nil
}

type retryClass int

const (
	retryNone retryClass = iota
	retryRateLimited
	retryTransient
)

func classify(err error) retryClass {
	var se *wger.StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusTooManyRequests:
			return retryRateLimited
		case se.StatusCode >= 500:
			return retryTransient
		default:
			return retryNone
		}
	}
	if errors.Is(err, wger.ErrMalformedPage) {
		return retryNone
	}
	return retryTransient
}
