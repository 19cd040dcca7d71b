// Package usage records what a proxied call consumed after the response has
// been sent. Recording is best-effort: failures are logged and counted but
// never reach the caller.
package usage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/tollgate/pkg/metrics"
	"github.com/pario-ai/tollgate/pkg/models"
)

// CounterSink adds actual token counts to a subject's budget counters.
type CounterSink interface {
	RecordUsage(ctx context.Context, subject string, inputTokens, outputTokens int) error
}

// AuditSink appends audit entries.
type AuditSink interface {
	Log(ctx context.Context, entry models.AuditEntry) error
}

// DefaultTimeout bounds one background recording.
const DefaultTimeout = 10 * time.Second

// Recorder hands call outcomes to a background goroutine.
type Recorder struct {
	counters CounterSink
	auditor  AuditSink
	pricing  []models.ModelPricing
	timeout  time.Duration
	wg       sync.WaitGroup
}

// New creates a Recorder. Either sink may be nil.
func New(counters CounterSink, auditor AuditSink, pricing []models.ModelPricing) *Recorder {
	return &Recorder{
		counters: counters,
		auditor:  auditor,
		pricing:  pricing,
		timeout:  DefaultTimeout,
	}
}

// Record returns immediately. Successful calls add their token counts to the
// subject's budget; every outcome is appended to the audit log.
func (r *Recorder) Record(o models.CallOutcome) {
	if o.At.IsZero() {
		o.At = time.Now()
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.record(o)
	}()
}

// Wait blocks until all in-flight recordings have finished.
func (r *Recorder) Wait() {
	r.wg.Wait()
}

func (r *Recorder) record(o models.CallOutcome) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	logger := log.With().Str("subject", o.Subject).Str("model", o.Model).Logger()

	var g errgroup.Group
	if o.Success && r.counters != nil {
		g.Go(func() error {
			err := r.counters.RecordUsage(ctx, o.Subject, o.InputTokens, o.OutputTokens)
			if err != nil {
				metrics.UsageRecordFailures.Inc()
				logger.Error().Err(err).Msg("failed to record token usage")
			}
			return err
		})
	}
	if r.auditor != nil {
		entry := r.entry(o)
		g.Go(func() error {
			err := r.auditor.Log(ctx, entry)
			if err != nil {
				metrics.UsageRecordFailures.Inc()
				logger.Error().Err(err).Str("audit_id", entry.ID).Msg("failed to write audit entry")
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		logger.Debug().Err(err).Msg("post-call recording incomplete")
	}
}

func (r *Recorder) entry(o models.CallOutcome) models.AuditEntry {
	e := models.AuditEntry{
		ID:              uuid.NewString(),
		Subject:         o.Subject,
		Model:           o.Model,
		InputTokens:     o.InputTokens,
		OutputTokens:    o.OutputTokens,
		Success:         o.Success,
		FailureCategory: o.FailureCategory,
		CreatedAt:       o.At.UTC(),
	}
	if p, ok := Price(r.pricing, o.Model); ok {
		e.Cost = p.Cost(o.InputTokens, o.OutputTokens)
	}
	return e
}

// Price finds the pricing entry for model: an exact Model match first, then
// the first non-empty Match substring, then an entry with an empty Match.
func Price(pricing []models.ModelPricing, model string) (models.ModelPricing, bool) {
	for _, p := range pricing {
		if p.Model != "" && p.Model == model {
			return p, true
		}
	}
	for _, p := range pricing {
		if p.Model == "" && p.Match != "" && strings.Contains(model, p.Match) {
			return p, true
		}
	}
	for _, p := range pricing {
		if p.Model == "" && p.Match == "" {
			return p, true
		}
	}
	return models.ModelPricing{}, false
}
