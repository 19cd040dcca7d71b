// Package governor is the admission governor: a fixed-window rate gate and a
// tier token-budget gate evaluated together as one atomic update of the
// subject's counters.
package governor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pario-ai/tollgate/pkg/apierr"
	"github.com/pario-ai/tollgate/pkg/budget"
	"github.com/pario-ai/tollgate/pkg/metrics"
	"github.com/pario-ai/tollgate/pkg/models"
	"github.com/pario-ai/tollgate/pkg/ratelimit"
)

// Outcome labels an admission decision.
type Outcome string

const (
	OutcomeAdmitted       Outcome = "admitted"
	OutcomeRateLimited    Outcome = "rate_limited"
	OutcomeBudgetExceeded Outcome = "budget_exceeded"
	OutcomeFailOpen       Outcome = "fail_open"
)

// Decision is the result of Admit. Remaining and ResetIn always describe the
// rate window. RetryAfter is set on denials: the window reset for a rate
// denial, the period reset for a budget denial.
type Decision struct {
	Allowed    bool
	Degraded   bool
	Outcome    Outcome
	Remaining  int
	ResetIn    time.Duration
	RetryAfter time.Duration
	Ceiling    models.Ceiling
	Reason     string
}

// Err returns the classified error for a denial, or nil when admitted.
func (d Decision) Err() error {
	switch d.Outcome {
	case OutcomeRateLimited:
		return apierr.New(apierr.CodeRateLimited, d.Reason)
	case OutcomeBudgetExceeded:
		return apierr.New(apierr.CodeBudgetExceeded, d.Reason)
	default:
		return nil
	}
}

// Option configures a Governor.
type Option func(*Governor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// Governor admits or denies calls per subject.
type Governor struct {
	store  Store
	limit  ratelimit.Limit
	budget *budget.Enforcer
	now    func() time.Time
}

// New creates a Governor over store.
func New(store Store, limit ratelimit.Limit, enforcer *budget.Enforcer, opts ...Option) *Governor {
	g := &Governor{
		store:  store,
		limit:  limit,
		budget: enforcer,
		now:    time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Admit runs the rate gate and then the budget gate for one call with the
// given estimated input tokens. A rate-gate admission is persisted even when
// the budget gate then denies, so the attempt counts against the window.
//
// If the store fails, Admit fails open: the call is allowed with zero
// remaining quota and Degraded set.
func (g *Governor) Admit(ctx context.Context, subject, tier string, estimate int) Decision {
	now := g.now()
	var d Decision

	err := g.store.Update(ctx, subject, func(c *models.Counters) (bool, error) {
		d = Decision{}
		if !g.rateStep(c, now, &d) {
			return false, nil
		}
		if err := g.budget.Check(&c.Budget, tier, int64(estimate), now); err != nil {
			var ex *budget.ExceededError
			if !errors.As(err, &ex) {
				return false, err
			}
			d.Outcome = OutcomeBudgetExceeded
			d.Ceiling = ex.Ceiling
			d.Reason = ex.Error()
			d.RetryAfter = ex.ResetIn
			return true, nil
		}

		d.Allowed = true
		d.Outcome = OutcomeAdmitted
		return true, nil
	})
	if err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("admission store failed, failing open")
		d = g.failOpen()
	}

	metrics.Admissions.WithLabelValues(string(d.Outcome)).Inc()
	return d
}

// Throttle runs only the rate gate. It is used for calls rejected before
// admission so that they still count against the window. A denial is
// reported the same way Admit reports one.
func (g *Governor) Throttle(ctx context.Context, subject string) Decision {
	now := g.now()
	var d Decision

	err := g.store.Update(ctx, subject, func(c *models.Counters) (bool, error) {
		d = Decision{}
		if !g.rateStep(c, now, &d) {
			return false, nil
		}
		d.Allowed = true
		d.Outcome = OutcomeAdmitted
		return true, nil
	})
	if err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("rate store failed, failing open")
		return g.failOpen()
	}
	if !d.Allowed {
		metrics.Admissions.WithLabelValues(string(d.Outcome)).Inc()
	}
	return d
}

// rateStep applies the rate gate to c and fills the window fields of d. On a
// denial it completes d and returns false.
func (g *Governor) rateStep(c *models.Counters, now time.Time, d *Decision) bool {
	res, _ := ratelimit.Step(&c.Rate, g.limit, now)
	d.Remaining = res.Remaining
	d.ResetIn = res.ResetIn
	if !res.Allowed {
		d.Outcome = OutcomeRateLimited
		d.Reason = "Rate limit exceeded"
		d.RetryAfter = res.ResetIn
		return false
	}
	c.UpdatedAt = now
	return true
}

func (g *Governor) failOpen() Decision {
	return Decision{
		Allowed:   true,
		Degraded:  true,
		Outcome:   OutcomeFailOpen,
		Remaining: 0,
		ResetIn:   g.limit.Window,
	}
}

// RecordUsage adds a completed call's actual token counts to the subject's
// budget, rolling periods over first.
func (g *Governor) RecordUsage(ctx context.Context, subject string, inputTokens, outputTokens int) error {
	now := g.now()
	err := g.store.Update(ctx, subject, func(c *models.Counters) (bool, error) {
		budget.Add(&c.Budget, int64(inputTokens), int64(outputTokens), now)
		c.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Status reports the subject's budget usage against tier's ceilings and its
// current rate window.
func (g *Governor) Status(ctx context.Context, subject, tier string) ([]models.BudgetStatus, models.RateWindow, error) {
	c, err := g.store.Get(ctx, subject)
	if err != nil {
		return nil, models.RateWindow{}, fmt.Errorf("budget status: %w", err)
	}
	return g.budget.Status(c.Budget, tier, g.now()), c.Rate, nil
}
