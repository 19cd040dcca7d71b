package budget

import (
	"errors"
	"time"

	"github.com/pario-ai/tollgate/pkg/models"
)

// ErrBudgetExceeded is returned when a request exceeds the budget.
var ErrBudgetExceeded = errors.New("budget exceeded")

// checkOrder is the order ceilings are evaluated in; the first breach wins.
var checkOrder = []models.Ceiling{
	models.CeilingDailyInput,
	models.CeilingDailyOutput,
	models.CeilingMonthlyInput,
	models.CeilingMonthlyOutput,
}

// ExceededError names the breached ceiling and when it resets.
type ExceededError struct {
	Ceiling models.Ceiling
	Used    int64
	Limit   int64
	ResetIn time.Duration
}

func (e *ExceededError) Error() string {
	return Reason(e.Ceiling)
}

// Is makes errors.Is(err, ErrBudgetExceeded) hold.
func (e *ExceededError) Is(target error) bool {
	return target == ErrBudgetExceeded
}

// Reason is the caller-facing denial message for a ceiling.
func Reason(c models.Ceiling) string {
	var what string
	switch c {
	case models.CeilingDailyInput:
		what = "Daily input"
	case models.CeilingDailyOutput:
		what = "Daily output"
	case models.CeilingMonthlyInput:
		what = "Monthly input"
	default:
		what = "Monthly output"
	}
	if c.Period() == models.BudgetMonthly {
		return what + " token limit exceeded, resets on the 1st"
	}
	return what + " token limit exceeded, resets at UTC midnight"
}

// Enforcer checks per-subject budget records against tier ceilings. It holds
// no counters itself; callers pass the record read inside their transaction.
type Enforcer struct {
	limits      map[string]models.BudgetLimits
	defaultTier string
}

// New creates an Enforcer with ceilings keyed by tier. Unknown tiers use the
// default tier's ceilings.
func New(limits map[string]models.BudgetLimits, defaultTier string) *Enforcer {
	return &Enforcer{limits: limits, defaultTier: defaultTier}
}

// Limits returns the ceilings that apply to tier.
func (e *Enforcer) Limits(tier string) models.BudgetLimits {
	if l, ok := e.limits[tier]; ok {
		return l
	}
	return e.limits[e.defaultTier]
}

// Rollover zeroes the daily and monthly counters when their UTC period has
// changed since they were last written. It reports whether rec changed.
func Rollover(rec *models.BudgetRecord, now time.Time) bool {
	day, month := periodKeys(now)
	changed := false
	if rec.DailyDate != day {
		rec.DailyDate = day
		rec.DailyInput = 0
		rec.DailyOutput = 0
		changed = true
	}
	if rec.MonthlyDate != month {
		rec.MonthlyDate = month
		rec.MonthlyInput = 0
		rec.MonthlyOutput = 0
		changed = true
	}
	return changed
}

// Check rolls rec over to now's periods and tests the estimated input against
// tier's ceilings. Input ceilings deny when used+estimate would exceed them.
// Output ceilings deny only once already reached, since a call's output size
// is unknown until it completes. The error is an *ExceededError.
func (e *Enforcer) Check(rec *models.BudgetRecord, tier string, estimate int64, now time.Time) error {
	Rollover(rec, now)
	rec.Tier = tier
	lim := e.Limits(tier)

	for _, c := range checkOrder {
		used, ceiling := rec.Used(c), lim.Limit(c)
		var over bool
		switch c {
		case models.CeilingDailyInput, models.CeilingMonthlyInput:
			over = used+estimate > ceiling
		default:
			over = used >= ceiling
		}
		if over {
			return &ExceededError{
				Ceiling: c,
				Used:    used,
				Limit:   ceiling,
				ResetIn: periodEnd(c.Period(), now).Sub(now),
			}
		}
	}
	return nil
}

// Add rolls rec over and adds actual token counts.
func Add(rec *models.BudgetRecord, in, out int64, now time.Time) {
	Rollover(rec, now)
	rec.DailyInput += in
	rec.DailyOutput += out
	rec.MonthlyInput += in
	rec.MonthlyOutput += out
}

// Status returns usage against each ceiling for tier as of now. rec is not
// modified; stale periods read as zero.
func (e *Enforcer) Status(rec models.BudgetRecord, tier string, now time.Time) []models.BudgetStatus {
	Rollover(&rec, now)
	lim := e.Limits(tier)

	statuses := make([]models.BudgetStatus, 0, len(checkOrder))
	for _, c := range checkOrder {
		used, ceiling := rec.Used(c), lim.Limit(c)
		remaining := ceiling - used
		if remaining < 0 {
			remaining = 0
		}
		statuses = append(statuses, models.BudgetStatus{
			Ceiling:   c,
			Limit:     ceiling,
			Used:      used,
			Remaining: remaining,
		})
	}
	return statuses
}

func periodKeys(now time.Time) (day, month string) {
	now = now.UTC()
	return now.Format("2006-01-02"), now.Format("2006-01")
}

// periodEnd is the start of the next period, when counters reset.
func periodEnd(period models.BudgetPeriod, now time.Time) time.Time {
	now = now.UTC()
	switch period {
	case models.BudgetMonthly:
		return time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	default: // daily
		return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	}
}

