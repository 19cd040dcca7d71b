package models

import "time"

// BudgetPeriod defines the calendar span a budget ceiling covers.
type BudgetPeriod string

const (
	BudgetDaily   BudgetPeriod = "daily"
	BudgetMonthly BudgetPeriod = "monthly"
)

// Ceiling names one of the four per-tier token budgets.
type Ceiling string

const (
	CeilingDailyInput    Ceiling = "daily_input"
	CeilingDailyOutput   Ceiling = "daily_output"
	CeilingMonthlyInput  Ceiling = "monthly_input"
	CeilingMonthlyOutput Ceiling = "monthly_output"
)

// Period returns the calendar period the ceiling resets on.
func (c Ceiling) Period() BudgetPeriod {
	switch c {
	case CeilingMonthlyInput, CeilingMonthlyOutput:
		return BudgetMonthly
	default:
		return BudgetDaily
	}
}

// BudgetLimits holds the four token ceilings of a tier.
type BudgetLimits struct {
	DailyInput    int64 `json:"daily_input" yaml:"daily_input"`
	DailyOutput   int64 `json:"daily_output" yaml:"daily_output"`
	MonthlyInput  int64 `json:"monthly_input" yaml:"monthly_input"`
	MonthlyOutput int64 `json:"monthly_output" yaml:"monthly_output"`
}

// Limit returns the ceiling value for c.
func (b BudgetLimits) Limit(c Ceiling) int64 {
	switch c {
	case CeilingDailyInput:
		return b.DailyInput
	case CeilingDailyOutput:
		return b.DailyOutput
	case CeilingMonthlyInput:
		return b.MonthlyInput
	default:
		return b.MonthlyOutput
	}
}

// BudgetRecord is the per-subject token usage for the current day and month.
// DailyDate is "2006-01-02" and MonthlyDate "2006-01", both UTC.
type BudgetRecord struct {
	DailyDate     string `json:"daily_date"`
	DailyInput    int64  `json:"daily_input"`
	DailyOutput   int64  `json:"daily_output"`
	MonthlyDate   string `json:"monthly_date"`
	MonthlyInput  int64  `json:"monthly_input"`
	MonthlyOutput int64  `json:"monthly_output"`
	Tier          string `json:"tier"`
}

// Used returns the counter backing ceiling c.
func (b BudgetRecord) Used(c Ceiling) int64 {
	switch c {
	case CeilingDailyInput:
		return b.DailyInput
	case CeilingDailyOutput:
		return b.DailyOutput
	case CeilingMonthlyInput:
		return b.MonthlyInput
	default:
		return b.MonthlyOutput
	}
}

// RateWindow is the fixed-window request counter of a subject.
type RateWindow struct {
	WindowStart time.Time `json:"window_start"`
	Count       int       `json:"count"`
}

// Counters is everything the admission governor keeps per subject. It is
// read and written as one unit so both gates see a consistent snapshot.
type Counters struct {
	Rate      RateWindow   `json:"rate"`
	Budget    BudgetRecord `json:"budget"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// BudgetStatus shows current usage against one ceiling.
type BudgetStatus struct {
	Ceiling   Ceiling `json:"ceiling"`
	Limit     int64   `json:"limit"`
	Used      int64   `json:"used"`
	Remaining int64   `json:"remaining"`
}
