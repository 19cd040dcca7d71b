package models

import (
	"strconv"
	"time"
)

// Failure categories recorded on audit entries.
const (
	FailureAuth       = "auth_failed"
	FailureRateLimit  = "rate_limit"
	FailureValidation = "validation_failed"
	FailureBudget     = "budget_exceeded"
	FailureTransport  = "transport_error"
	FailureInternal   = "internal_error"
)

// FailureAPIError is the category of a call the model API answered with a
// non-success status, e.g. "api_error_503".
func FailureAPIError(status int) string {
	return "api_error_" + strconv.Itoa(status)
}

// AuditEntry records one completed or failed call attempt. Entries are
// append-only.
type AuditEntry struct {
	ID              string    `json:"id"`
	Subject         string    `json:"subject"`
	Model           string    `json:"model"`
	InputTokens     int       `json:"input_tokens"`
	OutputTokens    int       `json:"output_tokens"`
	Cost            float64   `json:"cost"`
	Success         bool      `json:"success"`
	FailureCategory string    `json:"failure_category,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// AuditConfig controls the audit logging subsystem.
type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// AuditQueryOpts specifies filters for querying audit entries.
type AuditQueryOpts struct {
	Subject string
	Model   string
	Since   time.Time
	Failed  bool
	Limit   int
}

// AuditStat holds aggregate audit counts for a model/day combination.
type AuditStat struct {
	Model     string
	Day       string
	Count     int
	Failures  int
	TotalCost float64
}
