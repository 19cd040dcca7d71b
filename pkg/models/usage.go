package models

import "time"

// CallOutcome describes how a proxied call attempt ended. It is handed to the
// usage recorder after the response has been written.
type CallOutcome struct {
	Subject         string
	Tier            string
	Model           string
	InputTokens     int
	OutputTokens    int
	Success         bool
	FailureCategory string
	At              time.Time
}
