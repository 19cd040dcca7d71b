package models

import "time"

// SyncState is the outcome of the last sync run.
type SyncState string

const (
	SyncSuccess SyncState = "success"
	SyncError   SyncState = "error"
)

// SyncStatus is the singleton status record of one external source.
// IsSyncing is advisory; it is not a lock.
type SyncStatus struct {
	Source            string     `json:"source"`
	IsSyncing         bool       `json:"isSyncing"`
	LastSyncStartedAt *time.Time `json:"lastSyncStartedAt"`
	LastSyncAt        *time.Time `json:"lastSyncAt"`
	Status            SyncState  `json:"status,omitempty"`
	ExerciseCount     int        `json:"exerciseCount"`
	RetryCount        int        `json:"retryCount"`
	ErrorMessage      *string    `json:"errorMessage"`
}
