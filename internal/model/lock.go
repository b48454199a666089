package model

import "time"

// LockStatus is the state of the run-exclusion lock.
type LockStatus string

const (
	LockIdle    LockStatus = "idle"
	LockRunning LockStatus = "running"
)

// DefaultLockID is the well-known identifier of the scraper lock row.
const DefaultLockID = "scraper_lock"

// LockState is a snapshot of the lock document.
type LockState struct {
	ID       string     `json:"id"`
	Status   LockStatus `json:"status"`
	Owner    string     `json:"owner,omitempty"`
	LockedAt *time.Time `json:"locked_at"`
	LastRun  *time.Time `json:"last_run"`
}

// Held reports whether the lock is currently in the running state.
func (s LockState) Held() bool {
	return s.Status == LockRunning
}
