package model

import "time"

// RunStatus represents the state of a sync run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
	RunStatusSkipped  RunStatus = "skipped"
)

// Sync triggers.
const (
	TriggerSchedule = "schedule"
	TriggerAdmin    = "admin"
	TriggerCLI      = "cli"
)

// RunStats are the counters recorded when a sync run completes.
type RunStats struct {
	Discovered int `json:"discovered"`
	Parsed     int `json:"parsed"`
	Saved      int `json:"saved"`
	Failed     int `json:"failed"`
}

// SyncRun is one entry in the sync run history.
type SyncRun struct {
	ID          int64      `json:"id"`
	Trigger     string     `json:"trigger"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RunStats
	Error string `json:"error,omitempty"`
}
