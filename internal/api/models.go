package api

import (
	"time"
)

// JobRequest overrides the input and pool settings of the server's base
// configuration for one job. Zero values keep the base value.
type JobRequest struct {
	InputPath string `json:"input_path"`
	Column    string `json:"column"`
	Delimiter string `json:"delimiter"`
	Encoding  string `json:"encoding"`
	Workers   int    `json:"workers"`
	LogEvery  int    `json:"log_every"`
}

// JobResponse is returned after a successful job creation.
type JobResponse struct {
	JobID string `json:"job_id"`
}

// Job states.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusFinished  = "finished"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// JobStatus represents the runtime state of a launched job.
type JobStatus struct {
	JobID      string     `json:"job_id"`
	Status     string     `json:"status"`
	Processed  int64      `json:"processed"`
	OK         int64      `json:"ok"`
	Errors     int64      `json:"errors"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
