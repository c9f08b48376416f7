package store

import "time"

// Run status values.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

type Run struct {
	ID         string
	Solution   string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
	DryRun     bool
	Documents  int
	Changed    int
	Error      string
}

type Mark struct {
	ID        int64
	RunID     string
	Path      string
	ClassName string
	Line      int
	Reason    string
}

type Document struct {
	Path        string
	Hash        string
	LastChecked time.Time
}
