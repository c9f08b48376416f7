package main

import (
	"time"

	"github.com/jward/covermark/internal/store"
)

// CLIResult is the top-level JSON envelope for all commands.
type CLIResult struct {
	Command string `json:"command"`
	Results any    `json:"results"`
	Error   string `json:"error,omitempty"`
}

// CLIRun is a JSON-friendly ledger run.
type CLIRun struct {
	ID         string     `json:"id"`
	Solution   string     `json:"solution"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	DryRun     bool       `json:"dry_run"`
	Documents  int        `json:"documents"`
	Changed    int        `json:"changed"`
	Error      string     `json:"error,omitempty"`
}

func toCLIRun(r *store.Run) CLIRun {
	return CLIRun{
		ID:         r.ID,
		Solution:   r.Solution,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Status:     r.Status,
		DryRun:     r.DryRun,
		Documents:  r.Documents,
		Changed:    r.Changed,
		Error:      r.Error,
	}
}
