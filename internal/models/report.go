package models

import (
	"fmt"
	"time"
)

// RunStatus is the terminal status of a sync run.
type RunStatus string

const (
	// RunSuccess means the run completed; individual records may still have failed.
	RunSuccess RunStatus = "success"
	// RunAborted means the listing failed and nothing was fetched or persisted.
	RunAborted RunStatus = "aborted"
	// RunCanceled means the run stopped between batches; outcomes gathered so far were persisted.
	RunCanceled RunStatus = "canceled"
)

// FailedItem is one entry of the failure preview in a [SyncReport].
type FailedItem struct {
	ExternalID    int64     `json:"externalId"`
	DisplayNumber string    `json:"displayNumber"`
	Kind          ErrorKind `json:"kind"`
	Attempts      int       `json:"attempts"`
	Error         string    `json:"error"`
}

// SyncReport is the terminal artifact of one sync run.
//
// Failed is the true failure count; FailedSamples is capped.
type SyncReport struct {
	RunID         string       `json:"runId"`
	Entity        string       `json:"entity"`
	Scope         string       `json:"scope"`
	Mode          Mode         `json:"mode"`
	Status        RunStatus    `json:"status"`
	Scanned       int          `json:"scanned"`
	New           int          `json:"new"`
	Updated       int          `json:"updated"`
	Unchanged     int          `json:"unchanged"`
	Synced        int          `json:"synced"`
	Failed        int          `json:"failed"`
	FailedSamples []FailedItem `json:"failedSamples"`
	DurationMs    int64        `json:"durationMs"`
	StartedAt     time.Time    `json:"startedAt"`
	FinishedAt    time.Time    `json:"finishedAt"`
	Error         string       `json:"error,omitempty"`
}

// SyncRun is a [SyncReport] persisted in the run history.
type SyncRun struct {
	report   SyncReport
	sequence int
}

// NewSyncRun wraps a finished report for persistence.
func NewSyncRun(report SyncReport) *SyncRun {
	samples := make([]FailedItem, len(report.FailedSamples))
	copy(samples, report.FailedSamples)
	report.FailedSamples = samples
	return &SyncRun{report: report}
}

// LoadSyncRun rebuilds a run read from storage.
func LoadSyncRun(report SyncReport, sequence int) *SyncRun {
	return &SyncRun{report: report, sequence: sequence}
}

func (r *SyncRun) ID() string           { return r.report.RunID }
func (r *SyncRun) CreatedAt() time.Time { return r.report.StartedAt }
func (r *SyncRun) UpdatedAt() time.Time { return r.report.FinishedAt }
func (r *SyncRun) Sequence() int        { return r.sequence }

// Report returns a copy of the stored report.
func (r *SyncRun) Report() SyncReport {
	out := r.report
	out.FailedSamples = append([]FailedItem(nil), r.report.FailedSamples...)
	return out
}

// SetSequence sets the history position assigned by the repository.
func (r *SyncRun) SetSequence(seq int) {
	r.sequence = seq
}

// Validate checks the fields the run history relies on.
func (r *SyncRun) Validate() error {
	if r.report.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if r.report.Entity == "" {
		return fmt.Errorf("entity is required")
	}
	switch r.report.Status {
	case RunSuccess, RunAborted, RunCanceled:
	default:
		return fmt.Errorf("invalid run status %q", r.report.Status)
	}
	if r.report.Failed < len(r.report.FailedSamples) {
		return fmt.Errorf("failed count %d is below sample count %d", r.report.Failed, len(r.report.FailedSamples))
	}
	return nil
}
