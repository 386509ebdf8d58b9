package tasks

import (
	"fmt"

	"github.com/desertthunder/ledgersync/internal/models"
)

// ProgressUpdate represents a progress event during a sync run.
//
// Used to send real-time updates to the CLI, TUI or server layer for display.
type ProgressUpdate struct {
	Phase   Phase  // Engine phase
	Step    int    // Current step number within phase
	Total   int    // Total steps in this phase
	Message string // Human-readable message for display
	Data    any    // Optional phase-specific data for advanced UIs
}

func listingUpdate(scanned int) ProgressUpdate {
	return ProgressUpdate{
		Phase:   Listing,
		Step:    scanned,
		Message: fmt.Sprintf("Listing remote records (%d scanned)...", scanned),
	}
}

func listingFailedUpdate(err error) ProgressUpdate {
	return ProgressUpdate{
		Phase:   Aborted,
		Message: fmt.Sprintf("Listing failed: %v", err),
	}
}

func classifiedUpdate(c models.Classification) ProgressUpdate {
	s := c.Summary()
	return ProgressUpdate{
		Phase:   Classifying,
		Step:    s.Total,
		Total:   s.Total,
		Message: fmt.Sprintf("%d new, %d updated, %d unchanged", s.New, s.Updated, s.Unchanged),
		Data:    s,
	}
}

func fetchStartUpdate(total, batchSize int) ProgressUpdate {
	return ProgressUpdate{
		Phase:   Fetching,
		Total:   total,
		Message: fmt.Sprintf("Fetching %d records in batches of %d...", total, batchSize),
	}
}

func fetchedUpdate(step, total int, o models.DetailOutcome) ProgressUpdate {
	if o.OK() {
		return ProgressUpdate{
			Phase:   Fetching,
			Step:    step,
			Total:   total,
			Message: fmt.Sprintf("[%d/%d] ✓ %s", step, total, refLabel(o.Ref)),
			Data:    o.Ref,
		}
	}
	return ProgressUpdate{
		Phase:   Fetching,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("[%d/%d] ✗ %s (%s): %v", step, total, refLabel(o.Ref), o.Kind, o.Err),
		Data:    o.Ref,
	}
}

func persistingUpdate(total int) ProgressUpdate {
	return ProgressUpdate{
		Phase:   Persisting,
		Total:   total,
		Message: fmt.Sprintf("Persisting %d records...", total),
	}
}

func reportUpdate(report models.SyncReport) ProgressUpdate {
	return ProgressUpdate{
		Phase:   Reporting,
		Step:    report.Synced + report.Failed,
		Total:   report.Synced + report.Failed,
		Message: fmt.Sprintf("Sync %s: %d synced, %d failed", report.Status, report.Synced, report.Failed),
		Data:    report,
	}
}

func refLabel(ref models.RemoteRecordRef) string {
	if ref.DisplayNumber != "" {
		return ref.DisplayNumber
	}
	return fmt.Sprintf("#%d", ref.ExternalID)
}
