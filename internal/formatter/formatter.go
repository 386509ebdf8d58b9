// package formatter renders sync reports, status previews and run history as text, JSON, Markdown and CSV
package formatter

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/desertthunder/ledgersync/internal/models"
	"github.com/desertthunder/ledgersync/internal/shared"
)

// Format selects an output format.
type Format string

const (
	FormatText     Format = "text"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
	FormatCSV      Format = "csv"
)

// ParseFormat converts a user supplied format name; "md" is accepted for Markdown.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text", "txt":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	case "csv":
		return FormatCSV, nil
	}
	return "", fmt.Errorf("%w: unknown format %q (want text, json, markdown or csv)", shared.ErrInvalidFlag, s)
}

func duration(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).Round(time.Millisecond).String()
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func label(f models.FailedItem) string {
	if f.DisplayNumber != "" {
		return fmt.Sprintf("%s (#%d)", f.DisplayNumber, f.ExternalID)
	}
	return fmt.Sprintf("#%d", f.ExternalID)
}

// ReportToText converts a SyncReport to plain text format
func ReportToText(r models.SyncReport) ([]byte, error) {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "Sync %s: %s/%s (%s)\n", r.Status, r.Entity, r.Scope, r.Mode)
	fmt.Fprintf(&buf, "Run: %s\n", r.RunID)
	fmt.Fprintf(&buf, "Scanned: %d (new %d, updated %d, unchanged %d)\n", r.Scanned, r.New, r.Updated, r.Unchanged)
	fmt.Fprintf(&buf, "Synced: %d\n", r.Synced)
	fmt.Fprintf(&buf, "Failed: %d\n", r.Failed)
	fmt.Fprintf(&buf, "Duration: %s\n", duration(r.DurationMs))
	if r.Error != "" {
		fmt.Fprintf(&buf, "Error: %s\n", r.Error)
	}

	if len(r.FailedSamples) > 0 {
		fmt.Fprintf(&buf, "\nFailed records (showing %d of %d):\n", len(r.FailedSamples), r.Failed)
		for i, f := range r.FailedSamples {
			fmt.Fprintf(&buf, "%d. %s [%s, %d attempts] %s\n", i+1, label(f), f.Kind, f.Attempts, f.Error)
		}
	}

	return buf.Bytes(), nil
}

// ReportToJSON converts a SyncReport to indented JSON
func ReportToJSON(r models.SyncReport) ([]byte, error) {
	return shared.MarshalJSON(r, true)
}

// ReportToMarkdown converts a SyncReport to Markdown format with a summary table and failed samples
func ReportToMarkdown(r models.SyncReport) ([]byte, error) {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "# Sync report: %s\n\n", r.Entity)
	fmt.Fprintf(&buf, "**Run**: `%s`\n", r.RunID)
	fmt.Fprintf(&buf, "**Scope**: %s\n", r.Scope)
	fmt.Fprintf(&buf, "**Mode**: %s\n", r.Mode)
	fmt.Fprintf(&buf, "**Status**: %s\n", r.Status)
	fmt.Fprintf(&buf, "**Started**: %s\n", timestamp(r.StartedAt))
	fmt.Fprintf(&buf, "**Duration**: %s\n\n", duration(r.DurationMs))

	if r.Error != "" {
		fmt.Fprintf(&buf, "> %s\n\n", r.Error)
	}

	buf.WriteString("| Scanned | New | Updated | Unchanged | Synced | Failed |\n")
	buf.WriteString("|---|---|---|---|---|---|\n")
	fmt.Fprintf(&buf, "| %d | %d | %d | %d | %d | %d |\n", r.Scanned, r.New, r.Updated, r.Unchanged, r.Synced, r.Failed)

	if len(r.FailedSamples) > 0 {
		fmt.Fprintf(&buf, "\n## Failed records (%d of %d)\n\n", len(r.FailedSamples), r.Failed)
		for i, f := range r.FailedSamples {
			fmt.Fprintf(&buf, "%d. %s: %s after %d attempts: %s\n", i+1, label(f), f.Kind, f.Attempts, f.Error)
		}
	}

	return buf.Bytes(), nil
}

// FailuresToCSV converts the failed samples of a SyncReport to CSV with columns: ExternalID, Number, Kind, Attempts, Error
func FailuresToCSV(r models.SyncReport) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	headers := []string{"ExternalID", "Number", "Kind", "Attempts", "Error"}
	if err := writer.Write(headers); err != nil {
		return nil, fmt.Errorf("failed to write CSV headers: %w", err)
	}

	for _, f := range r.FailedSamples {
		record := []string{
			strconv.FormatInt(f.ExternalID, 10),
			f.DisplayNumber,
			string(f.Kind),
			strconv.Itoa(f.Attempts),
			f.Error,
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

// FormatReport renders r in format f.
func FormatReport(r models.SyncReport, f Format) ([]byte, error) {
	switch f {
	case FormatText, "":
		return ReportToText(r)
	case FormatJSON:
		return ReportToJSON(r)
	case FormatMarkdown:
		return ReportToMarkdown(r)
	case FormatCSV:
		return FailuresToCSV(r)
	}
	return nil, fmt.Errorf("%w: unknown format %q", shared.ErrInvalidFlag, f)
}

// WriteReport renders r in format f and writes it to path, creating parent directories.
//
// Defaults to {entity}_{runID}.{ext} as the filename.
func WriteReport(r models.SyncReport, f Format, path string) (string, error) {
	if path == "" {
		path = fmt.Sprintf("%s_%s.%s", r.Entity, r.RunID, extension(f))
	}

	data, err := FormatReport(r, f)
	if err != nil {
		return "", fmt.Errorf("failed to render report: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("failed to create directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write report file: %w", err)
	}

	return path, nil
}

func extension(f Format) string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatMarkdown:
		return "md"
	case FormatCSV:
		return "csv"
	default:
		return "txt"
	}
}

// StatusToText renders a status preview
func StatusToText(entity, scope string, s models.StatusSummary) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s/%s: %d remote records\n", entity, scope, s.Total)
	fmt.Fprintf(&buf, "  new:       %d\n", s.New)
	fmt.Fprintf(&buf, "  updated:   %d\n", s.Updated)
	fmt.Fprintf(&buf, "  unchanged: %d\n", s.Unchanged)
	fmt.Fprintf(&buf, "  to sync:   %d\n", s.NeedSync)
	return buf.Bytes()
}

// RunsToText renders the run history as one line per run, newest first
func RunsToText(runs []models.SyncReport) []byte {
	var buf bytes.Buffer
	if len(runs) == 0 {
		buf.WriteString("No sync runs recorded.\n")
		return buf.Bytes()
	}

	for _, r := range runs {
		fmt.Fprintf(&buf, "%s  %-8s %s/%s  scanned=%d synced=%d failed=%d  %s  %s\n",
			timestamp(r.StartedAt), r.Status, r.Entity, r.Scope,
			r.Scanned, r.Synced, r.Failed, duration(r.DurationMs), r.RunID)
	}
	return buf.Bytes()
}
