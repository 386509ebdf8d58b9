// package models defines the data model for the reconciliation sync engine
package models

import (
	"fmt"
	"strings"
	"time"
)

// Model defines the base interface for persistent models.
// Implementations include [SyncRun].
type Model interface {
	ID() string           // ID returns the unique identifier for this model
	CreatedAt() time.Time // CreatedAt returns when this model was created
	UpdatedAt() time.Time // UpdatedAt returns when this model was last updated
	Validate() error      // Validate checks if the model's data is valid and returns an error if not
}

// Mode selects which remote records a sync run fetches.
type Mode string

const (
	// ModeMissingOnly fetches only New and Updated records.
	ModeMissingOnly Mode = "missingOnly"
	// ModeAll fetches every record in the remote snapshot.
	ModeAll Mode = "all"
)

// ParseMode converts a user supplied mode name. The empty string maps to [ModeMissingOnly].
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeMissingOnly:
		return ModeMissingOnly, nil
	case ModeAll:
		return ModeAll, nil
	}
	return "", fmt.Errorf("unknown sync mode %q (want %s or %s)", s, ModeMissingOnly, ModeAll)
}

// ChildPolicy decides what happens to stored child rows when a record is persisted again.
type ChildPolicy string

const (
	// ChildReplaceAll deletes every stored child of the record and inserts the new set.
	ChildReplaceAll ChildPolicy = "replace_all"
	// ChildMergeBySequence upserts each child by sequence and keeps children missing from the payload.
	ChildMergeBySequence ChildPolicy = "merge_by_sequence"
	// ChildAppendOnly inserts children whose sequence is not stored yet and never touches existing rows.
	ChildAppendOnly ChildPolicy = "append_only"
)

// Valid reports whether p is one of the known policies.
func (p ChildPolicy) Valid() bool {
	switch p {
	case ChildReplaceAll, ChildMergeBySequence, ChildAppendOnly:
		return true
	}
	return false
}

// Filter narrows a remote listing to one slice of a scope.
type Filter struct {
	DateFrom  time.Time         `json:"dateFrom,omitzero"`
	DateTo    time.Time         `json:"dateTo,omitzero"`
	Warehouse string            `json:"warehouse,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// HasDateRange reports whether both ends of the date range are set.
func (f Filter) HasDateRange() bool {
	return !f.DateFrom.IsZero() && !f.DateTo.IsZero()
}

// DateLayout is the date format accepted on the command line and by the HTTP API.
const DateLayout = "2006-01-02"

// ParseFilter builds a filter from user input. Both dates or neither must be set.
func ParseFilter(from, to, warehouse string) (Filter, error) {
	f := Filter{Warehouse: strings.TrimSpace(warehouse)}
	if from == "" && to == "" {
		return f, nil
	}
	if from == "" || to == "" {
		return Filter{}, fmt.Errorf("date range needs both from and to")
	}

	var err error
	if f.DateFrom, err = time.Parse(DateLayout, from); err != nil {
		return Filter{}, fmt.Errorf("invalid from date %q: want %s", from, DateLayout)
	}
	if f.DateTo, err = time.Parse(DateLayout, to); err != nil {
		return Filter{}, fmt.Errorf("invalid to date %q: want %s", to, DateLayout)
	}
	if f.DateTo.Before(f.DateFrom) {
		return Filter{}, fmt.Errorf("to date %s is before from date %s", to, from)
	}
	return f, nil
}
