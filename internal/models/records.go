package models

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

// RemoteRecordRef is the listing-row projection of a remote record.
//
// VersionToken is the remote revision counter; it never decreases for a given ExternalID.
type RemoteRecordRef struct {
	ExternalID    int64  `json:"externalId"`
	DisplayNumber string `json:"displayNumber"`
	VersionToken  int64  `json:"versionToken"`
}

// LedgerEntry is the last version of a record that was persisted locally.
type LedgerEntry struct {
	Entity       string    `json:"entity"`
	ExternalID   int64     `json:"externalId"`
	ScopeKey     string    `json:"scopeKey"`
	VersionToken int64     `json:"versionToken"`
	LastSyncedAt time.Time `json:"lastSyncedAt"`
}

// LedgerKey identifies a ledger entry within one entity.
type LedgerKey struct {
	ExternalID int64
	ScopeKey   string
}

// Key returns the lookup key of the entry.
func (e LedgerEntry) Key() LedgerKey {
	return LedgerKey{ExternalID: e.ExternalID, ScopeKey: e.ScopeKey}
}

// ParseVersion converts a version token as decoded from JSON into an int64.
//
// Missing, null, negative, fractional and non-numeric values all become 0.
func ParseVersion(v any) int64 {
	n, ok := parseInt(v)
	if !ok || n < 0 {
		return 0
	}
	return n
}

// ParseID converts an id field as decoded from JSON. The boolean is false when v is not a positive integer.
func ParseID(v any) (int64, bool) {
	n, ok := parseInt(v)
	if !ok || n <= 0 {
		return 0, false
	}
	return n, true
}

func parseInt(v any) (int64, bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case float64:
		return floatToInt(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		return floatToInt(f)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n, err == nil
	}
	return 0, false
}

func floatToInt(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// Classification partitions a remote snapshot against the ledger.
type Classification struct {
	New       []RemoteRecordRef `json:"new"`
	Updated   []RemoteRecordRef `json:"updated"`
	Unchanged []RemoteRecordRef `json:"unchanged"`
}

// NeedSync returns New followed by Updated.
func (c Classification) NeedSync() []RemoteRecordRef {
	out := make([]RemoteRecordRef, 0, len(c.New)+len(c.Updated))
	out = append(out, c.New...)
	return append(out, c.Updated...)
}

// All returns every classified record.
func (c Classification) All() []RemoteRecordRef {
	out := make([]RemoteRecordRef, 0, c.Total())
	out = append(out, c.New...)
	out = append(out, c.Updated...)
	return append(out, c.Unchanged...)
}

func (c Classification) Total() int {
	return len(c.New) + len(c.Updated) + len(c.Unchanged)
}

// Summary returns the counts of the classification.
func (c Classification) Summary() StatusSummary {
	return StatusSummary{
		Total:     c.Total(),
		New:       len(c.New),
		Updated:   len(c.Updated),
		Unchanged: len(c.Unchanged),
		NeedSync:  len(c.New) + len(c.Updated),
	}
}

// StatusSummary is the preview returned by a status check.
type StatusSummary struct {
	Total     int `json:"total"`
	New       int `json:"new"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	NeedSync  int `json:"needSync"`
}

// ErrorKind classifies why a record did not sync.
type ErrorKind string

const (
	KindNone        ErrorKind = ""
	KindTransient   ErrorKind = "transient"
	KindPermanent   ErrorKind = "permanent"
	KindPersistence ErrorKind = "persistence"
	KindCanceled    ErrorKind = "canceled"
)

// DetailOutcome is the result of fetching one record's detail.
//
// Exactly one of Payload and Err is set.
type DetailOutcome struct {
	Ref      RemoteRecordRef
	Payload  json.RawMessage
	Kind     ErrorKind
	Err      error
	Attempts int
}

// OK reports whether the fetch succeeded.
func (o DetailOutcome) OK() bool {
	return o.Err == nil && o.Kind == KindNone
}

// HeaderRow holds the mutable columns of a record.
type HeaderRow struct {
	ExternalID    int64          `json:"externalId"`
	DisplayNumber string         `json:"displayNumber"`
	VersionToken  int64          `json:"versionToken"`
	Fields        map[string]any `json:"fields"`
}

// ChildRow is one line of a record; Sequence completes its natural key.
type ChildRow struct {
	Sequence int64          `json:"sequence"`
	Fields   map[string]any `json:"fields"`
}

// Rows is the storage projection of one detail payload.
type Rows struct {
	Header   HeaderRow  `json:"header"`
	Children []ChildRow `json:"children"`
}

// Validate checks that the rows can be stored under a natural key.
func (r Rows) Validate() error {
	if r.Header.ExternalID <= 0 {
		return errors.New("header row has no external id")
	}
	seen := make(map[int64]bool, len(r.Children))
	for _, c := range r.Children {
		if seen[c.Sequence] {
			return errors.New("duplicate child sequence " + strconv.FormatInt(c.Sequence, 10))
		}
		seen[c.Sequence] = true
	}
	return nil
}
