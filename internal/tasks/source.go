package tasks

import (
	"context"
	"encoding/json"
	"iter"
	"time"

	"github.com/desertthunder/ledgersync/internal/models"
)

// Source lists and fetches the remote records of one entity.
//
// [services.EndpointSource] is the production implementation.
type Source interface {
	// List streams the remote snapshot for scope. The sequence may be consumed once.
	List(ctx context.Context, scope string, filter models.Filter) iter.Seq2[models.RemoteRecordRef, error]

	// Fetch returns the detail payload of one record.
	Fetch(ctx context.Context, scope string, id int64) (json.RawMessage, error)
}

// Mapper turns a detail payload into storage rows.
type Mapper interface {
	Map(ref models.RemoteRecordRef, payload json.RawMessage) (models.Rows, error)
}

// MapperFunc adapts a function to [Mapper].
type MapperFunc func(ref models.RemoteRecordRef, payload json.RawMessage) (models.Rows, error)

func (f MapperFunc) Map(ref models.RemoteRecordRef, payload json.RawMessage) (models.Rows, error) {
	return f(ref, payload)
}

// Entity parameterises the engine for one remote record type.
type Entity struct {
	Name        string
	Description string
	Source      Source
	Mapper      Mapper
	Policy      models.ChildPolicy
}

// Store is the slice of the local store the engine needs.
type Store interface {
	LoadLedger(ctx context.Context, entity, scope string) ([]models.LedgerEntry, error)
	PersistRecord(ctx context.Context, entity, scope string, rows models.Rows, policy models.ChildPolicy, syncedAt time.Time) error
}

// RunRecorder appends finished reports to the run history.
type RunRecorder interface {
	RecordRun(ctx context.Context, report models.SyncReport) error
}

// Observer receives run and fetch events, e.g. for metrics.
type Observer interface {
	ObserveFetch(entity string, outcome models.DetailOutcome)
	ObserveRun(report models.SyncReport)
}
