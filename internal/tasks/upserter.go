package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/ledgersync/internal/models"
	"github.com/desertthunder/ledgersync/internal/shared"
)

// Upserter maps fetched details to rows and commits them one record at a time.
type Upserter struct {
	store  Store
	entity Entity
	scope  string
	now    func() time.Time
	logger *log.Logger
}

// NewUpserter creates an upserter for one entity and scope.
func NewUpserter(store Store, entity Entity, scope string, now func() time.Time, logger *log.Logger) *Upserter {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &Upserter{store: store, entity: entity, scope: scope, now: now, logger: logger}
}

// Persist maps and commits one successful outcome.
//
// The header version is raised to the listing version when the detail carries an older or
// missing one, so the ledger matches what the next listing will report.
func (u *Upserter) Persist(ctx context.Context, o models.DetailOutcome) error {
	rows, err := u.entity.Mapper.Map(o.Ref, o.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrMappingFailed, err)
	}

	if rows.Header.ExternalID == 0 {
		rows.Header.ExternalID = o.Ref.ExternalID
	}
	if rows.Header.ExternalID != o.Ref.ExternalID {
		return fmt.Errorf("%w: payload id %d does not match listing id %d", shared.ErrMappingFailed, rows.Header.ExternalID, o.Ref.ExternalID)
	}
	if rows.Header.DisplayNumber == "" {
		rows.Header.DisplayNumber = o.Ref.DisplayNumber
	}
	rows.Header.VersionToken = max(rows.Header.VersionToken, o.Ref.VersionToken)

	return u.store.PersistRecord(ctx, u.entity.Name, u.scope, rows, u.entity.Policy, u.now())
}

// Apply persists every successful outcome and returns the outcomes with persistence failures marked.
//
// A failure affects only its own record.
func (u *Upserter) Apply(ctx context.Context, outcomes []models.DetailOutcome) []models.DetailOutcome {
	out := make([]models.DetailOutcome, len(outcomes))
	copy(out, outcomes)

	for i, o := range out {
		if !o.OK() {
			continue
		}
		if err := u.Persist(ctx, o); err != nil {
			u.logger.Warn("persist failed", "id", o.Ref.ExternalID, "number", o.Ref.DisplayNumber, "err", err)
			out[i].Kind = models.KindPersistence
			out[i].Err = err
			out[i].Payload = nil
		}
	}
	return out
}
