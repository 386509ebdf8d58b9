package services

import (
	"context"
	"iter"
	"sync/atomic"
	"time"

	"github.com/desertthunder/ledgersync/internal/models"
	"github.com/desertthunder/ledgersync/internal/shared"
)

// PageFunc fetches one 1-based page.
type PageFunc func(ctx context.Context, page int) (*Page, error)

// Listing is a lazy, finite, non-restartable sequence over every page of a remote listing.
//
// Pages are requested only as the consumer advances. A page failure ends the sequence with
// that error; a later pass must start from page 1 with a new Listing.
type Listing struct {
	ctx      context.Context
	delay    time.Duration
	fetch    PageFunc
	consumed atomic.Bool
	pages    atomic.Int64
}

// NewListing creates a listing that waits delay between page requests.
func NewListing(ctx context.Context, delay time.Duration, fetch PageFunc) *Listing {
	return &Listing{ctx: ctx, delay: delay, fetch: fetch}
}

// PagesFetched reports how many pages were requested so far.
func (l *Listing) PagesFetched() int {
	return int(l.pages.Load())
}

// All returns the record iterator. The second and later calls yield only [shared.ErrListingConsumed].
func (l *Listing) All() iter.Seq2[models.RemoteRecordRef, error] {
	return func(yield func(models.RemoteRecordRef, error) bool) {
		if l.consumed.Swap(true) {
			yield(models.RemoteRecordRef{}, shared.ErrListingConsumed)
			return
		}

		total := 1
		for page := 1; page <= total; page++ {
			if page > 1 && !sleep(l.ctx, l.delay) {
				yield(models.RemoteRecordRef{}, l.ctx.Err())
				return
			}

			l.pages.Add(1)
			p, err := l.fetch(l.ctx, page)
			if err != nil {
				yield(models.RemoteRecordRef{}, err)
				return
			}

			if page == 1 {
				total = p.TotalPages()
			}

			for _, item := range p.Items {
				if !yield(item, nil) {
					return
				}
			}

			// an empty page ends the listing even if the row count promised more
			if len(p.Items) == 0 {
				return
			}
		}
	}
}

// Collect drains the listing into a slice.
func (l *Listing) Collect() ([]models.RemoteRecordRef, error) {
	var out []models.RemoteRecordRef
	for ref, err := range l.All() {
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, nil
}

// sleep waits for d or until ctx is done, reporting whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
