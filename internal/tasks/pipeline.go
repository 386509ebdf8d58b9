package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/desertthunder/ledgersync/internal/models"
	"github.com/desertthunder/ledgersync/internal/services"
)

// errNotStarted marks ids whose batch never started because the run was canceled.
var errNotStarted = errors.New("batch not started: run canceled")

// FetchFunc fetches the detail payload of one record.
type FetchFunc func(ctx context.Context, id int64) (json.RawMessage, error)

// PipelineOpts configures a [Pipeline].
type PipelineOpts struct {
	BatchSize   int
	BatchDelay  time.Duration
	Retry       RetryPolicy
	IsTransient func(error) bool // defaults to [services.IsTransient]

	// OnOutcome is called from the pipeline goroutine once per id, after its batch settles.
	OnOutcome func(done, total int, outcome models.DetailOutcome)
}

// Pipeline fetches record details in sequential, fixed-size batches.
type Pipeline struct {
	opts PipelineOpts
}

// NewPipeline creates a pipeline; a batch size below 1 is treated as 1.
func NewPipeline(opts PipelineOpts) *Pipeline {
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if opts.IsTransient == nil {
		opts.IsTransient = services.IsTransient
	}
	return &Pipeline{opts: opts}
}

// Run returns exactly one outcome per ref, in ref order, and whether the run was canceled.
//
// Cancellation of ctx is checked only before a batch starts. Fetches of a started batch run
// to completion on a context detached from ctx; every ref of an unstarted batch gets a
// [models.KindCanceled] outcome.
func (p *Pipeline) Run(ctx context.Context, refs []models.RemoteRecordRef, fetch FetchFunc) ([]models.DetailOutcome, bool) {
	outcomes := make([]models.DetailOutcome, 0, len(refs))
	detached := context.WithoutCancel(ctx)
	size := p.opts.BatchSize

	for start := 0; start < len(refs); start += size {
		if start > 0 {
			sleepCtx(ctx, p.opts.BatchDelay)
		}

		if ctx.Err() != nil {
			for _, ref := range refs[start:] {
				o := models.DetailOutcome{Ref: ref, Kind: models.KindCanceled, Err: errNotStarted}
				outcomes = append(outcomes, o)
				p.notify(len(outcomes), len(refs), o)
			}
			return outcomes, true
		}

		batch := refs[start:min(start+size, len(refs))]
		for _, o := range p.runBatch(detached, batch, fetch) {
			outcomes = append(outcomes, o)
			p.notify(len(outcomes), len(refs), o)
		}
	}

	return outcomes, false
}

// runBatch fetches every ref of batch concurrently; each task writes only its own slot.
func (p *Pipeline) runBatch(ctx context.Context, batch []models.RemoteRecordRef, fetch FetchFunc) []models.DetailOutcome {
	slots := make([]models.DetailOutcome, len(batch))

	var wg sync.WaitGroup
	for i, ref := range batch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slots[i] = p.fetchOne(ctx, ref, fetch)
		}()
	}
	wg.Wait()

	return slots
}

func (p *Pipeline) fetchOne(ctx context.Context, ref models.RemoteRecordRef, fetch FetchFunc) models.DetailOutcome {
	payload, attempts, err := Retry(ctx, p.opts.Retry, p.opts.IsTransient, func(ctx context.Context) (json.RawMessage, error) {
		return fetch(ctx, ref.ExternalID)
	})

	o := models.DetailOutcome{Ref: ref, Attempts: attempts}
	switch {
	case err == nil:
		o.Payload = payload
	case p.opts.IsTransient(err):
		o.Kind, o.Err = models.KindTransient, err
	default:
		o.Kind, o.Err = models.KindPermanent, err
	}
	return o
}

func (p *Pipeline) notify(done, total int, o models.DetailOutcome) {
	if p.opts.OnOutcome != nil {
		p.opts.OnOutcome(done, total, o)
	}
}
