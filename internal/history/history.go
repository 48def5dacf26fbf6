// Package history records optimization runs and reads them back in order.
package history

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"

	"dispatchopt/internal/model"
	"dispatchopt/internal/store"
)

// Recorder stamps and appends SimulationRun records. Records are never updated or deleted.
type Recorder struct {
	st       store.Store
	now      func() time.Time
	pageSize int

	mu   sync.Mutex
	last time.Time
}

type Option func(*Recorder)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(r *Recorder) { r.now = now } }

// WithPageSize sets how many runs All fetches per store call, capped at
// store.MaxLimit since All stops at the first short page.
func WithPageSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.pageSize = min(n, store.MaxLimit)
		}
	}
}

func NewRecorder(st store.Store, opts ...Option) *Recorder {
	r := &Recorder{st: st, now: time.Now, pageSize: 100}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Stamp assigns an id and a timestamp that never goes backwards relative to
// earlier stamps from this recorder, even if the wall clock does.
func (r *Recorder) Stamp(in model.SimulationInput, kpis model.KPIs) model.SimulationRun {
	return model.SimulationRun{
		ID:              uuid.NewString(),
		Timestamp:       r.Now(),
		SimulationInput: in,
		KPIs:            kpis,
	}
}

// Now is the recorder clock, never earlier than a previous reading. Commits
// pass it to the store so runs are timed while the run log is held.
func (r *Recorder) Now() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts := r.now()
	if ts.Before(r.last) {
		ts = r.last
	}
	r.last = ts
	return ts
}

// Record stamps and appends a run on its own, outside any schedule commit.
func (r *Recorder) Record(ctx context.Context, in model.SimulationInput, kpis model.KPIs) (model.SimulationRun, error) {
	return r.st.AppendRun(ctx, r.Stamp(in, kpis))
}

// All iterates every recorded run in ascending order, fetching lazily page by
// page. Each call to the returned sequence starts over from the first run.
func (r *Recorder) All(ctx context.Context) iter.Seq2[model.SimulationRun, error] {
	return func(yield func(model.SimulationRun, error) bool) {
		var after int64
		for {
			page, err := r.st.ListRuns(ctx, after, r.pageSize)
			if err != nil {
				yield(model.SimulationRun{}, err)
				return
			}
			for _, run := range page {
				if !yield(run, nil) {
					return
				}
				after = run.Seq
			}
			if len(page) < r.pageSize {
				return
			}
		}
	}
}

// List returns up to limit runs after skipping offset, in ascending order.
func (r *Recorder) List(ctx context.Context, offset, limit int) ([]model.SimulationRun, error) {
	out := []model.SimulationRun{}
	if limit <= 0 {
		limit = r.pageSize
	}
	i := 0
	for run, err := range r.All(ctx) {
		if err != nil {
			return nil, err
		}
		if i >= offset {
			out = append(out, run)
			if len(out) == limit {
				break
			}
		}
		i++
	}
	return out, nil
}

// Latest returns the most recent run, or store.ErrNotFound.
func (r *Recorder) Latest(ctx context.Context) (model.SimulationRun, error) {
	return r.st.LatestRun(ctx)
}
