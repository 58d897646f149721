package workers

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"

	"argus/internal/coordinator"
	"argus/internal/domain/analysis"
	"argus/pkg/errors"
)

// ReactivationWorker sweeps for analyses stuck Running with no progress and
// resumes them through the coordinator. The coordinator itself enforces no
// agent timeouts, this sweep is the only thing that unsticks a lost callback.
type ReactivationWorker struct {
	*BaseWorker
	repo       analysis.Repository
	coord      *coordinator.Coordinator
	staleAfter time.Duration
	lookback   time.Duration
}

// ReactivationConfig controls the sweep window
type ReactivationConfig struct {
	Enabled    bool
	Interval   time.Duration
	StaleAfter time.Duration
	Lookback   time.Duration
}

// NewReactivationWorker creates the stale-analysis sweep worker
func NewReactivationWorker(repo analysis.Repository, coord *coordinator.Coordinator, cfg ReactivationConfig) *ReactivationWorker {
	return &ReactivationWorker{
		BaseWorker: NewBaseWorker("reactivation", cfg.Interval, cfg.Enabled),
		repo:       repo,
		coord:      coord,
		staleAfter: cfg.StaleAfter,
		lookback:   cfg.Lookback,
	}
}

// Run performs one sweep
func (w *ReactivationWorker) Run(ctx context.Context) error {
	stale, err := w.repo.ListStaleRunning(ctx, w.staleAfter, w.lookback)
	if err != nil {
		w.RecordError(err)
		return errors.Wrap(err, "list stale analyses")
	}
	if len(stale) == 0 {
		w.RecordRun()
		return nil
	}

	w.Log().Infof("Found %d stale analyses (no update for over %s)",
		len(stale), humanize.Time(time.Now().Add(-w.staleAfter)))

	var lastErr error
	for _, rec := range stale {
		w.Log().Infof("Reactivating %s (%s), last update %s",
			rec.ID, rec.Ticker, humanize.Time(rec.UpdatedAt))

		if _, err := w.coord.Reactivate(ctx, rec.ID); err != nil {
			w.Log().Errorf("Reactivation of %s failed: %v", rec.ID, err)
			lastErr = err
		}
	}

	if lastErr != nil {
		w.RecordError(lastErr)
		return errors.Wrap(lastErr, "reactivation sweep finished with errors")
	}
	w.RecordRun()
	return nil
}
