package coordinator

import (
	"context"

	"argus/internal/domain/analysis"
	"argus/internal/metrics"
)

// checkCancelled decides whether the workflow should stop here. It considers
// both cancellation sources: the record's own status and the parent batch's
// cancellation flag. Every callback path runs this first, so a cancelled
// analysis short-circuits to a terminal response without further side
// effects.
func (c *Coordinator) checkCancelled(ctx context.Context, rec *analysis.Analysis) (bool, error) {
	if rec.Status == analysis.StatusCancelled {
		return true, nil
	}

	if c.cancels == nil || rec.RebalanceRequestID == nil {
		return false, nil
	}

	cancelled, err := c.cancels.IsBatchCancelled(ctx, rec.RebalanceRequestID.String())
	if err != nil {
		// Fail open: an unreachable flag store must not stall live workflows
		c.log.Warnf("Batch cancellation check failed for %s: %v", rec.ID, err)
		return false, nil
	}
	if !cancelled {
		return false, nil
	}

	// Propagate the batch cancellation onto the member record. The guard
	// keeps this from resurrecting an already-terminal record.
	ok, err := c.repo.UpdateStatusIf(ctx, rec.ID, analysis.StatusCancelled,
		analysis.StatusPending, analysis.StatusRunning, analysis.StatusError)
	if err != nil {
		return true, err
	}
	if ok {
		rec.Status = analysis.StatusCancelled
		metrics.AnalysesFinished.WithLabelValues(string(analysis.StatusCancelled)).Inc()
		c.events.AnalysisCancelled(ctx, rec.ID, rec.Ticker, rec.UserID)
	}
	return true, nil
}

// cancelledOutcome is the distinct "intentionally stopped" response shape
func cancelledOutcome() Outcome {
	return Outcome{
		Message:   "analysis cancelled, no further action taken",
		Status:    analysis.StatusCancelled,
		Cancelled: true,
	}
}
