package coordinator

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"argus/internal/domain/analysis"
	"argus/internal/metrics"
	"argus/internal/workflow"
	"argus/pkg/errors"
)

// StartRequest describes a new analysis run. RebalanceRequestID being set
// marks the run as a batch member.
type StartRequest struct {
	Ticker             string
	UserID             string
	APISettings        analysis.APISettings
	Context            *analysis.Context
	RebalanceRequestID *uuid.UUID
}

func (r StartRequest) validate() error {
	if strings.TrimSpace(r.Ticker) == "" {
		return errors.Wrap(errors.ErrInvalidInput, "ticker is required")
	}
	if strings.TrimSpace(r.UserID) == "" {
		return errors.Wrap(errors.ErrInvalidInput, "userId is required")
	}
	return nil
}

// StartAnalysis creates a new analysis record and fires the first agent of
// the first phase. Older Pending/Running runs for the same (user, ticker)
// are superseded first so two workflows never race on the same record space.
func (c *Coordinator) StartAnalysis(ctx context.Context, req StartRequest) (*analysis.Analysis, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	ticker := strings.ToUpper(strings.TrimSpace(req.Ticker))

	active, err := c.repo.ListActive(ctx, req.UserID, ticker)
	if err != nil {
		return nil, errors.Wrap(err, "list active analyses")
	}
	for _, old := range active {
		// Supersession goes through the error funnel so batch members still
		// report {success:false} to their parent
		c.log.Warnf("Superseding active analysis %s for %s/%s", old.ID, req.UserID, ticker)
		if _, err := c.markError(ctx, old, "superseded by newer analysis run", nil); err != nil {
			return nil, errors.Wrapf(err, "supersede analysis %s", old.ID)
		}
	}

	seed := req.Context
	if req.RebalanceRequestID != nil {
		if seed == nil {
			seed = &analysis.Context{}
		}
		seed.Type = analysis.ContextRebalance
		seed.RebalanceRequestID = req.RebalanceRequestID
	}
	merged, err := c.BuildContext(ctx, req.UserID, ticker, seed)
	if err != nil {
		return nil, err
	}
	settings := req.APISettings
	if settings != (analysis.APISettings{}) {
		// Persisted so reactivation re-invokes with the same provider setup
		merged.APISettings = settings
	}
	if settings.MaxDebateRounds > 0 {
		merged.Debate.MaxRounds = settings.MaxDebateRounds
	}

	rec := &analysis.Analysis{
		ID:                 uuid.New(),
		Ticker:             ticker,
		UserID:             req.UserID,
		Status:             analysis.StatusPending,
		Decision:           analysis.DecisionPending,
		Insights:           analysis.Insights{},
		Steps:              workflow.InitialSteps(),
		Context:            merged,
		RebalanceRequestID: req.RebalanceRequestID,
	}
	if err := c.repo.Create(ctx, rec); err != nil {
		return nil, errors.Wrap(err, "create analysis record")
	}

	ok, err := c.repo.UpdateStatusIf(ctx, rec.ID, analysis.StatusRunning, analysis.StatusPending)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Cancelled between create and start, nothing to run
		return c.repo.Get(ctx, rec.ID)
	}
	rec.Status = analysis.StatusRunning

	caller := "individual"
	if rec.IsRebalance() {
		caller = "rebalance"
	}
	metrics.AnalysesStarted.WithLabelValues(caller).Inc()
	c.events.AnalysisStarted(ctx, rec.ID, rec.Ticker, rec.UserID, caller)
	c.log.Infof("Started %s analysis %s for %s/%s", caller, rec.ID, rec.UserID, rec.Ticker)

	first := workflow.FirstPhase()
	if _, err := c.startPhase(ctx, rec, first.ID, settings); err != nil {
		return nil, err
	}
	return rec, nil
}

// Reactivate resumes a stalled or errored analysis from its first incomplete
// phase. Cancelled and completed runs are left alone.
func (c *Coordinator) Reactivate(ctx context.Context, id uuid.UUID) (Outcome, error) {
	rec, err := c.repo.Get(ctx, id)
	if err != nil {
		return Outcome{}, errors.Wrapf(err, "load analysis %s", id)
	}

	cancelled, err := c.checkCancelled(ctx, rec)
	if err != nil {
		return Outcome{}, err
	}
	if cancelled {
		return cancelledOutcome(), nil
	}
	if rec.Status == analysis.StatusCompleted {
		return ack("analysis already completed", rec.Status), nil
	}

	if rec.Status != analysis.StatusRunning {
		ok, err := c.repo.UpdateStatusIf(ctx, rec.ID, analysis.StatusRunning, analysis.StatusPending, analysis.StatusError)
		if err != nil {
			return Outcome{}, err
		}
		if !ok {
			return ack("analysis not in a resumable state", rec.Status), nil
		}
		rec.Status = analysis.StatusRunning
	}

	settings := analysis.APISettings{}
	if rec.Context != nil {
		settings = rec.Context.APISettings
	}

	phase := currentPhase(rec)
	metrics.StaleReactivations.Inc()
	c.log.Infof("Reactivating analysis %s at phase %s", rec.ID, phase.ID)
	return c.ResumeFromPhase(ctx, rec, phase.ID, settings)
}

// Cancel flips an analysis into the absorbing Cancelled state
func (c *Coordinator) Cancel(ctx context.Context, id uuid.UUID) (Outcome, error) {
	rec, err := c.repo.Get(ctx, id)
	if err != nil {
		return Outcome{}, errors.Wrapf(err, "load analysis %s", id)
	}
	if rec.Status == analysis.StatusCancelled {
		return cancelledOutcome(), nil
	}
	if rec.Status == analysis.StatusCompleted {
		return ack("analysis already completed, not cancelled", rec.Status), nil
	}

	ok, err := c.repo.UpdateStatusIf(ctx, rec.ID, analysis.StatusCancelled,
		analysis.StatusPending, analysis.StatusRunning, analysis.StatusError)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		fresh, err := c.repo.Get(ctx, rec.ID)
		if err != nil {
			return Outcome{}, err
		}
		return ack("analysis state changed, not cancelled", fresh.Status), nil
	}

	metrics.AnalysesFinished.WithLabelValues(string(analysis.StatusCancelled)).Inc()
	c.events.AnalysisCancelled(ctx, rec.ID, rec.Ticker, rec.UserID)
	c.log.Infof("Cancelled analysis %s", rec.ID)
	return cancelledOutcome(), nil
}
