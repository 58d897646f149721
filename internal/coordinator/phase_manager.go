package coordinator

import (
	"context"

	"argus/internal/domain/analysis"
	"argus/internal/metrics"
	"argus/internal/workflow"
	"argus/pkg/errors"
)

// phaseFullyCompleted reports whether every configured agent of the phase
// (final aggregator included) shows a completed step
func phaseFullyCompleted(rec *analysis.Analysis, p workflow.Phase) bool {
	for _, info := range workflow.Agents(p.AllAgents()) {
		step := rec.Steps.Agent(string(p.ID), info.FunctionName)
		if step == nil || step.Status != analysis.StepCompleted {
			return false
		}
	}
	return true
}

// currentPhase returns the first phase that has not fully completed.
// Used by resumption to pick up where a stale run left off.
func currentPhase(rec *analysis.Analysis) workflow.Phase {
	phases := workflow.Phases()
	for _, p := range phases {
		if !phaseFullyCompleted(rec, p) {
			return p
		}
	}
	return phases[len(phases)-1]
}

// startPhase launches a phase by invoking its first incomplete agent, which
// supports resumption mid-phase. Research has its own initializer because it
// runs a debate loop, not a flat agent list.
func (c *Coordinator) startPhase(ctx context.Context, rec *analysis.Analysis, phaseID workflow.PhaseID, settings analysis.APISettings) (Outcome, error) {
	if phaseID == workflow.PhaseResearch {
		return c.initializeResearchPhase(ctx, rec, settings)
	}

	p, err := workflow.GetPhase(phaseID)
	if err != nil {
		return Outcome{}, err
	}

	for _, id := range p.Agents {
		info := workflow.MustLookup(id)
		step := rec.Steps.Agent(string(p.ID), info.FunctionName)
		if step != nil && step.Status == analysis.StepCompleted {
			continue
		}
		if step != nil && step.Status == analysis.StepRunning {
			// Already in flight, a duplicate start must not double-invoke
			return ack("phase already in progress", rec.Status), nil
		}
		if err := c.invoke(ctx, rec, p.ID, id, settings, 0); err != nil {
			return Outcome{}, err
		}
		return ack("invoked "+string(id), rec.Status), nil
	}

	// Every chained agent already completed; fall through to completion
	return c.handlePhaseCompletion(ctx, rec, p.ID, settings)
}

// moveToNextPhase advances the workflow past the current phase. It re-checks
// the current phase's health first: a stale "complete" signal from a
// misordered callback must not advance the workflow.
func (c *Coordinator) moveToNextPhase(ctx context.Context, rec *analysis.Analysis, currentID workflow.PhaseID, settings analysis.APISettings) (Outcome, error) {
	health, err := workflow.CheckPhaseHealth(rec, currentID, c.cfg.MinAnalysisAgents)
	if err != nil {
		return Outcome{}, err
	}
	if !health.CanProceed {
		c.log.Warnf("Refusing to advance %s past %s: %s", rec.ID, currentID, health.Reason)
		return ack("current phase not healthy, no advance: "+health.Reason, rec.Status), nil
	}

	p, err := workflow.GetPhase(currentID)
	if err != nil {
		return Outcome{}, err
	}
	if p.Next == "" {
		return c.completeWorkflow(ctx, rec)
	}

	next, err := workflow.GetPhase(p.Next)
	if err != nil {
		return Outcome{}, err
	}

	// Context must survive every phase transition: reload and re-merge from
	// storage rather than trusting what the callback carried.
	if _, err := c.reloadContext(ctx, rec); err != nil {
		return Outcome{}, err
	}

	if phaseFullyCompleted(rec, next) {
		// A next phase that already shows all agents completed is an anomaly.
		// For a batch member a silent skip is a correctness bug, so the phase
		// is re-initialized and run again; individual runs tolerate it and
		// advance past.
		if rec.IsRebalance() {
			c.log.Errorf("Anomaly: phase %s already complete for rebalance analysis %s, re-initializing", next.ID, rec.ID)
			if err := c.reinitializePhase(ctx, rec, next.ID); err != nil {
				return Outcome{}, err
			}
		} else {
			c.log.Warnf("Phase %s already complete for %s, advancing past it", next.ID, rec.ID)
			return c.moveToNextPhase(ctx, rec, next.ID, settings)
		}
	}

	metrics.PhaseTransitions.WithLabelValues(string(currentID), string(next.ID)).Inc()
	c.events.PhaseAdvanced(ctx, rec.ID, rec.Ticker, rec.UserID, string(currentID), string(next.ID))

	if next.ID == workflow.PhasePortfolio {
		return c.routePortfolio(ctx, rec, settings)
	}
	return c.startPhase(ctx, rec, next.ID, settings)
}

// reinitializePhase re-arms every agent of the phase back to pending
func (c *Coordinator) reinitializePhase(ctx context.Context, rec *analysis.Analysis, phaseID workflow.PhaseID) error {
	fresh, err := workflow.PhaseInitialSteps(phaseID)
	if err != nil {
		return err
	}

	steps := rec.Steps
	replaced := false
	for i := range steps {
		if steps[i].Phase == string(phaseID) {
			steps[i] = fresh
			replaced = true
			break
		}
	}
	if !replaced {
		steps = append(steps, fresh)
	}

	if err := c.repo.SetWorkflowSteps(ctx, rec.ID, steps); err != nil {
		return errors.Wrap(err, "reinitialize phase steps")
	}
	rec.Steps = steps

	if phaseID == workflow.PhaseResearch && rec.Context != nil && rec.Context.Debate != nil {
		rec.Context.Debate.CurrentRound = 0
		rec.Context.Debate.Rounds = nil
		if err := c.PersistContext(ctx, rec, rec.Context); err != nil {
			return err
		}
	}
	return nil
}

// initializeResearchPhase enters the debate loop at round one
func (c *Coordinator) initializeResearchPhase(ctx context.Context, rec *analysis.Analysis, settings analysis.APISettings) (Outcome, error) {
	if rec.Context == nil || rec.Context.Debate == nil {
		if _, err := c.reloadContext(ctx, rec); err != nil {
			return Outcome{}, err
		}
	}
	return c.runDebateRound(ctx, rec, 1, settings)
}

// runDebateRound persists the round number and fires only the bull
// researcher. The bear is intentionally not started in parallel: bull must
// complete first so the bear argues against an actual thesis instead of
// producing an independent monologue.
func (c *Coordinator) runDebateRound(ctx context.Context, rec *analysis.Analysis, round int, settings analysis.APISettings) (Outcome, error) {
	rec.Context.Debate.CurrentRound = round
	if err := c.PersistContext(ctx, rec, rec.Context); err != nil {
		return Outcome{}, err
	}

	if err := c.invoke(ctx, rec, workflow.PhaseResearch, workflow.AgentBullResearcher, settings, round); err != nil {
		return Outcome{}, err
	}
	return ack("debate round started", rec.Status), nil
}

// maxDebateRounds resolves the per-user round target with the configured
// default as fallback
func (c *Coordinator) maxDebateRounds(rec *analysis.Analysis, settings analysis.APISettings) int {
	if settings.MaxDebateRounds > 0 {
		return settings.MaxDebateRounds
	}
	if rec.Context != nil && rec.Context.Debate != nil && rec.Context.Debate.MaxRounds > 0 {
		return rec.Context.Debate.MaxRounds
	}
	return c.cfg.MaxDebateRounds
}

// startResearchManager arms and invokes the research synthesis step
func (c *Coordinator) startResearchManager(ctx context.Context, rec *analysis.Analysis, settings analysis.APISettings) (Outcome, error) {
	if err := c.invoke(ctx, rec, workflow.PhaseResearch, workflow.AgentResearchManager, settings, 0); err != nil {
		return Outcome{}, err
	}
	return ack("research manager invoked", rec.Status), nil
}

// completeWorkflow declares the whole workflow finished, preserving whatever
// decision the agents produced
func (c *Coordinator) completeWorkflow(ctx context.Context, rec *analysis.Analysis) (Outcome, error) {
	decision := rec.Decision
	if decision == "" {
		decision = analysis.DecisionPending
	}
	if err := c.repo.SetCompleted(ctx, rec.ID, decision, rec.Confidence); err != nil {
		return Outcome{}, errors.Wrap(err, "mark workflow completed")
	}
	rec.Status = analysis.StatusCompleted

	metrics.AnalysesFinished.WithLabelValues(string(analysis.StatusCompleted)).Inc()
	c.events.AnalysisCompleted(ctx, rec.ID, rec.Ticker, rec.UserID, string(decision), rec.Confidence)
	return ack("workflow completed", analysis.StatusCompleted), nil
}
