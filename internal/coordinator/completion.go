package coordinator

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"

	"argus/internal/domain/analysis"
	"argus/internal/metrics"
	"argus/internal/rebalance"
	"argus/internal/workflow"
	"argus/pkg/errors"
)

// CompletionType is the agent's own signal about what its completion means.
// It is authoritative for routing even when it disagrees with the record's
// step counts, because the agent knows what it just finished doing.
type CompletionType string

const (
	CompletionNormal           CompletionType = "normal"
	CompletionLastInPhase      CompletionType = "last_in_phase"
	CompletionAgentError       CompletionType = "agent_error"
	CompletionInvocationFailed CompletionType = "invocation_failed"
	CompletionFallbackFailed   CompletionType = "fallback_invocation_failed"
)

// CompletionRequest is one agent completion callback, decoded from the wire
type CompletionRequest struct {
	AnalysisID     uuid.UUID
	Phase          workflow.PhaseID
	Agent          workflow.AgentID
	APISettings    analysis.APISettings
	CompletionType CompletionType
	Round          int

	// Result is the agent's insight payload, persisted verbatim
	Result json.RawMessage

	// Error/ErrorType are set on failure callbacks
	Error     string
	ErrorType workflow.ErrorType

	// FailedToInvoke names the downstream agent a worker could not chain to
	// on a fallback_invocation_failed callback
	FailedToInvoke string

	// Decision/Confidence are reported by terminal agents (risk manager,
	// portfolio manager) alongside their result
	Decision   analysis.Decision
	Confidence int
}

// Long enough to absorb HTTP client retries, short enough to never block a
// legitimate replayed invocation
const callbackDedupeTTL = 30 * time.Second

// failed routes on CompletionType alone. Error/ErrorType are payload: a
// fallback_invocation_failed callback carries error text describing the
// failed handoff, yet the reporting agent finished its own work.
func (r CompletionRequest) failed() bool {
	return r.CompletionType == CompletionAgentError || r.CompletionType == CompletionInvocationFailed
}

// HandleAgentCompletion is the workflow's central state machine entry. Every
// agent worker calls back here exactly once per invocation (at-least-once in
// practice, duplicates are absorbed by the step-status guard).
func (c *Coordinator) HandleAgentCompletion(ctx context.Context, req CompletionRequest) (Outcome, error) {
	start := time.Now()
	defer metrics.ObserveCallback(string(req.Phase), start)

	info, ok := workflow.Lookup(req.Agent)
	if !ok {
		return Outcome{}, errNoAgent(req.Agent)
	}
	p, err := workflow.GetPhase(req.Phase)
	if err != nil {
		return Outcome{}, err
	}
	if !p.HasAgent(req.Agent) {
		return Outcome{}, errors.Wrapf(errors.ErrUnknownAgent, "agent %s does not belong to phase %s", req.Agent, req.Phase)
	}

	rec, err := c.repo.Get(ctx, req.AnalysisID)
	if err != nil {
		return Outcome{}, errors.Wrapf(err, "load analysis %s", req.AnalysisID)
	}

	cancelled, err := c.checkCancelled(ctx, rec)
	if err != nil {
		return Outcome{}, err
	}
	if cancelled {
		c.recordCallbackMetric(req, "cancelled")
		return cancelledOutcome(), nil
	}

	switch rec.Status {
	case analysis.StatusCompleted:
		c.recordCallbackMetric(req, "ignored")
		return ack("analysis already completed, callback ignored", rec.Status), nil

	case analysis.StatusError:
		// Error is absorbing with a single exception: a successful research
		// manager can still salvage the run, because research synthesis over
		// a partial debate is the one late success worth resuming for.
		if req.Agent == workflow.AgentResearchManager && !req.failed() {
			revived, err := c.repo.UpdateStatusIf(ctx, rec.ID, analysis.StatusRunning, analysis.StatusError)
			if err != nil {
				return Outcome{}, err
			}
			if !revived {
				c.recordCallbackMetric(req, "ignored")
				return ack("analysis no longer recoverable, callback ignored", rec.Status), nil
			}
			rec.Status = analysis.StatusRunning
			c.log.Warnf("Research manager success revived errored analysis %s", rec.ID)
			break
		}
		c.recordCallbackMetric(req, "ignored")
		return ack("analysis in error state, callback ignored", rec.Status), nil
	}

	if req.failed() {
		c.recordCallbackMetric(req, "error")
		return c.handleAgentError(ctx, rec, info, req)
	}
	c.recordCallbackMetric(req, "success")
	return c.handleAgentSuccess(ctx, rec, info, req)
}

func (c *Coordinator) recordCallbackMetric(req CompletionRequest, outcome string) {
	metrics.AgentCallbacks.WithLabelValues(string(req.Phase), string(req.Agent), string(req.CompletionType), outcome).Inc()
}

func (c *Coordinator) handleAgentSuccess(ctx context.Context, rec *analysis.Analysis, info workflow.AgentInfo, req CompletionRequest) (Outcome, error) {
	if len(req.Result) > 0 {
		if err := c.repo.MergeInsights(ctx, rec.ID, analysis.Insights{info.InsightKey: req.Result}); err != nil {
			// Insight loss degrades the report, not the workflow
			c.log.Errorf("Could not persist %s insight for %s: %v", req.Agent, rec.ID, err)
		}
	}

	// Short-window network-retry guard in front of the status guard. Redis
	// being down must never block a callback, so errors fall through. The
	// key carries the debate round: a researcher legitimately completes
	// once per round, and round N+1 can land inside round N's TTL.
	if c.dedupe != nil {
		key := string(req.Agent) + ":completed"
		if req.Round > 0 {
			key = string(req.Agent) + ":round" + strconv.Itoa(req.Round) + ":completed"
		}
		first, err := c.dedupe.MarkCallbackSeen(ctx, rec.ID.String(), string(req.Phase), key, callbackDedupeTTL)
		if err == nil && !first {
			return ack("duplicate callback, already processed", rec.Status), nil
		}
	}

	prev, err := c.markStep(ctx, rec, req.Phase, req.Agent, analysis.StepCompleted, 100)
	if err != nil {
		return Outcome{}, err
	}
	if prev == analysis.StepCompleted {
		// Second delivery of the same completion must not double-trigger
		// downstream invocations
		return ack("duplicate callback, already processed", rec.Status), nil
	}

	switch req.Agent {
	case workflow.AgentBullResearcher:
		return c.handleBullSuccess(ctx, rec, req)
	case workflow.AgentBearResearcher:
		return c.handleBearSuccess(ctx, rec, req)
	case workflow.AgentResearchManager:
		return c.moveToNextPhase(ctx, rec, workflow.PhaseResearch, req.APISettings)
	case workflow.AgentRiskManager:
		return c.handleRiskManagerSuccess(ctx, rec, req)
	case workflow.AgentPortfolioManager:
		return c.handlePortfolioManagerSuccess(ctx, rec, req)
	}

	switch req.CompletionType {
	case CompletionLastInPhase:
		return c.handleLastInPhase(ctx, rec, req)
	case CompletionFallbackFailed:
		return c.handleFallbackInvocationFailed(ctx, rec, req)
	default:
		return ack("completion acknowledged", rec.Status), nil
	}
}

// handleLastInPhase gates phase advancement on the health contract. The
// agent's claim of being last is trusted for routing but not for advancing.
// An unhealthy phase holds its ground: the one fatal shortfall is research
// with zero debate content, everything else is reported as a warning and
// left for the reactivation sweep to repair.
func (c *Coordinator) handleLastInPhase(ctx context.Context, rec *analysis.Analysis, req CompletionRequest) (Outcome, error) {
	health, err := workflow.CheckPhaseHealth(rec, req.Phase, c.cfg.MinAnalysisAgents)
	if err != nil {
		return Outcome{}, err
	}
	if !health.CanProceed {
		if health.Running > 0 {
			// Siblings still in flight, their callbacks will re-trigger this
			return ack("phase completion deferred, agents still running: "+health.Reason, rec.Status), nil
		}
		if req.Phase == workflow.PhaseResearch && rec.Context.Debate.CompletedRounds() == 0 {
			if _, err := c.markError(ctx, rec, "research produced no debate content", nil); err != nil {
				return Outcome{}, err
			}
			return ack("research produced no debate content, analysis marked as error", analysis.StatusError), nil
		}
		c.log.Warnf("Phase %s unhealthy for %s: %s", req.Phase, rec.ID, health.Reason)
		return ack("phase "+string(req.Phase)+" completed with warnings: "+health.Reason, rec.Status), nil
	}
	return c.handlePhaseCompletion(ctx, rec, req.Phase, req.APISettings)
}

// handlePhaseCompletion fires the phase's final aggregator if it has not run
// yet, otherwise advances to the next phase
func (c *Coordinator) handlePhaseCompletion(ctx context.Context, rec *analysis.Analysis, phaseID workflow.PhaseID, settings analysis.APISettings) (Outcome, error) {
	p, err := workflow.GetPhase(phaseID)
	if err != nil {
		return Outcome{}, err
	}

	if p.FinalAgent != "" {
		final := workflow.MustLookup(p.FinalAgent)
		step := rec.Steps.Agent(string(p.ID), final.FunctionName)
		switch {
		case step == nil || step.Status == analysis.StepPending || step.Status == analysis.StepError:
			if err := c.invoke(ctx, rec, p.ID, p.FinalAgent, settings, 0); err != nil {
				return Outcome{}, err
			}
			return ack("final agent "+string(p.FinalAgent)+" invoked", rec.Status), nil
		case step.Status == analysis.StepRunning:
			return ack("final agent already running", rec.Status), nil
		}
	}
	return c.moveToNextPhase(ctx, rec, phaseID, settings)
}

// handleBullSuccess records the bull half of the round and fires the bear.
// Bear always argues against a concrete bull thesis, never speculatively.
func (c *Coordinator) handleBullSuccess(ctx context.Context, rec *analysis.Analysis, req CompletionRequest) (Outcome, error) {
	round := c.effectiveRound(rec, req.Round)
	rec.Context.Debate.MarkRole(round, true)
	if err := c.PersistContext(ctx, rec, rec.Context); err != nil {
		return Outcome{}, err
	}

	if err := c.invoke(ctx, rec, workflow.PhaseResearch, workflow.AgentBearResearcher, req.APISettings, round); err != nil {
		return Outcome{}, err
	}
	return ack("bear researcher invoked for round", rec.Status), nil
}

// handleBearSuccess closes the round, then either opens the next round or
// hands the debate history to the research manager
func (c *Coordinator) handleBearSuccess(ctx context.Context, rec *analysis.Analysis, req CompletionRequest) (Outcome, error) {
	round := c.effectiveRound(rec, req.Round)
	rec.Context.Debate.MarkRole(round, false)
	if err := c.PersistContext(ctx, rec, rec.Context); err != nil {
		return Outcome{}, err
	}

	if rec.Context.Debate.CompletedRounds() < c.maxDebateRounds(rec, req.APISettings) {
		return c.runDebateRound(ctx, rec, round+1, req.APISettings)
	}
	return c.startResearchManager(ctx, rec, req.APISettings)
}

func (c *Coordinator) effectiveRound(rec *analysis.Analysis, reqRound int) int {
	if reqRound > 0 {
		return reqRound
	}
	if rec.Context != nil && rec.Context.Debate != nil && rec.Context.Debate.CurrentRound > 0 {
		return rec.Context.Debate.CurrentRound
	}
	return 1
}

// handleRiskManagerSuccess verifies the risk phase health contract before
// routing to the portfolio stage. The risk manager carries the workflow's
// decision, so its reported verdict is persisted onto the record here.
func (c *Coordinator) handleRiskManagerSuccess(ctx context.Context, rec *analysis.Analysis, req CompletionRequest) (Outcome, error) {
	if req.Decision != "" {
		rec.Decision = req.Decision
		rec.Confidence = req.Confidence
	}

	health, err := workflow.CheckPhaseHealth(rec, workflow.PhaseRisk, c.cfg.MinAnalysisAgents)
	if err != nil {
		return Outcome{}, err
	}
	if !health.CanProceed {
		if health.Running > 0 {
			return ack("risk completion deferred, analysts still running", rec.Status), nil
		}
		// The manager delivered a verdict but no analyst grounds it. Hold
		// the phase instead of discarding the run; the reactivation sweep
		// can re-run the analysts.
		c.log.Warnf("Risk phase unhealthy for %s: %s", rec.ID, health.Reason)
		return ack("risk phase completed with warnings: "+health.Reason, rec.Status), nil
	}
	return c.moveToNextPhase(ctx, rec, workflow.PhaseRisk, req.APISettings)
}

// routePortfolio dispatches the final stage by caller type: batch members
// report to the parent coordinator, individual analyses run the standalone
// portfolio manager.
func (c *Coordinator) routePortfolio(ctx context.Context, rec *analysis.Analysis, settings analysis.APISettings) (Outcome, error) {
	if rec.IsRebalance() {
		return c.completeRebalanceMember(ctx, rec)
	}

	final := workflow.MustLookup(workflow.AgentPortfolioManager)
	step := rec.Steps.Agent(string(workflow.PhasePortfolio), final.FunctionName)
	if step != nil && (step.Status == analysis.StepRunning || step.Status == analysis.StepCompleted) {
		return ack("portfolio manager already "+string(step.Status), rec.Status), nil
	}
	if err := c.invoke(ctx, rec, workflow.PhasePortfolio, workflow.AgentPortfolioManager, settings, 0); err != nil {
		return Outcome{}, err
	}
	return ack("portfolio manager invoked", rec.Status), nil
}

// completeRebalanceMember finishes a batch member: the parent coordinator
// owns portfolio-level decisions, so the member completes with the risk
// manager's verdict and reports in. A failed notification rolls the member
// back to Error so the reactivation worker can retry the report.
func (c *Coordinator) completeRebalanceMember(ctx context.Context, rec *analysis.Analysis) (Outcome, error) {
	if rec.RebalanceRequestID == nil {
		if _, err := c.markError(ctx, rec, "rebalance context missing batch id", nil); err != nil {
			return Outcome{}, err
		}
		return ack("rebalance member missing batch id, marked as error", analysis.StatusError), nil
	}

	decision := rec.Decision
	if decision == "" {
		decision = analysis.DecisionPending
	}
	if err := c.repo.SetCompleted(ctx, rec.ID, decision, rec.Confidence); err != nil {
		return Outcome{}, errors.Wrap(err, "complete rebalance member")
	}
	rec.Status = analysis.StatusCompleted

	metrics.AnalysesFinished.WithLabelValues(string(analysis.StatusCompleted)).Inc()
	c.events.AnalysisCompleted(ctx, rec.ID, rec.Ticker, rec.UserID, string(decision), rec.Confidence)

	notifyErr := c.notifier.NotifyCompletion(ctx, rebalance.Notification{
		RebalanceRequestID: *rec.RebalanceRequestID,
		AnalysisID:         rec.ID,
		Ticker:             rec.Ticker,
		UserID:             rec.UserID,
		Success:            true,
	})
	c.events.BatchNotified(ctx, rec.ID, rec.Ticker, rec.UserID, notifyErr == nil)
	if notifyErr != nil {
		c.log.Errorf("Batch notification failed for %s, rolling back to error: %v", rec.ID, notifyErr)
		if err := c.repo.SetError(ctx, rec.ID, decision, rec.Confidence); err != nil {
			return Outcome{}, errors.Wrap(err, "roll back member after failed notification")
		}
		rec.Status = analysis.StatusError
		return ack("completed but batch notification failed, marked for retry", analysis.StatusError), nil
	}
	return ack("rebalance member completed, batch notified", analysis.StatusCompleted), nil
}

// handlePortfolioManagerSuccess finishes an individual analysis. A batch
// member reaching here means the routing guard upstream failed; the run is
// still completed and the batch still notified so nothing hangs.
func (c *Coordinator) handlePortfolioManagerSuccess(ctx context.Context, rec *analysis.Analysis, req CompletionRequest) (Outcome, error) {
	if req.Decision != "" {
		rec.Decision = req.Decision
		rec.Confidence = req.Confidence
	}
	if rec.IsRebalance() {
		c.log.Errorf("Portfolio manager ran for rebalance member %s, completing anyway", rec.ID)
		return c.completeRebalanceMember(ctx, rec)
	}

	if c.trades != nil {
		if err := c.trades.CheckAutoTrade(ctx, rec); err != nil {
			c.log.Errorf("Auto-trade check failed for %s: %v", rec.ID, err)
		}
	}
	return c.completeWorkflow(ctx, rec)
}

// handleAgentError is the failure half of the state machine. The recovery
// strategy gets first say: a transient failure re-arms the agent and fires
// it again after backoff, and only an exhausted or hopeless strategy falls
// through to the abort evaluation.
func (c *Coordinator) handleAgentError(ctx context.Context, rec *analysis.Analysis, info workflow.AgentInfo, req CompletionRequest) (Outcome, error) {
	c.persistErrorInsight(ctx, rec, info, req)

	if req.CompletionType == CompletionInvocationFailed {
		// The invoker already reset the step for reactivation
		c.log.Warnf("Invocation-failed callback for %s on %s: %s", req.Agent, rec.ID, req.Error)
		return ack("invocation failure acknowledged", rec.Status), nil
	}

	if _, err := c.markStep(ctx, rec, req.Phase, req.Agent, analysis.StepError, 0); err != nil {
		return Outcome{}, err
	}

	switch req.Agent {
	case workflow.AgentBullResearcher, workflow.AgentBearResearcher:
		return c.handleResearcherError(ctx, rec, req)
	case workflow.AgentResearchManager:
		return c.handleResearchManagerError(ctx, rec, req)
	}

	strategy := DetermineRecoveryStrategy(req.Agent, req.ErrorType, c.retryAttempt(rec, req))
	switch strategy.Action {
	case RecoveryRetry:
		return c.retryAgent(ctx, rec, req, strategy.Backoff)
	case RecoveryAbort:
		if _, err := c.markError(ctx, rec, string(req.Agent)+" failed fatally: "+req.Error, nil); err != nil {
			return Outcome{}, err
		}
		return ack("workflow-fatal agent failure, analysis marked as error", analysis.StatusError), nil
	}

	// RecoverySkip: the phase continues without this agent if it still can
	verdict, err := workflow.EvaluatePostErrorPhaseHealth(rec, req.Phase, c.cfg.MinAnalysisAgents)
	if err != nil {
		return Outcome{}, err
	}
	if verdict.ShouldAbort {
		if _, err := c.markError(ctx, rec, verdict.Reason, nil); err != nil {
			return Outcome{}, err
		}
		return ack("phase cannot succeed, analysis marked as error", analysis.StatusError), nil
	}

	p, err := workflow.GetPhase(req.Phase)
	if err != nil {
		return Outcome{}, err
	}
	next, hasNext := p.NextAgent(req.Agent)
	if !hasNext {
		// Failure of the last chained agent still closes the phase if the
		// health contract allows it
		return c.handleLastInPhase(ctx, rec, req)
	}

	if err := c.invoke(ctx, rec, req.Phase, next, req.APISettings, 0); err != nil {
		return Outcome{}, err
	}
	return ack("continuing phase with "+string(next), rec.Status), nil
}

// handleResearcherError applies the debate viability rule: zero completed
// rounds means research produced nothing to synthesize and the workflow
// fails; one or more rounds means remaining rounds are skipped and the
// research manager synthesizes what exists.
func (c *Coordinator) handleResearcherError(ctx context.Context, rec *analysis.Analysis, req CompletionRequest) (Outcome, error) {
	rounds := rec.Context.Debate.CompletedRounds()
	if rounds == 0 {
		if _, err := c.markError(ctx, rec, string(req.Agent)+" failed before any debate round completed: "+req.Error, nil); err != nil {
			return Outcome{}, err
		}
		return ack("research produced no debate content, analysis marked as error", analysis.StatusError), nil
	}

	c.log.Warnf("%s failed on %s after %d debate rounds, skipping to research manager", req.Agent, rec.ID, rounds)
	return c.startResearchManager(ctx, rec, req.APISettings)
}

// handleResearchManagerError: with at least one debate round the analysis
// continues to trading on raw debate content; with none it fails
func (c *Coordinator) handleResearchManagerError(ctx context.Context, rec *analysis.Analysis, req CompletionRequest) (Outcome, error) {
	rounds := rec.Context.Debate.CompletedRounds()
	if rounds == 0 {
		if _, err := c.markError(ctx, rec, "research manager failed with no debate rounds: "+req.Error, nil); err != nil {
			return Outcome{}, err
		}
		return ack("research unviable, analysis marked as error", analysis.StatusError), nil
	}

	c.log.Warnf("Research manager failed on %s, proceeding to trading with %d raw debate rounds", rec.ID, rounds)
	return c.moveToNextPhase(ctx, rec, workflow.PhaseResearch, req.APISettings)
}

func (c *Coordinator) persistErrorInsight(ctx context.Context, rec *analysis.Analysis, info workflow.AgentInfo, req CompletionRequest) {
	payload, err := json.Marshal(map[string]string{
		"error":     req.Error,
		"errorType": string(req.ErrorType),
	})
	if err != nil {
		return
	}
	if err := c.repo.MergeInsights(ctx, rec.ID, analysis.Insights{analysis.ErrorKey(info.InsightKey): payload}); err != nil {
		c.log.Errorf("Could not persist %s error insight for %s: %v", req.Agent, rec.ID, err)
	}
}

// handleFallbackInvocationFailed handles a worker that finished its own job
// but could not chain forward. The coordinator retries the exact handoff the
// worker reported, then escalates one agent further down the ladder, then
// gives up through the error funnel with a retry-eligible marker.
func (c *Coordinator) handleFallbackInvocationFailed(ctx context.Context, rec *analysis.Analysis, req CompletionRequest) (Outcome, error) {
	p, err := workflow.GetPhase(req.Phase)
	if err != nil {
		return Outcome{}, err
	}
	expected, ok := p.NextAgent(req.Agent)
	if !ok {
		return ack("stale fallback callback, no downstream agent", rec.Status), nil
	}

	failed, err := workflow.Resolve(req.FailedToInvoke)
	if err != nil || failed.ID != expected {
		c.log.Warnf("Stale fallback callback on %s: reported %q, expected %s", rec.ID, req.FailedToInvoke, expected)
		return ack("stale fallback callback ignored", rec.Status), nil
	}

	if _, err := c.markStep(ctx, rec, req.Phase, expected, analysis.StepRunning, 10); err != nil {
		return Outcome{}, err
	}
	if err := c.invoker.TryInvokeAgent(ctx, c.agentRequest(rec, req.Phase, expected, req.APISettings, 0)); err == nil {
		return ack("fallback invocation of "+string(expected)+" succeeded", rec.Status), nil
	}

	if _, stepErr := c.markStep(ctx, rec, req.Phase, expected, analysis.StepError, 0); stepErr != nil {
		return Outcome{}, stepErr
	}

	skip, ok := p.NextAgent(expected)
	if ok {
		if _, err := c.markStep(ctx, rec, req.Phase, skip, analysis.StepRunning, 10); err != nil {
			return Outcome{}, err
		}
		if err := c.invoker.TryInvokeAgent(ctx, c.agentRequest(rec, req.Phase, skip, req.APISettings, 0)); err == nil {
			c.log.Warnf("Skipped unreachable %s on %s, invoked %s instead", expected, rec.ID, skip)
			return ack("skipped to "+string(skip)+" after unreachable agent", rec.Status), nil
		}
		if _, stepErr := c.markStep(ctx, rec, req.Phase, skip, analysis.StepError, 0); stepErr != nil {
			return Outcome{}, stepErr
		}
	}

	c.persistWorkflowError(ctx, rec, "agent chain unreachable from "+string(req.Agent), true)
	if _, err := c.markError(ctx, rec, "could not invoke any downstream agent after "+string(req.Agent), nil); err != nil {
		return Outcome{}, err
	}
	return ack("agent chain unreachable, analysis marked as error", analysis.StatusError), nil
}

// persistWorkflowError stores a workflow-level (not agent-level) error
// marker in insights, flagging whether reactivation may retry it
func (c *Coordinator) persistWorkflowError(ctx context.Context, rec *analysis.Analysis, reason string, retryable bool) {
	payload, err := json.Marshal(map[string]any{
		"error":     reason,
		"retryable": retryable,
	})
	if err != nil {
		return
	}
	if err := c.repo.MergeInsights(ctx, rec.ID, analysis.Insights{"workflow_error": payload}); err != nil {
		c.log.Errorf("Could not persist workflow error for %s: %v", rec.ID, err)
	}
}
