package coordinator

import (
	"context"
	"time"

	"argus/internal/domain/analysis"
	"argus/internal/metrics"
	"argus/internal/rebalance"
	"argus/internal/workflow"
	"argus/pkg/errors"
)

// DecisionOverride pins the decision/confidence written by the error funnel
// instead of whatever the record currently holds
type DecisionOverride struct {
	Decision   analysis.Decision
	Confidence int
}

// markError is the single funnel for moving an analysis into Error. It
// preserves a previously-known decision unless an override is supplied, and
// for batch members it notifies the parent coordinator with success=false.
//
// The returned notified flag is independent of err: the Error write can
// succeed while the notification fails, and callers must check both.
func (c *Coordinator) markError(ctx context.Context, rec *analysis.Analysis, reason string, override *DecisionOverride) (notified bool, err error) {
	decision := rec.Decision
	confidence := rec.Confidence
	if override != nil {
		decision = override.Decision
		confidence = override.Confidence
	} else if decision == "" || decision == analysis.DecisionPending {
		decision = analysis.DecisionError
	}

	if err := c.repo.SetError(ctx, rec.ID, decision, confidence); err != nil {
		if errors.Is(err, errors.ErrAnalysisCancelled) {
			// Cancellation is absorbing, losing the error write is correct
			return true, nil
		}
		return false, errors.Wrap(err, "mark analysis error")
	}
	rec.Status = analysis.StatusError
	rec.Decision = decision
	rec.Confidence = confidence

	c.log.Errorf("Analysis %s (%s) moved to error: %s", rec.ID, rec.Ticker, reason)
	metrics.AnalysesFinished.WithLabelValues(string(analysis.StatusError)).Inc()
	c.events.AnalysisFailed(ctx, rec.ID, rec.Ticker, rec.UserID, reason)

	if rec.RebalanceRequestID == nil || c.notifier == nil {
		return true, nil
	}

	notifyErr := c.notifier.NotifyCompletion(ctx, rebalance.Notification{
		RebalanceRequestID: *rec.RebalanceRequestID,
		AnalysisID:         rec.ID,
		Ticker:             rec.Ticker,
		UserID:             rec.UserID,
		Success:            false,
		Error:              reason,
	})
	if notifyErr != nil {
		c.log.Errorf("Batch notification failed for errored analysis %s: %v", rec.ID, notifyErr)
		return false, nil
	}
	return true, nil
}

// RecoveryAction is what to do about a failed agent
type RecoveryAction string

const (
	RecoveryAbort RecoveryAction = "abort"
	RecoveryRetry RecoveryAction = "retry"
	RecoverySkip  RecoveryAction = "skip"
)

// RecoveryStrategy pairs an action with the backoff to apply before a retry
type RecoveryStrategy struct {
	Action  RecoveryAction
	Backoff time.Duration
}

const (
	rateLimitBackoffStep = 5 * time.Second
	rateLimitBackoffCap  = 15 * time.Second
	rateLimitMaxRetries  = 3
	criticalRetryBackoff = 3 * time.Second
	defaultRetryBackoff  = 2 * time.Second
)

// DetermineRecoveryStrategy maps a failed agent and error type to a recovery
// plan. attempt is 1-based: the first retry of an agent passes attempt=1.
//
// Invalid API keys abort immediately, the next attempt will fail the same
// way. Rate limits back off linearly and retry up to three times. A critical
// agent gets exactly one retry, anything else gets one retry with a short
// pause, then is skipped so the rest of the phase can still produce value.
func DetermineRecoveryStrategy(id workflow.AgentID, errorType workflow.ErrorType, attempt int) RecoveryStrategy {
	if _, ok := workflow.Lookup(id); !ok {
		return RecoveryStrategy{Action: RecoveryAbort}
	}
	cat := workflow.CategorizeAgentError(id, errorType)

	switch errorType {
	case workflow.ErrorAPIKey:
		return RecoveryStrategy{Action: RecoveryAbort}

	case workflow.ErrorRateLimit:
		if attempt > rateLimitMaxRetries {
			return RecoveryStrategy{Action: RecoverySkip}
		}
		backoff := time.Duration(attempt) * rateLimitBackoffStep
		if backoff > rateLimitBackoffCap {
			backoff = rateLimitBackoffCap
		}
		return RecoveryStrategy{Action: RecoveryRetry, Backoff: backoff}

	case workflow.ErrorDataFetch:
		if cat.ShouldStopWorkflow {
			return RecoveryStrategy{Action: RecoveryAbort}
		}
		if attempt > 1 {
			return RecoveryStrategy{Action: RecoverySkip}
		}
		return RecoveryStrategy{Action: RecoveryRetry, Backoff: defaultRetryBackoff}

	default:
		if cat.IsCritical {
			if attempt > 1 {
				return RecoveryStrategy{Action: RecoveryAbort}
			}
			return RecoveryStrategy{Action: RecoveryRetry, Backoff: criticalRetryBackoff}
		}
		if attempt > 1 {
			return RecoveryStrategy{Action: RecoverySkip}
		}
		return RecoveryStrategy{Action: RecoveryRetry, Backoff: defaultRetryBackoff}
	}
}

// retryAttempt is the 1-based attempt number for the next retry of the
// failed agent. The step's persisted counter holds how many retries the
// agent has already consumed.
func (c *Coordinator) retryAttempt(rec *analysis.Analysis, req CompletionRequest) int {
	info, ok := workflow.Lookup(req.Agent)
	if !ok {
		return 1
	}
	step := rec.Steps.Agent(string(req.Phase), info.FunctionName)
	if step == nil {
		return 1
	}
	return step.Attempts + 1
}

// retryAgent re-arms a failed step and fires the agent again. Re-arming from
// error bumps the persisted attempt counter; the backoff is served inside
// the invoker goroutine so the callback response returns immediately.
func (c *Coordinator) retryAgent(ctx context.Context, rec *analysis.Analysis, req CompletionRequest, backoff time.Duration) (Outcome, error) {
	if _, err := c.markStep(ctx, rec, req.Phase, req.Agent, analysis.StepRunning, 10); err != nil {
		return Outcome{}, err
	}

	areq := c.agentRequest(rec, req.Phase, req.Agent, req.APISettings, req.Round)
	areq.Delay = backoff
	c.invoker.InvokeAgent(ctx, areq, c.cfg.AgentMaxRetries)

	c.log.Warnf("Retrying %s for %s in %s after %s error", req.Agent, rec.ID, backoff, req.ErrorType)
	return ack("retrying "+string(req.Agent)+" after transient failure", rec.Status), nil
}

// PhaseRecoveryResult reports what AttemptPhaseRecovery managed to restart
type PhaseRecoveryResult struct {
	Reinvoked []workflow.AgentID
	Failed    []workflow.AgentID
	Health    workflow.PhaseHealth
}

// AttemptPhaseRecovery re-invokes every non-completed agent of the phase
// with awaited calls, collecting per-agent failures instead of stopping at
// the first one.
func (c *Coordinator) AttemptPhaseRecovery(ctx context.Context, rec *analysis.Analysis, phaseID workflow.PhaseID, settings analysis.APISettings) (PhaseRecoveryResult, error) {
	var result PhaseRecoveryResult

	p, err := workflow.GetPhase(phaseID)
	if err != nil {
		return result, err
	}
	if _, err := c.reloadContext(ctx, rec); err != nil {
		return result, err
	}

	for _, id := range p.Agents {
		info := workflow.MustLookup(id)
		step := rec.Steps.Agent(string(p.ID), info.FunctionName)
		if step != nil && (step.Status == analysis.StepCompleted || step.Status == analysis.StepRunning) {
			continue
		}

		if _, err := c.markStep(ctx, rec, p.ID, id, analysis.StepRunning, 10); err != nil {
			result.Failed = append(result.Failed, id)
			continue
		}
		if err := c.invoker.TryInvokeAgent(ctx, c.agentRequest(rec, p.ID, id, settings, 0)); err != nil {
			c.log.Warnf("Recovery re-invocation of %s failed for %s: %v", id, rec.ID, err)
			if _, stepErr := c.markStep(ctx, rec, p.ID, id, analysis.StepError, 0); stepErr != nil {
				c.log.Errorf("Could not mark %s back to error for %s: %v", id, rec.ID, stepErr)
			}
			result.Failed = append(result.Failed, id)
			continue
		}
		result.Reinvoked = append(result.Reinvoked, id)
	}

	health, err := workflow.CheckPhaseHealth(rec, phaseID, c.cfg.MinAnalysisAgents)
	if err != nil {
		return result, err
	}
	result.Health = health
	return result, nil
}

// ResumeFromPhase restarts a stalled workflow at the given phase. Research
// resumes inside the debate loop rather than from the phase top so completed
// rounds are not replayed.
func (c *Coordinator) ResumeFromPhase(ctx context.Context, rec *analysis.Analysis, phaseID workflow.PhaseID, settings analysis.APISettings) (Outcome, error) {
	if rec.Status == analysis.StatusCancelled {
		return cancelledOutcome(), nil
	}
	if _, err := c.reloadContext(ctx, rec); err != nil {
		return Outcome{}, err
	}

	if phaseID == workflow.PhaseResearch {
		return c.resumeResearch(ctx, rec, settings)
	}
	return c.startPhase(ctx, rec, phaseID, settings)
}

func (c *Coordinator) resumeResearch(ctx context.Context, rec *analysis.Analysis, settings analysis.APISettings) (Outcome, error) {
	rmStep := rec.Steps.Agent(string(workflow.PhaseResearch), workflow.MustLookup(workflow.AgentResearchManager).FunctionName)
	if rmStep != nil && rmStep.Status == analysis.StepCompleted {
		return c.moveToNextPhase(ctx, rec, workflow.PhaseResearch, settings)
	}

	debate := rec.Context.Debate
	if debate == nil {
		return c.initializeResearchPhase(ctx, rec, settings)
	}
	if debate.CompletedRounds() >= c.maxDebateRounds(rec, settings) {
		return c.startResearchManager(ctx, rec, settings)
	}

	round := debate.CurrentRound
	if round == 0 {
		round = 1
	}
	// A round with its bull half done resumes at the bear
	if round <= len(debate.Rounds) {
		if r := debate.Rounds[round-1]; r.Bull && !r.Bear {
			if err := c.invoke(ctx, rec, workflow.PhaseResearch, workflow.AgentBearResearcher, settings, round); err != nil {
				return Outcome{}, err
			}
			return ack("debate resumed at bear researcher", rec.Status), nil
		}
	}
	return c.runDebateRound(ctx, rec, round, settings)
}

// HandleInvocationFailure is wired into the invoker: a fire-and-forget
// invocation that exhausted its retries resets the step to pending so the
// reactivation worker can pick the analysis up later.
func (c *Coordinator) HandleInvocationFailure(req AgentRequest, err error) {
	ctx := context.Background()

	rec, getErr := c.repo.Get(ctx, req.AnalysisID)
	if getErr != nil {
		c.log.Errorf("Invocation failure for %s on %s, could not load record: %v", req.Agent, req.AnalysisID, getErr)
		return
	}
	if rec.Status.Terminal() {
		return
	}

	c.log.Errorf("Invocation of %s permanently failed for %s: %v", req.Agent, rec.ID, err)
	if _, stepErr := c.markStep(ctx, rec, req.Phase, req.Agent, analysis.StepPending, 0); stepErr != nil {
		c.log.Errorf("Could not reset step for %s on %s: %v", req.Agent, rec.ID, stepErr)
	}
}

func (c *Coordinator) agentRequest(rec *analysis.Analysis, phase workflow.PhaseID, id workflow.AgentID, settings analysis.APISettings, round int) AgentRequest {
	return AgentRequest{
		Agent:       id,
		AnalysisID:  rec.ID,
		Ticker:      rec.Ticker,
		UserID:      rec.UserID,
		APISettings: settings,
		Phase:       phase,
		Context:     rec.Context,
		Round:       round,
	}
}
