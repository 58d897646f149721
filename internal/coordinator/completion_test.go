package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argus/internal/domain/analysis"
	"argus/internal/workflow"
)

func TestHandleAgentCompletion_CancelledIsAbsorbing(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	rec := env.seedAnalysis(func(r *analysis.Analysis) {
		r.Status = analysis.StatusCancelled
	})

	callbacks := []CompletionRequest{
		successCallback(rec, workflow.AgentMarketAnalyst),
		errorCallback(rec, workflow.AgentTrader, workflow.ErrorAI, "boom"),
		successCallback(rec, workflow.AgentResearchManager),
		successCallback(rec, workflow.AgentPortfolioManager),
	}
	for _, cb := range callbacks {
		outcome, err := env.coord.HandleAgentCompletion(ctx, cb)
		require.NoError(t, err)
		assert.True(t, outcome.Cancelled)
	}

	assert.Empty(t, env.invoker.firedAgents(), "cancelled analysis must not invoke agents")
	assert.Equal(t, analysis.StatusCancelled, env.repo.inspect(rec.ID).Status)
}

func TestHandleAgentCompletion_BatchCancellationPropagates(t *testing.T) {
	repo := newMemRepo()
	invoker := newFakeInvoker()
	batchID := uuid.New()
	cancels := &fakeCancelStore{cancelled: map[string]bool{batchID.String(): true}}
	coord := New(Deps{Repo: repo, Invoker: invoker, Notifier: &fakeNotifier{}, Cancels: cancels}, Config{})

	env := &testEnv{coord: coord, repo: repo, invoker: invoker}
	rec := env.seedAnalysis(asRebalance(batchID))

	outcome, err := coord.HandleAgentCompletion(context.Background(), successCallback(rec, workflow.AgentMacroAnalyst))
	require.NoError(t, err)

	assert.True(t, outcome.Cancelled)
	assert.Equal(t, analysis.StatusCancelled, repo.inspect(rec.ID).Status)
	assert.Empty(t, invoker.firedAgents())
}

func TestHandleAgentCompletion_ErrorStateIgnoresCallbacks(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	rec := env.seedAnalysis(func(r *analysis.Analysis) {
		r.Status = analysis.StatusError
	})

	for _, cb := range []CompletionRequest{
		successCallback(rec, workflow.AgentTrader),
		successCallback(rec, workflow.AgentRiskManager),
		errorCallback(rec, workflow.AgentMarketAnalyst, workflow.ErrorOther, "late failure"),
	} {
		outcome, err := env.coord.HandleAgentCompletion(ctx, cb)
		require.NoError(t, err)
		assert.Contains(t, outcome.Message, "ignored")
	}

	assert.Equal(t, analysis.StatusError, env.repo.inspect(rec.ID).Status)
	assert.Empty(t, env.invoker.firedAgents())
}

func TestHandleAgentCompletion_ResearchManagerRevivesErroredAnalysis(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	rec := env.seedAnalysis(func(r *analysis.Analysis) {
		r.Status = analysis.StatusError
		completePhases(r, workflow.PhaseAnalysis)
		setStep(r, workflow.AgentBullResearcher, analysis.StepCompleted)
		setStep(r, workflow.AgentBearResearcher, analysis.StepCompleted)
		setStep(r, workflow.AgentResearchManager, analysis.StepRunning)
		r.Context.Debate.MarkRole(1, true)
		r.Context.Debate.MarkRole(1, false)
	})

	outcome, err := env.coord.HandleAgentCompletion(ctx, successCallback(rec, workflow.AgentResearchManager))
	require.NoError(t, err)
	assert.False(t, outcome.Cancelled)

	stored := env.repo.inspect(rec.ID)
	assert.Equal(t, analysis.StatusRunning, stored.Status)
	assert.Equal(t, []workflow.AgentID{workflow.AgentTrader}, env.invoker.firedAgents(),
		"revived analysis should continue into trading")
}

func TestHandleAgentCompletion_DuplicateSuccessIsIdempotent(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	rec := env.seedAnalysis(func(r *analysis.Analysis) {
		completePhases(r, workflow.PhaseAnalysis)
		setStep(r, workflow.AgentBullResearcher, analysis.StepCompleted)
		setStep(r, workflow.AgentBearResearcher, analysis.StepCompleted)
		setStep(r, workflow.AgentResearchManager, analysis.StepCompleted)
		setStep(r, workflow.AgentTrader, analysis.StepRunning)
		r.Context.Debate.MarkRole(1, true)
		r.Context.Debate.MarkRole(1, false)
		r.Context.Debate.MarkRole(2, true)
		r.Context.Debate.MarkRole(2, false)
	})

	cb := successCallback(rec, workflow.AgentTrader)
	cb.CompletionType = CompletionLastInPhase

	_, err := env.coord.HandleAgentCompletion(ctx, cb)
	require.NoError(t, err)

	// Network retry delivers the same callback again
	outcome, err := env.coord.HandleAgentCompletion(ctx, cb)
	require.NoError(t, err)
	assert.Contains(t, outcome.Message, "duplicate")

	fired := env.invoker.firedAgents()
	assert.Equal(t, []workflow.AgentID{workflow.AgentRiskyAnalyst}, fired,
		"duplicate callback must not double-invoke the next phase")
}

func TestDebate_BullSuccessTriggersBearSameRound(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	rec := env.seedAnalysis(func(r *analysis.Analysis) {
		completePhases(r, workflow.PhaseAnalysis)
		setStep(r, workflow.AgentBullResearcher, analysis.StepRunning)
		r.Context.Debate.CurrentRound = 1
	})

	cb := successCallback(rec, workflow.AgentBullResearcher)
	cb.Round = 1
	_, err := env.coord.HandleAgentCompletion(ctx, cb)
	require.NoError(t, err)

	require.Len(t, env.invoker.fired, 1)
	assert.Equal(t, workflow.AgentBearResearcher, env.invoker.fired[0].Agent)
	assert.Equal(t, 1, env.invoker.fired[0].Round)

	stored := env.repo.inspect(rec.ID)
	require.Len(t, stored.Context.Debate.Rounds, 1)
	assert.True(t, stored.Context.Debate.Rounds[0].Bull)
	assert.False(t, stored.Context.Debate.Rounds[0].Bear)
}

func TestDebate_SecondRoundCompletionIsNotSwallowedAsDuplicate(t *testing.T) {
	repo := newMemRepo()
	invoker := newFakeInvoker()
	coord := New(Deps{Repo: repo, Invoker: invoker, Notifier: &fakeNotifier{}, Dedupe: &fakeDeduper{}}, Config{})
	env := &testEnv{coord: coord, repo: repo, invoker: invoker}
	ctx := context.Background()

	rec := env.seedAnalysis(func(r *analysis.Analysis) {
		completePhases(r, workflow.PhaseAnalysis)
		setStep(r, workflow.AgentBullResearcher, analysis.StepRunning)
		r.Context.Debate.CurrentRound = 1
	})

	// Round 1 runs end to end, then the coordinator opens round 2
	bull := successCallback(rec, workflow.AgentBullResearcher)
	bull.Round = 1
	_, err := coord.HandleAgentCompletion(ctx, bull)
	require.NoError(t, err)

	bear := successCallback(rec, workflow.AgentBearResearcher)
	bear.Round = 1
	_, err = coord.HandleAgentCompletion(ctx, bear)
	require.NoError(t, err)

	// The round-2 bull completion lands inside the suppression window of
	// its round-1 sibling and must still be processed
	bull.Round = 2
	outcome, err := coord.HandleAgentCompletion(ctx, bull)
	require.NoError(t, err)
	assert.NotContains(t, outcome.Message, "duplicate")

	fired := env.invoker.fired
	require.Len(t, fired, 3)
	assert.Equal(t, workflow.AgentBearResearcher, fired[2].Agent)
	assert.Equal(t, 2, fired[2].Round, "bear must argue round 2")

	// A true replay of the same round is still suppressed
	outcome, err = coord.HandleAgentCompletion(ctx, bull)
	require.NoError(t, err)
	assert.Contains(t, outcome.Message, "duplicate")
	assert.Len(t, env.invoker.fired, 3)
}

func TestDebate_BearSuccessBelowMaxStartsNextRound(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	rec := env.seedAnalysis(func(r *analysis.Analysis) {
		completePhases(r, workflow.PhaseAnalysis)
		setStep(r, workflow.AgentBullResearcher, analysis.StepCompleted)
		setStep(r, workflow.AgentBearResearcher, analysis.StepRunning)
		r.Context.Debate.CurrentRound = 1
		r.Context.Debate.MarkRole(1, true)
	})

	cb := successCallback(rec, workflow.AgentBearResearcher)
	cb.Round = 1
	_, err := env.coord.HandleAgentCompletion(ctx, cb)
	require.NoError(t, err)

	require.Len(t, env.invoker.fired, 1)
	assert.Equal(t, workflow.AgentBullResearcher, env.invoker.fired[0].Agent)
	assert.Equal(t, 2, env.invoker.fired[0].Round)
	assert.Equal(t, 2, env.repo.inspect(rec.ID).Context.Debate.CurrentRound)
}

func TestDebate_BearSuccessAtMaxStartsResearchManager(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	rec := env.seedAnalysis(func(r *analysis.Analysis) {
		completePhases(r, workflow.PhaseAnalysis)
		setStep(r, workflow.AgentBullResearcher, analysis.StepCompleted)
		setStep(r, workflow.AgentBearResearcher, analysis.StepRunning)
		r.Context.Debate.CurrentRound = 2
		r.Context.Debate.MarkRole(1, true)
		r.Context.Debate.MarkRole(1, false)
		r.Context.Debate.MarkRole(2, true)
	})

	cb := successCallback(rec, workflow.AgentBearResearcher)
	cb.Round = 2
	_, err := env.coord.HandleAgentCompletion(ctx, cb)
	require.NoError(t, err)

	assert.Equal(t, []workflow.AgentID{workflow.AgentResearchManager}, env.invoker.firedAgents())
}

func TestDebate_BearFailsAfterCompleteRoundProceedsToResearchManager(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	// Round 1 fully complete, bear fails on round 2
	rec := env.seedAnalysis(func(r *analysis.Analysis) {
		completePhases(r, workflow.PhaseAnalysis)
		setStep(r, workflow.AgentBullResearcher, analysis.StepCompleted)
		setStep(r, workflow.AgentBearResearcher, analysis.StepRunning)
		r.Context.Debate.CurrentRound = 2
		r.Context.Debate.MarkRole(1, true)
		r.Context.Debate.MarkRole(1, false)
		r.Context.Debate.MarkRole(2, true)
	})

	cb := errorCallback(rec, workflow.AgentBearResearcher, workflow.ErrorAI, "model refused")
	cb.Round = 2
	_, err := env.coord.HandleAgentCompletion(ctx, cb)
	require.NoError(t, err)

	assert.Equal(t, []workflow.AgentID{workflow.AgentResearchManager}, env.invoker.firedAgents(),
		"one complete round is enough to synthesize")
	assert.Equal(t, analysis.StatusRunning, env.repo.inspect(rec.ID).Status)
}

func TestDebate_BullFailsBeforeAnyRoundFailsAnalysisAndNotifiesBatch(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	batchID := uuid.New()
	rec := env.seedAnalysis(asRebalance(batchID), func(r *analysis.Analysis) {
		completePhases(r, workflow.PhaseAnalysis)
		setStep(r, workflow.AgentBullResearcher, analysis.StepRunning)
		r.Context.Debate.CurrentRound = 1
	})

	cb := errorCallback(rec, workflow.AgentBullResearcher, workflow.ErrorAI, "model refused")
	cb.Round = 1
	_, err := env.coord.HandleAgentCompletion(ctx, cb)
	require.NoError(t, err)

	stored := env.repo.inspect(rec.ID)
	assert.Equal(t, analysis.StatusError, stored.Status)
	assert.Empty(t, env.invoker.firedAgents())

	require.Len(t, env.notifier.sent, 1)
	assert.Equal(t, batchID, env.notifier.sent[0].RebalanceRequestID)
	assert.False(t, env.notifier.sent[0].Success)
}

func TestResearchManagerError_WithRoundsContinuesToTrading(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	rec := env.seedAnalysis(func(r *analysis.Analysis) {
		completePhases(r, workflow.PhaseAnalysis)
		setStep(r, workflow.AgentBullResearcher, analysis.StepCompleted)
		setStep(r, workflow.AgentBearResearcher, analysis.StepCompleted)
		setStep(r, workflow.AgentResearchManager, analysis.StepRunning)
		r.Context.Debate.MarkRole(1, true)
		r.Context.Debate.MarkRole(1, false)
	})

	_, err := env.coord.HandleAgentCompletion(ctx,
		errorCallback(rec, workflow.AgentResearchManager, workflow.ErrorAI, "synthesis failed"))
	require.NoError(t, err)

	assert.Equal(t, []workflow.AgentID{workflow.AgentTrader}, env.invoker.firedAgents(),
		"raw debate content should flow to trading when synthesis fails")
}

func TestScenarioA_AnalysisPhaseToleratesNonCriticalDataFetchFailure(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	rec := env.seedAnalysis(func(r *analysis.Analysis) {
		setStep(r, workflow.AgentMacroAnalyst, analysis.StepCompleted)
		setStep(r, workflow.AgentMarketAnalyst, analysis.StepCompleted)
		setStep(r, workflow.AgentSocialAnalyst, analysis.StepCompleted)
		setStep(r, workflow.AgentNewsAnalyst, analysis.StepError)
		setStep(r, workflow.AgentFundamentalsAnalyst, analysis.StepRunning)
	})

	cb := successCallback(rec, workflow.AgentFundamentalsAnalyst)
	cb.CompletionType = CompletionLastInPhase
	_, err := env.coord.HandleAgentCompletion(ctx, cb)
	require.NoError(t, err)

	// Four successes out of five clears the minimum; the debate opens
	require.Len(t, env.invoker.fired, 1)
	assert.Equal(t, workflow.AgentBullResearcher, env.invoker.fired[0].Agent)
	assert.Equal(t, 1, env.invoker.fired[0].Round)
	assert.Equal(t, analysis.StatusRunning, env.repo.inspect(rec.ID).Status)
}

func TestLastInPhase_AnalysisShortfallWarnsWithoutFailing(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	batchID := uuid.New()
	rec := env.seedAnalysis(asRebalance(batchID), func(r *analysis.Analysis) {
		setStep(r, workflow.AgentMacroAnalyst, analysis.StepCompleted)
		setStep(r, workflow.AgentMarketAnalyst, analysis.StepError)
		setStep(r, workflow.AgentSocialAnalyst, analysis.StepError)
		setStep(r, workflow.AgentNewsAnalyst, analysis.StepError)
		setStep(r, workflow.AgentFundamentalsAnalyst, analysis.StepRunning)
	})

	cb := successCallback(rec, workflow.AgentFundamentalsAnalyst)
	cb.CompletionType = CompletionLastInPhase
	outcome, err := env.coord.HandleAgentCompletion(ctx, cb)
	require.NoError(t, err)

	// Two of five successes misses the threshold, but the run holds its
	// phase instead of failing out
	assert.Contains(t, outcome.Message, "completed with warnings")
	assert.Equal(t, analysis.StatusRunning, env.repo.inspect(rec.ID).Status)
	assert.Empty(t, env.invoker.firedAgents(), "an unhealthy phase must not advance")
	assert.Zero(t, env.notifier.calls, "the parent batch is not told the member failed")
}

func TestRiskManagerSuccess_NoAnalystSuccessHoldsPhase(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	rec := env.seedAnalysis(func(r *analysis.Analysis) {
		completePhases(r, workflow.PhaseAnalysis, workflow.PhaseResearch, workflow.PhaseTrading)
		setStep(r, workflow.AgentRiskyAnalyst, analysis.StepError)
		setStep(r, workflow.AgentSafeAnalyst, analysis.StepError)
		setStep(r, workflow.AgentNeutralAnalyst, analysis.StepError)
		setStep(r, workflow.AgentRiskManager, analysis.StepRunning)
		r.Context.Debate.MarkRole(1, true)
		r.Context.Debate.MarkRole(1, false)
	})

	cb := successCallback(rec, workflow.AgentRiskManager)
	cb.Decision = analysis.DecisionBuy
	cb.Confidence = 60
	outcome, err := env.coord.HandleAgentCompletion(ctx, cb)
	require.NoError(t, err)

	assert.Contains(t, outcome.Message, "completed with warnings")
	assert.Equal(t, analysis.StatusRunning, env.repo.inspect(rec.ID).Status,
		"an ungrounded verdict holds the phase for reactivation instead of erroring")
	assert.NotContains(t, env.invoker.firedAgents(), workflow.AgentPortfolioManager)
	assert.Zero(t, env.notifier.calls)
}

func TestScenarioB_RiskPhaseProceedsPastFailedAnalyst(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	rec := env.seedAnalysis(func(r *analysis.Analysis) {
		r.Ticker = "TSLA"
		completePhases(r, workflow.PhaseAnalysis, workflow.PhaseResearch, workflow.PhaseTrading)
		setStep(r, workflow.AgentRiskyAnalyst, analysis.StepCompleted)
		setStep(r, workflow.AgentSafeAnalyst, analysis.StepCompleted)
		setStep(r, workflow.AgentNeutralAnalyst, analysis.StepError)
		setStep(r, workflow.AgentRiskManager, analysis.StepRunning)
		r.Context.Debate.MarkRole(1, true)
		r.Context.Debate.MarkRole(1, false)
		r.Insights["neutralanalyst_error"] = []byte(`{"error":"timeout","errorType":"ai_error"}`)
	})

	cb := successCallback(rec, workflow.AgentRiskManager)
	cb.Decision = analysis.DecisionBuy
	cb.Confidence = 80
	_, err := env.coord.HandleAgentCompletion(ctx, cb)
	require.NoError(t, err)

	assert.Equal(t, []workflow.AgentID{workflow.AgentPortfolioManager}, env.invoker.firedAgents())

	stored := env.repo.inspect(rec.ID)
	assert.True(t, stored.Insights.Has("neutralanalyst_error"),
		"analyst failure stays visible even though the phase proceeded")
	assert.Equal(t, analysis.StatusRunning, stored.Status)
}

func TestScenarioC_RebalanceSkipsPortfolioManagerAndNotifiesBatch(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	batchID := uuid.New()
	rec := env.seedAnalysis(asRebalance(batchID), func(r *analysis.Analysis) {
		completePhases(r, workflow.PhaseAnalysis, workflow.PhaseResearch, workflow.PhaseTrading)
		setStep(r, workflow.AgentRiskyAnalyst, analysis.StepCompleted)
		setStep(r, workflow.AgentSafeAnalyst, analysis.StepCompleted)
		setStep(r, workflow.AgentNeutralAnalyst, analysis.StepCompleted)
		setStep(r, workflow.AgentRiskManager, analysis.StepRunning)
		r.Context.Debate.MarkRole(1, true)
		r.Context.Debate.MarkRole(1, false)
	})

	cb := successCallback(rec, workflow.AgentRiskManager)
	cb.Decision = analysis.DecisionSell
	cb.Confidence = 70
	_, err := env.coord.HandleAgentCompletion(ctx, cb)
	require.NoError(t, err)

	assert.NotContains(t, env.invoker.firedAgents(), workflow.AgentPortfolioManager,
		"batch members never run the standalone portfolio manager")

	stored := env.repo.inspect(rec.ID)
	assert.Equal(t, analysis.StatusCompleted, stored.Status)
	assert.Equal(t, analysis.DecisionSell, stored.Decision)
	assert.Equal(t, 70, stored.Confidence)

	require.Len(t, env.notifier.sent, 1)
	assert.True(t, env.notifier.sent[0].Success)
	assert.Equal(t, batchID, env.notifier.sent[0].RebalanceRequestID)
}

func TestRebalanceMember_FailedNotificationRollsBackToError(t *testing.T) {
	env := newTestEnv()
	env.notifier.err = context.DeadlineExceeded
	ctx := context.Background()

	batchID := uuid.New()
	rec := env.seedAnalysis(asRebalance(batchID), func(r *analysis.Analysis) {
		completePhases(r, workflow.PhaseAnalysis, workflow.PhaseResearch, workflow.PhaseTrading)
		completePhases(r, workflow.PhaseRisk)
		setStep(r, workflow.AgentRiskManager, analysis.StepRunning)
		r.Context.Debate.MarkRole(1, true)
		r.Context.Debate.MarkRole(1, false)
	})

	cb := successCallback(rec, workflow.AgentRiskManager)
	cb.Decision = analysis.DecisionHold
	outcome, err := env.coord.HandleAgentCompletion(ctx, cb)
	require.NoError(t, err)
	assert.Contains(t, outcome.Message, "notification failed")

	stored := env.repo.inspect(rec.ID)
	assert.Equal(t, analysis.StatusError, stored.Status,
		"unreported completion must stay visible for reactivation retry")
	assert.Equal(t, analysis.DecisionHold, stored.Decision)
}

func TestNoSilentPhaseSkip_RebalanceReinitializesCompletedResearch(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	batchID := uuid.New()
	rec := env.seedAnalysis(asRebalance(batchID), func(r *analysis.Analysis) {
		completePhases(r, workflow.PhaseAnalysis)
		// Research incorrectly shows fully complete before it ever ran
		completePhases(r, workflow.PhaseResearch)
		setStep(r, workflow.AgentFundamentalsAnalyst, analysis.StepRunning)
	})

	cb := successCallback(rec, workflow.AgentFundamentalsAnalyst)
	cb.CompletionType = CompletionLastInPhase
	_, err := env.coord.HandleAgentCompletion(ctx, cb)
	require.NoError(t, err)

	assert.Equal(t, []workflow.AgentID{workflow.AgentBullResearcher}, env.invoker.firedAgents(),
		"research must actually run for a batch member")

	stored := env.repo.inspect(rec.ID)
	rmStep := stored.Steps.Agent(string(workflow.PhaseResearch),
		workflow.MustLookup(workflow.AgentResearchManager).FunctionName)
	require.NotNil(t, rmStep)
	assert.Equal(t, analysis.StepPending, rmStep.Status, "research steps re-armed")
}

func TestCompletedPhaseSkip_IndividualAdvancesPast(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	rec := env.seedAnalysis(func(r *analysis.Analysis) {
		completePhases(r, workflow.PhaseAnalysis, workflow.PhaseResearch)
		setStep(r, workflow.AgentFundamentalsAnalyst, analysis.StepRunning)
		r.Context.Debate.MarkRole(1, true)
		r.Context.Debate.MarkRole(1, false)
	})

	cb := successCallback(rec, workflow.AgentFundamentalsAnalyst)
	cb.CompletionType = CompletionLastInPhase
	_, err := env.coord.HandleAgentCompletion(ctx, cb)
	require.NoError(t, err)

	assert.Equal(t, []workflow.AgentID{workflow.AgentTrader}, env.invoker.firedAgents(),
		"individual runs tolerate an already-complete phase and advance past it")
}

func TestTraderFailure_RetriesOnceThenAborts(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	rec := env.seedAnalysis(func(r *analysis.Analysis) {
		completePhases(r, workflow.PhaseAnalysis, workflow.PhaseResearch)
		setStep(r, workflow.AgentTrader, analysis.StepRunning)
		r.Context.Debate.MarkRole(1, true)
		r.Context.Debate.MarkRole(1, false)
	})

	// First failure of a critical agent buys one retry with a short pause
	outcome, err := env.coord.HandleAgentCompletion(ctx,
		errorCallback(rec, workflow.AgentTrader, workflow.ErrorAI, "plan generation failed"))
	require.NoError(t, err)
	assert.Contains(t, outcome.Message, "retrying")
	assert.Equal(t, analysis.StatusRunning, env.repo.inspect(rec.ID).Status)

	require.Len(t, env.invoker.fired, 1)
	assert.Equal(t, workflow.AgentTrader, env.invoker.fired[0].Agent)
	assert.Equal(t, 3*time.Second, env.invoker.fired[0].Delay)

	// The retry fails the same way: the workflow is done
	_, err = env.coord.HandleAgentCompletion(ctx,
		errorCallback(rec, workflow.AgentTrader, workflow.ErrorAI, "plan generation failed"))
	require.NoError(t, err)

	stored := env.repo.inspect(rec.ID)
	assert.Equal(t, analysis.StatusError, stored.Status)
	assert.Len(t, env.invoker.fired, 1, "an exhausted critical agent is not re-fired")
	assert.True(t, stored.Insights.Has("trader_error"))
}

func TestTraderRateLimit_RetriesWithBackoffThenSucceeds(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	rec := env.seedAnalysis(func(r *analysis.Analysis) {
		completePhases(r, workflow.PhaseAnalysis, workflow.PhaseResearch)
		setStep(r, workflow.AgentTrader, analysis.StepRunning)
		r.Context.Debate.MarkRole(1, true)
		r.Context.Debate.MarkRole(1, false)
	})

	outcome, err := env.coord.HandleAgentCompletion(ctx,
		errorCallback(rec, workflow.AgentTrader, workflow.ErrorRateLimit, "429 too many requests"))
	require.NoError(t, err)
	assert.Contains(t, outcome.Message, "retrying")

	stored := env.repo.inspect(rec.ID)
	assert.Equal(t, analysis.StatusRunning, stored.Status,
		"a rate-limited trader must not doom the analysis")
	require.Len(t, env.invoker.fired, 1)
	assert.Equal(t, workflow.AgentTrader, env.invoker.fired[0].Agent)
	assert.Equal(t, 5*time.Second, env.invoker.fired[0].Delay)

	traderStep := stored.Steps.Agent(string(workflow.PhaseTrading),
		workflow.MustLookup(workflow.AgentTrader).FunctionName)
	require.NotNil(t, traderStep)
	assert.Equal(t, analysis.StepRunning, traderStep.Status)
	assert.Equal(t, 1, traderStep.Attempts)

	// The retried invocation comes back clean and the workflow moves on
	cb := successCallback(rec, workflow.AgentTrader)
	cb.CompletionType = CompletionLastInPhase
	_, err = env.coord.HandleAgentCompletion(ctx, cb)
	require.NoError(t, err)

	assert.Equal(t, []workflow.AgentID{workflow.AgentTrader, workflow.AgentRiskyAnalyst},
		env.invoker.firedAgents())
}

func TestTraderRateLimit_ExhaustedRetriesAbortViaPhaseHealth(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	rec := env.seedAnalysis(func(r *analysis.Analysis) {
		completePhases(r, workflow.PhaseAnalysis, workflow.PhaseResearch)
		setStep(r, workflow.AgentTrader, analysis.StepRunning)
		setStepAttempts(r, workflow.AgentTrader, 3)
		r.Context.Debate.MarkRole(1, true)
		r.Context.Debate.MarkRole(1, false)
	})

	// Fourth rate-limit failure: the strategy skips, and trading cannot
	// succeed without its only agent
	_, err := env.coord.HandleAgentCompletion(ctx,
		errorCallback(rec, workflow.AgentTrader, workflow.ErrorRateLimit, "429 too many requests"))
	require.NoError(t, err)

	assert.Equal(t, analysis.StatusError, env.repo.inspect(rec.ID).Status)
	assert.Empty(t, env.invoker.firedAgents())
}

func TestAPIKeyError_IsAlwaysWorkflowFatal(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	// Even a non-critical analysis agent kills the workflow on api_key:
	// every later agent would hit the same invalid key
	rec := env.seedAnalysis(func(r *analysis.Analysis) {
		setStep(r, workflow.AgentMacroAnalyst, analysis.StepRunning)
	})

	_, err := env.coord.HandleAgentCompletion(ctx,
		errorCallback(rec, workflow.AgentMacroAnalyst, workflow.ErrorAPIKey, "invalid key"))
	require.NoError(t, err)

	assert.Equal(t, analysis.StatusError, env.repo.inspect(rec.ID).Status)
	assert.Empty(t, env.invoker.firedAgents())
}

func TestRiskAnalystFailure_RetriesOnceThenContinuesChain(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	rec := env.seedAnalysis(func(r *analysis.Analysis) {
		completePhases(r, workflow.PhaseAnalysis, workflow.PhaseResearch, workflow.PhaseTrading)
		setStep(r, workflow.AgentRiskyAnalyst, analysis.StepRunning)
		r.Context.Debate.MarkRole(1, true)
		r.Context.Debate.MarkRole(1, false)
	})

	// Non-critical agents get one retry before the phase moves past them
	_, err := env.coord.HandleAgentCompletion(ctx,
		errorCallback(rec, workflow.AgentRiskyAnalyst, workflow.ErrorAI, "timeout"))
	require.NoError(t, err)

	require.Len(t, env.invoker.fired, 1)
	assert.Equal(t, workflow.AgentRiskyAnalyst, env.invoker.fired[0].Agent)
	assert.Equal(t, 2*time.Second, env.invoker.fired[0].Delay)

	_, err = env.coord.HandleAgentCompletion(ctx,
		errorCallback(rec, workflow.AgentRiskyAnalyst, workflow.ErrorAI, "timeout"))
	require.NoError(t, err)

	assert.Equal(t, []workflow.AgentID{workflow.AgentRiskyAnalyst, workflow.AgentSafeAnalyst},
		env.invoker.firedAgents(), "after the retry fails the chain hands off to the next analyst")
	assert.Equal(t, analysis.StatusRunning, env.repo.inspect(rec.ID).Status)
}

func TestFallbackInvocationFailed_ErrorTextDoesNotDivertRouting(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	rec := env.seedAnalysis(func(r *analysis.Analysis) {
		completePhases(r, workflow.PhaseAnalysis, workflow.PhaseResearch, workflow.PhaseTrading)
		setStep(r, workflow.AgentRiskyAnalyst, analysis.StepRunning)
		r.Context.Debate.MarkRole(1, true)
		r.Context.Debate.MarkRole(1, false)
	})

	// The worker finished its own job and describes the failed handoff in
	// the error field; completion type alone decides the route
	cb := successCallback(rec, workflow.AgentRiskyAnalyst)
	cb.CompletionType = CompletionFallbackFailed
	cb.FailedToInvoke = string(workflow.AgentSafeAnalyst)
	cb.Error = "connection refused: agent-safe-analyst"
	outcome, err := env.coord.HandleAgentCompletion(ctx, cb)
	require.NoError(t, err)
	assert.Contains(t, outcome.Message, "fallback invocation")

	require.Len(t, env.invoker.tried, 1)
	assert.Equal(t, workflow.AgentSafeAnalyst, env.invoker.tried[0].Agent)

	stored := env.repo.inspect(rec.ID)
	riskyStep := stored.Steps.Agent(string(workflow.PhaseRisk),
		workflow.MustLookup(workflow.AgentRiskyAnalyst).FunctionName)
	require.NotNil(t, riskyStep)
	assert.Equal(t, analysis.StepCompleted, riskyStep.Status,
		"the reporting agent completed its own work")
	assert.False(t, stored.Insights.Has("riskyanalyst_error"))
	assert.Equal(t, analysis.StatusRunning, stored.Status)
}

func TestFallbackInvocationFailed_RetriesThenSkipsForward(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	rec := env.seedAnalysis(func(r *analysis.Analysis) {
		completePhases(r, workflow.PhaseAnalysis, workflow.PhaseResearch, workflow.PhaseTrading)
		setStep(r, workflow.AgentRiskyAnalyst, analysis.StepRunning)
		r.Context.Debate.MarkRole(1, true)
		r.Context.Debate.MarkRole(1, false)
	})

	// The risky analyst finished but could not chain to the safe analyst
	env.invoker.tryErr[workflow.AgentSafeAnalyst] = context.DeadlineExceeded

	cb := successCallback(rec, workflow.AgentRiskyAnalyst)
	cb.CompletionType = CompletionFallbackFailed
	cb.FailedToInvoke = string(workflow.AgentSafeAnalyst)
	outcome, err := env.coord.HandleAgentCompletion(ctx, cb)
	require.NoError(t, err)
	assert.Contains(t, outcome.Message, "skipped")

	// Coordinator retried safe (failed), then escalated to neutral
	require.Len(t, env.invoker.tried, 1)
	assert.Equal(t, workflow.AgentNeutralAnalyst, env.invoker.tried[0].Agent)
	assert.Equal(t, analysis.StatusRunning, env.repo.inspect(rec.ID).Status)
}

func TestFallbackInvocationFailed_ExhaustedLadderMarksError(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	rec := env.seedAnalysis(func(r *analysis.Analysis) {
		completePhases(r, workflow.PhaseAnalysis, workflow.PhaseResearch, workflow.PhaseTrading)
		setStep(r, workflow.AgentRiskyAnalyst, analysis.StepRunning)
	})

	env.invoker.tryErr[workflow.AgentSafeAnalyst] = context.DeadlineExceeded
	env.invoker.tryErr[workflow.AgentNeutralAnalyst] = context.DeadlineExceeded

	cb := successCallback(rec, workflow.AgentRiskyAnalyst)
	cb.CompletionType = CompletionFallbackFailed
	cb.FailedToInvoke = string(workflow.AgentSafeAnalyst)
	_, err := env.coord.HandleAgentCompletion(ctx, cb)
	require.NoError(t, err)

	stored := env.repo.inspect(rec.ID)
	assert.Equal(t, analysis.StatusError, stored.Status)
	assert.True(t, stored.Insights.Has("workflow_error"))
}

func TestFallbackInvocationFailed_StaleReportIgnored(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	rec := env.seedAnalysis(func(r *analysis.Analysis) {
		completePhases(r, workflow.PhaseAnalysis, workflow.PhaseResearch, workflow.PhaseTrading)
		setStep(r, workflow.AgentRiskyAnalyst, analysis.StepRunning)
	})

	cb := successCallback(rec, workflow.AgentRiskyAnalyst)
	cb.CompletionType = CompletionFallbackFailed
	cb.FailedToInvoke = string(workflow.AgentNeutralAnalyst) // not the expected next agent
	outcome, err := env.coord.HandleAgentCompletion(ctx, cb)
	require.NoError(t, err)

	assert.Contains(t, outcome.Message, "stale")
	assert.Empty(t, env.invoker.tried)
	assert.Equal(t, analysis.StatusRunning, env.repo.inspect(rec.ID).Status)
}

func TestPortfolioManagerSuccess_CompletesIndividualAnalysis(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	rec := env.seedAnalysis(func(r *analysis.Analysis) {
		completePhases(r, workflow.PhaseAnalysis, workflow.PhaseResearch, workflow.PhaseTrading, workflow.PhaseRisk)
		setStep(r, workflow.AgentPortfolioManager, analysis.StepRunning)
		r.Context.Debate.MarkRole(1, true)
		r.Context.Debate.MarkRole(1, false)
	})

	cb := successCallback(rec, workflow.AgentPortfolioManager)
	cb.Decision = analysis.DecisionBuy
	cb.Confidence = 85
	_, err := env.coord.HandleAgentCompletion(ctx, cb)
	require.NoError(t, err)

	stored := env.repo.inspect(rec.ID)
	assert.Equal(t, analysis.StatusCompleted, stored.Status)
	assert.Equal(t, analysis.DecisionBuy, stored.Decision)
	assert.Equal(t, 85, stored.Confidence)
	assert.Zero(t, env.notifier.calls, "individual analyses do not notify a batch")
}

func TestInsightsPersistedOnSuccess(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	rec := env.seedAnalysis(func(r *analysis.Analysis) {
		setStep(r, workflow.AgentMacroAnalyst, analysis.StepRunning)
	})

	cb := successCallback(rec, workflow.AgentMacroAnalyst)
	cb.Result = []byte(`{"summary":"rates likely on hold"}`)
	_, err := env.coord.HandleAgentCompletion(ctx, cb)
	require.NoError(t, err)

	stored := env.repo.inspect(rec.ID)
	assert.True(t, stored.Insights.Has("macroanalyst"))
}

func TestHandleAgentCompletion_RejectsAgentOutsidePhase(t *testing.T) {
	env := newTestEnv()
	rec := env.seedAnalysis()

	cb := successCallback(rec, workflow.AgentTrader)
	cb.Phase = workflow.PhaseAnalysis
	_, err := env.coord.HandleAgentCompletion(context.Background(), cb)
	assert.Error(t, err)
}
