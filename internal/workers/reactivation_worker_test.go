package workers

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argus/internal/coordinator"
	"argus/internal/domain/analysis"
	"argus/internal/rebalance"
	"argus/internal/workflow"
	"argus/pkg/errors"
)

// sweepRepo is a fixed-content analysis.Repository for sweep tests
type sweepRepo struct {
	recs    map[uuid.UUID]*analysis.Analysis
	stale   []*analysis.Analysis
	listErr error
}

func newSweepRepo() *sweepRepo {
	return &sweepRepo{recs: map[uuid.UUID]*analysis.Analysis{}}
}

func (s *sweepRepo) add(rec *analysis.Analysis, isStale bool) {
	s.recs[rec.ID] = rec
	if isStale {
		s.stale = append(s.stale, rec)
	}
}

func (s *sweepRepo) Create(ctx context.Context, a *analysis.Analysis) error { return nil }

func (s *sweepRepo) Get(ctx context.Context, id uuid.UUID) (*analysis.Analysis, error) {
	rec, ok := s.recs[id]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "analysis %s", id)
	}
	return rec, nil
}

func (s *sweepRepo) ListActive(ctx context.Context, userID, ticker string) ([]*analysis.Analysis, error) {
	return nil, nil
}

func (s *sweepRepo) ListStaleRunning(ctx context.Context, staleAfter, lookback time.Duration) ([]*analysis.Analysis, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.stale, nil
}

func (s *sweepRepo) UpdateStatusIf(ctx context.Context, id uuid.UUID, to analysis.Status, allowedFrom ...analysis.Status) (bool, error) {
	rec, ok := s.recs[id]
	if !ok {
		return false, errors.Wrapf(errors.ErrNotFound, "analysis %s", id)
	}
	for _, from := range allowedFrom {
		if rec.Status == from {
			rec.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (s *sweepRepo) SetCompleted(ctx context.Context, id uuid.UUID, decision analysis.Decision, confidence int) error {
	return nil
}

func (s *sweepRepo) SetError(ctx context.Context, id uuid.UUID, decision analysis.Decision, confidence int) error {
	return nil
}

func (s *sweepRepo) MergeInsights(ctx context.Context, id uuid.UUID, patch analysis.Insights) error {
	return nil
}

func (s *sweepRepo) SaveContext(ctx context.Context, id uuid.UUID, c *analysis.Context) error {
	return nil
}

func (s *sweepRepo) SetWorkflowSteps(ctx context.Context, id uuid.UUID, steps analysis.WorkflowSteps) error {
	return nil
}

func (s *sweepRepo) UpdateAgentStep(ctx context.Context, id uuid.UUID, phase, functionName string, status analysis.StepStatus, progress int) (analysis.StepStatus, error) {
	rec, ok := s.recs[id]
	if !ok {
		return "", errors.Wrapf(errors.ErrNotFound, "analysis %s", id)
	}
	prev, found := rec.Steps.SetAgentStatus(phase, functionName, status, progress)
	if !found {
		return "", errors.Wrapf(errors.ErrUnknownAgent, "%s/%s", phase, functionName)
	}
	return prev, nil
}

type countingInvoker struct {
	invoked int
}

func (c *countingInvoker) InvokeAgent(ctx context.Context, req coordinator.AgentRequest, maxRetries int) {
	c.invoked++
}

func (c *countingInvoker) TryInvokeAgent(ctx context.Context, req coordinator.AgentRequest) error {
	c.invoked++
	return nil
}

type silentNotifier struct{}

func (silentNotifier) NotifyCompletion(ctx context.Context, n rebalance.Notification) error {
	return nil
}

func staleRecord() *analysis.Analysis {
	return &analysis.Analysis{
		ID:       uuid.New(),
		Ticker:   "AAPL",
		UserID:   "user-1",
		Status:   analysis.StatusRunning,
		Decision: analysis.DecisionPending,
		Insights: analysis.Insights{},
		Steps:    workflow.InitialSteps(),
		Context: &analysis.Context{
			Type:   analysis.ContextIndividual,
			Debate: &analysis.DebateState{MaxRounds: 2},
		},
		UpdatedAt: time.Now().Add(-time.Hour),
	}
}

func TestReactivationWorker_ResumesStaleAnalyses(t *testing.T) {
	repo := newSweepRepo()
	invoker := &countingInvoker{}
	coord := coordinator.New(coordinator.Deps{
		Repo:     repo,
		Invoker:  invoker,
		Notifier: silentNotifier{},
	}, coordinator.Config{})

	repo.add(staleRecord(), true)
	repo.add(staleRecord(), true)
	fresh := staleRecord()
	repo.add(fresh, false)

	w := NewReactivationWorker(repo, coord, ReactivationConfig{
		Enabled:    true,
		Interval:   time.Minute,
		StaleAfter: 10 * time.Minute,
		Lookback:   24 * time.Hour,
	})

	require.NoError(t, w.Run(context.Background()))

	assert.Equal(t, 2, invoker.invoked, "each stale analysis resumes its first pending agent")
	health := w.Health()
	assert.EqualValues(t, 1, health.RunCount)
	assert.EqualValues(t, 0, health.ErrorCount)
}

func TestReactivationWorker_EmptySweepIsClean(t *testing.T) {
	repo := newSweepRepo()
	coord := coordinator.New(coordinator.Deps{
		Repo:     repo,
		Invoker:  &countingInvoker{},
		Notifier: silentNotifier{},
	}, coordinator.Config{})

	w := NewReactivationWorker(repo, coord, ReactivationConfig{Enabled: true, Interval: time.Minute})
	require.NoError(t, w.Run(context.Background()))
	assert.EqualValues(t, 1, w.Health().RunCount)
}

func TestReactivationWorker_ListFailureIsRecorded(t *testing.T) {
	repo := newSweepRepo()
	repo.listErr = errors.ErrUnavailable
	coord := coordinator.New(coordinator.Deps{
		Repo:     repo,
		Invoker:  &countingInvoker{},
		Notifier: silentNotifier{},
	}, coordinator.Config{})

	w := NewReactivationWorker(repo, coord, ReactivationConfig{Enabled: true, Interval: time.Minute})
	err := w.Run(context.Background())
	require.Error(t, err)
	assert.EqualValues(t, 1, w.Health().ErrorCount)
}
