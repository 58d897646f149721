package coordinator

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"argus/internal/domain/analysis"
	"argus/internal/domain/position"
	"argus/internal/rebalance"
	"argus/internal/workflow"
	"argus/pkg/errors"
)

// memRepo is an in-memory analysis.Repository with the same guard semantics
// as the Postgres implementation
type memRepo struct {
	mu   sync.Mutex
	recs map[uuid.UUID]*analysis.Analysis
}

func newMemRepo() *memRepo {
	return &memRepo{recs: make(map[uuid.UUID]*analysis.Analysis)}
}

func cloneRecord(a *analysis.Analysis) *analysis.Analysis {
	raw, err := json.Marshal(a)
	if err != nil {
		panic(err)
	}
	var out analysis.Analysis
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(err)
	}
	return &out
}

func (r *memRepo) put(a *analysis.Analysis) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs[a.ID] = cloneRecord(a)
}

func (r *memRepo) Create(ctx context.Context, a *analysis.Analysis) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.recs[a.ID]; exists {
		return errors.ErrAlreadyExists
	}
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	r.recs[a.ID] = cloneRecord(a)
	return nil
}

func (r *memRepo) Get(ctx context.Context, id uuid.UUID) (*analysis.Analysis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[id]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "analysis %s", id)
	}
	return cloneRecord(rec), nil
}

func (r *memRepo) ListActive(ctx context.Context, userID, ticker string) ([]*analysis.Analysis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*analysis.Analysis
	for _, rec := range r.recs {
		if rec.UserID != userID || rec.Ticker != ticker {
			continue
		}
		if rec.Status == analysis.StatusPending || rec.Status == analysis.StatusRunning {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memRepo) ListStaleRunning(ctx context.Context, staleAfter, lookback time.Duration) ([]*analysis.Analysis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var out []*analysis.Analysis
	for _, rec := range r.recs {
		if rec.Status != analysis.StatusRunning {
			continue
		}
		age := now.Sub(rec.UpdatedAt)
		if age > staleAfter && age < lookback {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (r *memRepo) UpdateStatusIf(ctx context.Context, id uuid.UUID, to analysis.Status, allowedFrom ...analysis.Status) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[id]
	if !ok {
		return false, errors.Wrapf(errors.ErrNotFound, "analysis %s", id)
	}
	for _, from := range allowedFrom {
		if rec.Status == from {
			rec.Status = to
			rec.UpdatedAt = time.Now()
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepo) SetCompleted(ctx context.Context, id uuid.UUID, decision analysis.Decision, confidence int) error {
	return r.setTerminal(id, analysis.StatusCompleted, decision, confidence)
}

func (r *memRepo) SetError(ctx context.Context, id uuid.UUID, decision analysis.Decision, confidence int) error {
	return r.setTerminal(id, analysis.StatusError, decision, confidence)
}

func (r *memRepo) setTerminal(id uuid.UUID, status analysis.Status, decision analysis.Decision, confidence int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[id]
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "analysis %s", id)
	}
	if rec.Status == analysis.StatusCancelled {
		return errors.Wrapf(errors.ErrAnalysisCancelled, "analysis %s", id)
	}
	rec.Status = status
	rec.Decision = decision
	rec.Confidence = confidence
	now := time.Now()
	rec.CompletedAt = &now
	rec.UpdatedAt = now
	return nil
}

func (r *memRepo) MergeInsights(ctx context.Context, id uuid.UUID, patch analysis.Insights) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[id]
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "analysis %s", id)
	}
	if rec.Insights == nil {
		rec.Insights = analysis.Insights{}
	}
	for k, v := range patch {
		rec.Insights[k] = v
	}
	rec.UpdatedAt = time.Now()
	return nil
}

func (r *memRepo) SaveContext(ctx context.Context, id uuid.UUID, c *analysis.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[id]
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "analysis %s", id)
	}
	rec.Context = cloneRecord(&analysis.Analysis{Context: c}).Context
	rec.UpdatedAt = time.Now()
	return nil
}

func (r *memRepo) SetWorkflowSteps(ctx context.Context, id uuid.UUID, steps analysis.WorkflowSteps) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[id]
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "analysis %s", id)
	}
	rec.Steps = cloneRecord(&analysis.Analysis{Steps: steps}).Steps
	rec.UpdatedAt = time.Now()
	return nil
}

func (r *memRepo) UpdateAgentStep(ctx context.Context, id uuid.UUID, phase, functionName string, status analysis.StepStatus, progress int) (analysis.StepStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[id]
	if !ok {
		return "", errors.Wrapf(errors.ErrNotFound, "analysis %s", id)
	}
	prev, found := rec.Steps.SetAgentStatus(phase, functionName, status, progress)
	if !found {
		return "", errors.Wrapf(errors.ErrUnknownAgent, "%s/%s", phase, functionName)
	}
	rec.UpdatedAt = time.Now()
	return prev, nil
}

// get returns the live stored record for assertions
func (r *memRepo) inspect(id uuid.UUID) *analysis.Analysis {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneRecord(r.recs[id])
}

type invocation struct {
	Agent workflow.AgentID
	Phase workflow.PhaseID
	Round int
	Delay time.Duration
}

// fakeInvoker records invocations instead of calling workers
type fakeInvoker struct {
	mu     sync.Mutex
	fired  []invocation
	tried  []invocation
	tryErr map[workflow.AgentID]error
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{tryErr: make(map[workflow.AgentID]error)}
}

func (f *fakeInvoker) InvokeAgent(ctx context.Context, req AgentRequest, maxRetries int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, invocation{Agent: req.Agent, Phase: req.Phase, Round: req.Round, Delay: req.Delay})
}

func (f *fakeInvoker) TryInvokeAgent(ctx context.Context, req AgentRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.tryErr[req.Agent]; err != nil {
		return err
	}
	f.tried = append(f.tried, invocation{Agent: req.Agent, Phase: req.Phase, Round: req.Round})
	return nil
}

func (f *fakeInvoker) firedAgents() []workflow.AgentID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]workflow.AgentID, len(f.fired))
	for i, inv := range f.fired {
		out[i] = inv.Agent
	}
	return out
}

// fakeNotifier records batch notifications
type fakeNotifier struct {
	mu    sync.Mutex
	sent  []rebalance.Notification
	err   error
	calls int
}

func (f *fakeNotifier) NotifyCompletion(ctx context.Context, n rebalance.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, n)
	return nil
}

// fakeDeduper is an in-memory callback-seen store without TTL expiry
type fakeDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (f *fakeDeduper) MarkCallbackSeen(ctx context.Context, analysisID, phase, agent string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	key := analysisID + "/" + phase + "/" + agent
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

// fakeCancelStore is an in-memory batch cancellation flag
type fakeCancelStore struct {
	mu        sync.Mutex
	cancelled map[string]bool
}

func (f *fakeCancelStore) IsBatchCancelled(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled[id], nil
}

// fakePositions returns fixed snapshots
type fakePositions struct {
	snapshot  position.Snapshot
	portfolio position.PortfolioSnapshot
}

func (f *fakePositions) GetSnapshot(ctx context.Context, userID, ticker string) (*position.Snapshot, error) {
	snap := f.snapshot
	if snap.Ticker == "" {
		snap.Ticker = ticker
	}
	return &snap, nil
}

func (f *fakePositions) GetPortfolio(ctx context.Context, userID string) (*position.PortfolioSnapshot, error) {
	p := f.portfolio
	return &p, nil
}

type testEnv struct {
	coord    *Coordinator
	repo     *memRepo
	invoker  *fakeInvoker
	notifier *fakeNotifier
}

func newTestEnv() *testEnv {
	repo := newMemRepo()
	invoker := newFakeInvoker()
	notifier := &fakeNotifier{}
	coord := New(Deps{
		Repo:     repo,
		Invoker:  invoker,
		Notifier: notifier,
	}, Config{})
	return &testEnv{coord: coord, repo: repo, invoker: invoker, notifier: notifier}
}

// seedAnalysis stores a Running record with fresh workflow steps
func (e *testEnv) seedAnalysis(mutate ...func(*analysis.Analysis)) *analysis.Analysis {
	rec := &analysis.Analysis{
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
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	for _, m := range mutate {
		m(rec)
	}
	e.repo.put(rec)
	return rec
}

func asRebalance(batchID uuid.UUID) func(*analysis.Analysis) {
	return func(rec *analysis.Analysis) {
		rec.RebalanceRequestID = &batchID
		rec.Context.Type = analysis.ContextRebalance
		rec.Context.RebalanceRequestID = &batchID
	}
}

// setStep flips one agent's step in the seeded record
func setStep(rec *analysis.Analysis, id workflow.AgentID, status analysis.StepStatus) {
	info := workflow.MustLookup(id)
	progress := 0
	if status == analysis.StepCompleted {
		progress = 100
	}
	rec.Steps.SetAgentStatus(string(info.Phase), info.FunctionName, status, progress)
}

// setStepAttempts pins an agent's consumed retry count in the seeded record
func setStepAttempts(rec *analysis.Analysis, id workflow.AgentID, attempts int) {
	info := workflow.MustLookup(id)
	step := rec.Steps.Agent(string(info.Phase), info.FunctionName)
	if step != nil {
		step.Attempts = attempts
	}
}

// completePhases marks every agent of the given phases completed
func completePhases(rec *analysis.Analysis, phases ...workflow.PhaseID) {
	for _, phaseID := range phases {
		p, _ := workflow.GetPhase(phaseID)
		for _, id := range p.AllAgents() {
			setStep(rec, id, analysis.StepCompleted)
		}
	}
}

func successCallback(rec *analysis.Analysis, id workflow.AgentID) CompletionRequest {
	info := workflow.MustLookup(id)
	return CompletionRequest{
		AnalysisID:     rec.ID,
		Phase:          info.Phase,
		Agent:          id,
		CompletionType: CompletionNormal,
	}
}

func errorCallback(rec *analysis.Analysis, id workflow.AgentID, errType workflow.ErrorType, msg string) CompletionRequest {
	req := successCallback(rec, id)
	req.CompletionType = CompletionAgentError
	req.Error = msg
	req.ErrorType = errType
	return req
}
