package coordinator

import (
	"context"
	"time"

	"argus/internal/audit"
	"argus/internal/domain/analysis"
	"argus/internal/domain/position"
	"argus/internal/events"
	"argus/internal/rebalance"
	"argus/internal/workflow"
	"argus/pkg/errors"
	"argus/pkg/logger"
)

func errNoAgent(id workflow.AgentID) error {
	return errors.Wrapf(errors.ErrUnknownAgent, "%q", id)
}

// BatchCancelStore exposes the parent-batch cancellation flag.
// Satisfied by the Redis adapter.
type BatchCancelStore interface {
	IsBatchCancelled(ctx context.Context, rebalanceRequestID string) (bool, error)
}

// CallbackDeduper suppresses network-retry duplicate callbacks.
// Satisfied by the Redis adapter.
type CallbackDeduper interface {
	MarkCallbackSeen(ctx context.Context, analysisID, phase, agent string, ttl time.Duration) (bool, error)
}

// TradeExecutor is the optional auto-trade hook consulted after an
// individual analysis completes with a decision
type TradeExecutor interface {
	CheckAutoTrade(ctx context.Context, rec *analysis.Analysis) error
}

// Config carries the coordinator's injectable policy values
type Config struct {
	MaxDebateRounds   int
	AgentMaxRetries   int
	MinAnalysisAgents int
}

func (c Config) withDefaults() Config {
	if c.MaxDebateRounds <= 0 {
		c.MaxDebateRounds = 2
	}
	if c.AgentMaxRetries < 0 {
		c.AgentMaxRetries = 0
	}
	if c.MinAnalysisAgents <= 0 {
		c.MinAnalysisAgents = 3
	}
	return c
}

// Coordinator is the analysis workflow state machine. It is stateless per
// call: every handler reloads the record, decides, persists, and returns.
// All concurrency control happens through the repository's guarded writes.
type Coordinator struct {
	repo      analysis.Repository
	positions position.Repository
	invoker   AgentInvoker
	notifier  rebalance.Notifier
	cancels   BatchCancelStore
	dedupe    CallbackDeduper
	events    *events.Publisher
	audit     audit.Recorder
	trades    TradeExecutor
	cfg       Config
	log       *logger.Logger
}

// Deps bundles the coordinator's collaborators
type Deps struct {
	Repo      analysis.Repository
	Positions position.Repository
	Invoker   AgentInvoker
	Notifier  rebalance.Notifier
	Cancels   BatchCancelStore
	Dedupe    CallbackDeduper
	Events    *events.Publisher
	Audit     audit.Recorder
	Trades    TradeExecutor
}

// New creates a Coordinator
func New(deps Deps, cfg Config) *Coordinator {
	rec := deps.Audit
	if rec == nil {
		rec = audit.Noop{}
	}
	return &Coordinator{
		repo:      deps.Repo,
		positions: deps.Positions,
		invoker:   deps.Invoker,
		notifier:  deps.Notifier,
		cancels:   deps.Cancels,
		dedupe:    deps.Dedupe,
		events:    deps.Events,
		audit:     rec,
		trades:    deps.Trades,
		cfg:       cfg.withDefaults(),
		log:       logger.Get().With("component", "coordinator"),
	}
}

// SetInvoker injects the agent invoker after construction. The invoker's
// failure handler points back at the coordinator, so the two cannot be built
// in one pass.
func (c *Coordinator) SetInvoker(inv AgentInvoker) {
	c.invoker = inv
}

// Outcome is what a handler invocation reports back to its HTTP caller
type Outcome struct {
	Message   string          `json:"message"`
	Status    analysis.Status `json:"status,omitempty"`
	Cancelled bool            `json:"cancelled,omitempty"`
}

func ack(message string, status analysis.Status) Outcome {
	return Outcome{Message: message, Status: status}
}

// markStep updates one agent's workflow step, keeps the in-memory record in
// sync, and records the transition in the audit trail. Returns the previous
// step status for duplicate-callback detection.
func (c *Coordinator) markStep(ctx context.Context, rec *analysis.Analysis, phase workflow.PhaseID, id workflow.AgentID, status analysis.StepStatus, progress int) (analysis.StepStatus, error) {
	info, ok := workflow.Lookup(id)
	if !ok {
		return "", errNoAgent(id)
	}

	prev, err := c.repo.UpdateAgentStep(ctx, rec.ID, string(phase), info.FunctionName, status, progress)
	if err != nil {
		return "", err
	}
	rec.Steps.SetAgentStatus(string(phase), info.FunctionName, status, progress)

	c.audit.RecordTransition(ctx, audit.Transition{
		AnalysisID: rec.ID,
		Ticker:     rec.Ticker,
		UserID:     rec.UserID,
		Phase:      string(phase),
		Agent:      string(id),
		FromStatus: string(prev),
		ToStatus:   string(status),
	})
	return prev, nil
}

// invoke launches an agent worker fire-and-forget after arming its step.
// Marking the step running before firing is the duplicate-invocation guard:
// a near-simultaneous callback sees a non-pending step and skips re-invoking.
func (c *Coordinator) invoke(ctx context.Context, rec *analysis.Analysis, phase workflow.PhaseID, id workflow.AgentID, settings analysis.APISettings, round int) error {
	if _, err := c.markStep(ctx, rec, phase, id, analysis.StepRunning, 10); err != nil {
		return err
	}

	c.invoker.InvokeAgent(ctx, AgentRequest{
		Agent:       id,
		AnalysisID:  rec.ID,
		Ticker:      rec.Ticker,
		UserID:      rec.UserID,
		APISettings: settings,
		Phase:       phase,
		Context:     rec.Context,
		Round:       round,
	}, c.cfg.AgentMaxRetries)
	return nil
}
