package analysis

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the authoritative lifecycle state of an analysis run.
// Cancelled is absorbing: no code path may transition away from it.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status accepts no further workflow progress.
// Error is terminal with a single recovery exception handled by the
// coordinator, so it is not included here.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Decision is the trade recommendation emitted by the workflow
type Decision string

const (
	DecisionBuy      Decision = "BUY"
	DecisionSell     Decision = "SELL"
	DecisionHold     Decision = "HOLD"
	DecisionPending  Decision = "PENDING"
	DecisionCanceled Decision = "CANCELED"
	DecisionError    Decision = "ERROR"
)

// StepStatus tracks a single agent's progress within a phase.
// Transitions are monotonic (pending -> running -> completed|error) except
// an explicit re-arm back to pending during retry or phase reinitialization.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepError     StepStatus = "error"
)

// AgentStep is one agent's descriptor inside a phase's workflow steps.
// Attempts counts how many times the agent was re-armed after a failure,
// feeding the recovery strategy's attempt-based decisions.
type AgentStep struct {
	Name         string     `json:"name"`
	FunctionName string     `json:"functionName"`
	Status       StepStatus `json:"status"`
	Progress     int        `json:"progress"`
	Attempts     int        `json:"attempts,omitempty"`
}

// PhaseSteps groups the ordered agent steps of one phase
type PhaseSteps struct {
	Phase  string      `json:"phase"`
	Agents []AgentStep `json:"agents"`
}

// WorkflowSteps is the ordered list of phase descriptors persisted on the record
type WorkflowSteps []PhaseSteps

// Phase returns the steps entry for a phase, or nil
func (w WorkflowSteps) Phase(phase string) *PhaseSteps {
	for i := range w {
		if w[i].Phase == phase {
			return &w[i]
		}
	}
	return nil
}

// Agent returns the step for an agent function name within a phase, or nil
func (w WorkflowSteps) Agent(phase, functionName string) *AgentStep {
	ps := w.Phase(phase)
	if ps == nil {
		return nil
	}
	for i := range ps.Agents {
		if ps.Agents[i].FunctionName == functionName {
			return &ps.Agents[i]
		}
	}
	return nil
}

// SetAgentStatus mutates one agent's step in place and returns the previous
// status. The previous value lets callers detect duplicate or out-of-order
// callbacks before persisting. A transition from error back to running is a
// retry and bumps the step's attempt counter.
func (w WorkflowSteps) SetAgentStatus(phase, functionName string, status StepStatus, progress int) (StepStatus, bool) {
	step := w.Agent(phase, functionName)
	if step == nil {
		return "", false
	}
	prev := step.Status
	if prev == StepError && status == StepRunning {
		step.Attempts++
	}
	step.Status = status
	step.Progress = progress
	return prev, true
}

// Insights is the append-only map of agent result payloads.
// Presence of a key means that agent produced output; errored output lives
// under the "<key>_error" variant.
type Insights map[string]json.RawMessage

// ErrorKey returns the error-payload variant of an insight key
func ErrorKey(insightKey string) string {
	return insightKey + "_error"
}

// Has reports whether the agent produced any successful output
func (in Insights) Has(insightKey string) bool {
	_, ok := in[insightKey]
	return ok
}

// Analysis is one ticker analysis run
type Analysis struct {
	ID                 uuid.UUID
	Ticker             string
	UserID             string
	Status             Status
	Decision           Decision
	Confidence         int
	Insights           Insights
	Steps              WorkflowSteps
	Context            *Context
	RebalanceRequestID *uuid.UUID
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        *time.Time
}

// IsRebalance reports whether this run belongs to a parent rebalance batch
func (a *Analysis) IsRebalance() bool {
	if a.RebalanceRequestID != nil {
		return true
	}
	return a.Context != nil && a.Context.Type == ContextRebalance
}
