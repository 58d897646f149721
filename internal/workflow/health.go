package workflow

import (
	"fmt"

	"argus/internal/domain/analysis"
)

// ErrorType is the agent-reported failure taxonomy carried in callbacks
type ErrorType string

const (
	ErrorRateLimit ErrorType = "rate_limit"
	ErrorAPIKey    ErrorType = "api_key"
	ErrorAI        ErrorType = "ai_error"
	ErrorDataFetch ErrorType = "data_fetch"
	ErrorOther     ErrorType = "other"
)

// ErrorCategory classifies the severity of a single agent failure
type ErrorCategory struct {
	IsCritical         bool
	IsRetryable        bool
	ShouldStopPhase    bool
	ShouldStopWorkflow bool
}

// CategorizeAgentError applies the fixed severity table.
//
// Trader, risk manager and the standalone portfolio manager are always
// critical. Bull/bear researchers and the research manager are important but
// never workflow-fatal on their own (the debate rules decide their fate).
// An api_key error is workflow-fatal regardless of agent; rate_limit is
// retryable and never phase-fatal; data_fetch is non-retryable specifically
// for critical agents.
func CategorizeAgentError(id AgentID, errorType ErrorType) ErrorCategory {
	info, ok := Lookup(id)
	critical := ok && info.Critical

	switch errorType {
	case ErrorAPIKey:
		return ErrorCategory{
			IsCritical:         true,
			IsRetryable:        false,
			ShouldStopPhase:    true,
			ShouldStopWorkflow: true,
		}
	case ErrorRateLimit:
		return ErrorCategory{
			IsCritical:         critical,
			IsRetryable:        true,
			ShouldStopPhase:    false,
			ShouldStopWorkflow: false,
		}
	case ErrorDataFetch:
		return ErrorCategory{
			IsCritical:         critical,
			IsRetryable:        !critical,
			ShouldStopPhase:    critical,
			ShouldStopWorkflow: critical,
		}
	default:
		return ErrorCategory{
			IsCritical:         critical,
			IsRetryable:        !critical,
			ShouldStopPhase:    critical,
			ShouldStopWorkflow: critical,
		}
	}
}

// PhaseHealth is the computed readiness verdict for advancing past a phase
type PhaseHealth struct {
	Phase            PhaseID
	TotalAgents      int
	Completed        int // finished either way
	Successful       int
	Failed           int
	Running          int
	Pending          int
	CriticalFailures []AgentID
	CanProceed       bool
	Reason           string
}

func tallyPhase(rec *analysis.Analysis, p Phase) PhaseHealth {
	h := PhaseHealth{Phase: p.ID}
	for _, info := range Agents(p.AllAgents()) {
		h.TotalAgents++
		step := rec.Steps.Agent(string(p.ID), info.FunctionName)
		status := analysis.StepPending
		if step != nil {
			status = step.Status
		}
		switch status {
		case analysis.StepCompleted:
			h.Completed++
			h.Successful++
		case analysis.StepError:
			h.Completed++
			h.Failed++
			if info.Critical {
				h.CriticalFailures = append(h.CriticalFailures, info.ID)
			}
		case analysis.StepRunning:
			h.Running++
		default:
			h.Pending++
		}
	}
	return h
}

func stepStatus(rec *analysis.Analysis, phase PhaseID, id AgentID) analysis.StepStatus {
	info := MustLookup(id)
	step := rec.Steps.Agent(string(phase), info.FunctionName)
	if step == nil {
		return analysis.StepPending
	}
	return step.Status
}

// minAnalysisSuccesses returns the success threshold for the analysis phase
func minAnalysisSuccesses(total, configured int) int {
	if configured < total {
		return configured
	}
	return total
}

// CheckPhaseHealth evaluates whether a phase is healthy enough to advance.
// Readiness rules are per phase, not a single generic threshold.
func CheckPhaseHealth(rec *analysis.Analysis, phaseID PhaseID, minAnalysisAgents int) (PhaseHealth, error) {
	p, err := GetPhase(phaseID)
	if err != nil {
		return PhaseHealth{}, err
	}
	h := tallyPhase(rec, p)

	switch p.ID {
	case PhaseAnalysis:
		need := minAnalysisSuccesses(h.TotalAgents, minAnalysisAgents)
		if h.Pending > 0 || h.Running > 0 {
			h.Reason = fmt.Sprintf("%d agents still in flight", h.Pending+h.Running)
		} else if h.Successful < need {
			h.Reason = fmt.Sprintf("only %d/%d analysts succeeded, need %d", h.Successful, h.TotalAgents, need)
		} else {
			h.CanProceed = true
		}

	case PhaseResearch:
		// The debate loop already gated entry into the research manager, so
		// a completed or running manager means the phase is viable. A failed
		// manager is non-fatal: proceed with whatever debate content exists.
		switch stepStatus(rec, p.ID, AgentResearchManager) {
		case analysis.StepCompleted, analysis.StepRunning:
			h.CanProceed = true
		case analysis.StepError:
			h.CanProceed = true
			h.Reason = "research manager failed, proceeding with debate content"
		default:
			if h.Running == 0 {
				h.CanProceed = true
			} else {
				h.Reason = fmt.Sprintf("%d researchers still running", h.Running)
			}
		}

	case PhaseTrading:
		if h.Failed > 0 {
			h.Reason = "trading phase tolerates no failures"
		} else {
			h.CanProceed = true
		}

	case PhaseRisk:
		if stepStatus(rec, p.ID, AgentRiskManager) == analysis.StepError {
			h.Reason = "risk manager failed"
			break
		}
		// The risk manager can synthesize from partial analyst input
		analystSuccesses := 0
		for _, id := range p.Agents {
			if stepStatus(rec, p.ID, id) == analysis.StepCompleted {
				analystSuccesses++
			}
		}
		if h.Running > 0 {
			h.Reason = fmt.Sprintf("%d agents still running", h.Running)
		} else if analystSuccesses < 1 {
			h.Reason = "no risk analyst succeeded"
		} else {
			h.CanProceed = true
		}

	case PhasePortfolio:
		if stepStatus(rec, p.ID, AgentPortfolioManager) == analysis.StepCompleted {
			h.CanProceed = true
		} else {
			h.Reason = "portfolio manager has not completed"
		}
	}

	return h, nil
}

// PostErrorVerdict is the fast-path verdict computed right after a single
// agent error, before the phase is otherwise re-evaluated
type PostErrorVerdict struct {
	ShouldAbort bool
	Reason      string
}

// EvaluatePostErrorPhaseHealth decides whether the phase is already doomed
// after one agent error, without waiting for remaining agents.
func EvaluatePostErrorPhaseHealth(rec *analysis.Analysis, phaseID PhaseID, minAnalysisAgents int) (PostErrorVerdict, error) {
	p, err := GetPhase(phaseID)
	if err != nil {
		return PostErrorVerdict{}, err
	}
	h := tallyPhase(rec, p)

	switch p.ID {
	case PhaseAnalysis:
		// Abort immediately once the maximum achievable successes can no
		// longer reach the threshold.
		need := minAnalysisSuccesses(h.TotalAgents, minAnalysisAgents)
		achievable := h.Successful + h.Pending + h.Running
		if achievable < need {
			return PostErrorVerdict{
				ShouldAbort: true,
				Reason:      fmt.Sprintf("at most %d analysts can succeed, need %d", achievable, need),
			}, nil
		}

	case PhaseTrading:
		if h.Failed > 0 {
			return PostErrorVerdict{ShouldAbort: true, Reason: "trader failed"}, nil
		}

	case PhaseRisk:
		if stepStatus(rec, p.ID, AgentRiskManager) == analysis.StepError {
			return PostErrorVerdict{ShouldAbort: true, Reason: "risk manager failed"}, nil
		}
		// All analysts down means the manager has nothing to synthesize from
		analystFailures := 0
		for _, id := range p.Agents {
			if stepStatus(rec, p.ID, id) == analysis.StepError {
				analystFailures++
			}
		}
		if analystFailures == len(p.Agents) {
			return PostErrorVerdict{ShouldAbort: true, Reason: "all risk analysts failed"}, nil
		}

	case PhasePortfolio:
		if stepStatus(rec, p.ID, AgentPortfolioManager) == analysis.StepError {
			return PostErrorVerdict{ShouldAbort: true, Reason: "portfolio manager failed"}, nil
		}

	case PhaseResearch:
		// Research failures route through the debate rules, never here
	}

	return PostErrorVerdict{}, nil
}
