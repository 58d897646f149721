package workflow

import (
	"argus/internal/domain/analysis"
	"argus/pkg/errors"
)

// PhaseID identifies one of the five workflow phases
type PhaseID string

const (
	PhaseAnalysis  PhaseID = "analysis"
	PhaseResearch  PhaseID = "research"
	PhaseTrading   PhaseID = "trading"
	PhaseRisk      PhaseID = "risk"
	PhasePortfolio PhaseID = "portfolio"
)

// Phase is the static descriptor for one phase: its ordered agent list, an
// optional final aggregator invoked after all others complete, and the next
// phase in sequence.
type Phase struct {
	ID         PhaseID
	Agents     []AgentID
	FinalAgent AgentID // zero value means no aggregator
	Next       PhaseID // zero value means last phase
}

var phaseOrder = []Phase{
	{
		ID: PhaseAnalysis,
		Agents: []AgentID{
			AgentMacroAnalyst,
			AgentMarketAnalyst,
			AgentNewsAnalyst,
			AgentSocialAnalyst,
			AgentFundamentalsAnalyst,
		},
		Next: PhaseResearch,
	},
	{
		ID:         PhaseResearch,
		Agents:     []AgentID{AgentBullResearcher, AgentBearResearcher},
		FinalAgent: AgentResearchManager,
		Next:       PhaseTrading,
	},
	{
		ID:     PhaseTrading,
		Agents: []AgentID{AgentTrader},
		Next:   PhaseRisk,
	},
	{
		ID:         PhaseRisk,
		Agents:     []AgentID{AgentRiskyAnalyst, AgentSafeAnalyst, AgentNeutralAnalyst},
		FinalAgent: AgentRiskManager,
		Next:       PhasePortfolio,
	},
	{
		ID:     PhasePortfolio,
		Agents: []AgentID{AgentPortfolioManager},
	},
}

var phaseByID = func() map[PhaseID]Phase {
	m := make(map[PhaseID]Phase, len(phaseOrder))
	for _, p := range phaseOrder {
		m[p.ID] = p
	}
	return m
}()

// GetPhase resolves a phase descriptor by id
func GetPhase(id PhaseID) (Phase, error) {
	p, ok := phaseByID[id]
	if !ok {
		return Phase{}, errors.Wrapf(errors.ErrUnknownPhase, "%q", id)
	}
	return p, nil
}

// FirstPhase returns the entry phase of the workflow
func FirstPhase() Phase {
	return phaseOrder[0]
}

// Phases returns all phases in workflow order
func Phases() []Phase {
	return phaseOrder
}

// AllAgents returns the phase's agents including the final aggregator
func (p Phase) AllAgents() []AgentID {
	if p.FinalAgent == "" {
		return p.Agents
	}
	out := make([]AgentID, 0, len(p.Agents)+1)
	out = append(out, p.Agents...)
	return append(out, p.FinalAgent)
}

// HasAgent reports whether the agent belongs to the phase (final included)
func (p Phase) HasAgent(id AgentID) bool {
	for _, a := range p.AllAgents() {
		if a == id {
			return true
		}
	}
	return false
}

// NextAgent is the pure next-in-order lookup within the phase's agent list.
// Returns false when the completed agent was last (the final aggregator is
// not part of the chain; phase completion handles it).
func (p Phase) NextAgent(completed AgentID) (AgentID, bool) {
	for i, a := range p.Agents {
		if a == completed {
			if i+1 < len(p.Agents) {
				return p.Agents[i+1], true
			}
			return "", false
		}
	}
	return "", false
}

// InitialSteps builds the persisted workflow steps structure for a fresh run.
// Every configured agent starts pending.
func InitialSteps() analysis.WorkflowSteps {
	steps := make(analysis.WorkflowSteps, 0, len(phaseOrder))
	for _, p := range phaseOrder {
		ps := analysis.PhaseSteps{Phase: string(p.ID)}
		for _, info := range Agents(p.AllAgents()) {
			ps.Agents = append(ps.Agents, analysis.AgentStep{
				Name:         info.DisplayName,
				FunctionName: info.FunctionName,
				Status:       analysis.StepPending,
			})
		}
		steps = append(steps, ps)
	}
	return steps
}

// PhaseSteps rebuilds the pending steps entry for a single phase.
// Used when a phase must be re-initialized rather than silently skipped.
func PhaseInitialSteps(id PhaseID) (analysis.PhaseSteps, error) {
	p, err := GetPhase(id)
	if err != nil {
		return analysis.PhaseSteps{}, err
	}
	ps := analysis.PhaseSteps{Phase: string(p.ID)}
	for _, info := range Agents(p.AllAgents()) {
		ps.Agents = append(ps.Agents, analysis.AgentStep{
			Name:         info.DisplayName,
			FunctionName: info.FunctionName,
			Status:       analysis.StepPending,
		})
	}
	return ps, nil
}
