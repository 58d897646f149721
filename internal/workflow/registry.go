package workflow

import (
	"argus/pkg/errors"
)

// AgentID is the canonical identifier for an analysis agent. All lookups go
// through the registry below; free-form string matching against display names
// is deliberately not supported.
type AgentID string

const (
	// Analysis phase
	AgentMacroAnalyst        AgentID = "macro-analyst"
	AgentMarketAnalyst       AgentID = "market-analyst"
	AgentNewsAnalyst         AgentID = "news-analyst"
	AgentSocialAnalyst       AgentID = "social-media-analyst"
	AgentFundamentalsAnalyst AgentID = "fundamentals-analyst"

	// Research phase
	AgentBullResearcher  AgentID = "bull-researcher"
	AgentBearResearcher  AgentID = "bear-researcher"
	AgentResearchManager AgentID = "research-manager"

	// Trading phase
	AgentTrader AgentID = "trader"

	// Risk phase
	AgentRiskyAnalyst   AgentID = "risky-analyst"
	AgentSafeAnalyst    AgentID = "safe-analyst"
	AgentNeutralAnalyst AgentID = "neutral-analyst"
	AgentRiskManager    AgentID = "risk-manager"

	// Portfolio phase (individual analyses only)
	AgentPortfolioManager AgentID = "analysis-portfolio-manager"
)

// AgentInfo is one row of the bidirectional agent lookup table
type AgentInfo struct {
	ID           AgentID
	DisplayName  string
	FunctionName string // remote worker function identifier
	InsightKey   string // key under agentInsights
	Phase        PhaseID

	// Critical agents are workflow-fatal when they fail permanently.
	// Important agents matter but never kill the whole workflow on their own.
	Critical  bool
	Important bool
}

var registry = []AgentInfo{
	{ID: AgentMacroAnalyst, DisplayName: "Macro Analyst", FunctionName: "agent-macro-analyst", InsightKey: "macroanalyst", Phase: PhaseAnalysis},
	{ID: AgentMarketAnalyst, DisplayName: "Market Analyst", FunctionName: "agent-market-analyst", InsightKey: "marketanalyst", Phase: PhaseAnalysis},
	{ID: AgentNewsAnalyst, DisplayName: "News Analyst", FunctionName: "agent-news-analyst", InsightKey: "newsanalyst", Phase: PhaseAnalysis},
	{ID: AgentSocialAnalyst, DisplayName: "Social Media Analyst", FunctionName: "agent-social-media-analyst", InsightKey: "socialmediaanalyst", Phase: PhaseAnalysis},
	{ID: AgentFundamentalsAnalyst, DisplayName: "Fundamentals Analyst", FunctionName: "agent-fundamentals-analyst", InsightKey: "fundamentalsanalyst", Phase: PhaseAnalysis},

	{ID: AgentBullResearcher, DisplayName: "Bull Researcher", FunctionName: "agent-bull-researcher", InsightKey: "bullresearcher", Phase: PhaseResearch, Important: true},
	{ID: AgentBearResearcher, DisplayName: "Bear Researcher", FunctionName: "agent-bear-researcher", InsightKey: "bearresearcher", Phase: PhaseResearch, Important: true},
	{ID: AgentResearchManager, DisplayName: "Research Manager", FunctionName: "agent-research-manager", InsightKey: "researchmanager", Phase: PhaseResearch, Important: true},

	{ID: AgentTrader, DisplayName: "Trader", FunctionName: "agent-trader", InsightKey: "trader", Phase: PhaseTrading, Critical: true},

	{ID: AgentRiskyAnalyst, DisplayName: "Risky Analyst", FunctionName: "agent-risky-analyst", InsightKey: "riskyanalyst", Phase: PhaseRisk},
	{ID: AgentSafeAnalyst, DisplayName: "Safe Analyst", FunctionName: "agent-safe-analyst", InsightKey: "safeanalyst", Phase: PhaseRisk},
	{ID: AgentNeutralAnalyst, DisplayName: "Neutral Analyst", FunctionName: "agent-neutral-analyst", InsightKey: "neutralanalyst", Phase: PhaseRisk},
	{ID: AgentRiskManager, DisplayName: "Risk Manager", FunctionName: "agent-risk-manager", InsightKey: "riskmanager", Phase: PhaseRisk, Critical: true},

	{ID: AgentPortfolioManager, DisplayName: "Portfolio Manager", FunctionName: "agent-portfolio-manager", InsightKey: "portfoliomanager", Phase: PhasePortfolio, Critical: true},
}

var (
	byID       = make(map[AgentID]AgentInfo, len(registry))
	byFunction = make(map[string]AgentInfo, len(registry))
	byDisplay  = make(map[string]AgentInfo, len(registry))
)

func init() {
	for _, a := range registry {
		byID[a.ID] = a
		byFunction[a.FunctionName] = a
		byDisplay[a.DisplayName] = a
	}
}

// Lookup resolves an agent by canonical id
func Lookup(id AgentID) (AgentInfo, bool) {
	a, ok := byID[id]
	return a, ok
}

// MustLookup resolves an agent by canonical id and panics on miss.
// Reserved for static configuration paths where a miss is a programming error.
func MustLookup(id AgentID) AgentInfo {
	a, ok := byID[id]
	if !ok {
		panic("workflow: unregistered agent " + string(id))
	}
	return a
}

// Resolve maps any identifier form (canonical id, worker function name, or
// display name) to the registry entry. Matching is exact.
func Resolve(name string) (AgentInfo, error) {
	if a, ok := byID[AgentID(name)]; ok {
		return a, nil
	}
	if a, ok := byFunction[name]; ok {
		return a, nil
	}
	if a, ok := byDisplay[name]; ok {
		return a, nil
	}
	return AgentInfo{}, errors.Wrapf(errors.ErrUnknownAgent, "%q", name)
}

// Agents returns registry entries for the given ids, in order
func Agents(ids []AgentID) []AgentInfo {
	out := make([]AgentInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, MustLookup(id))
	}
	return out
}
