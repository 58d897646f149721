package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	info, ok := Lookup(AgentTrader)
	require.True(t, ok)
	assert.Equal(t, "agent-trader", info.FunctionName)
	assert.Equal(t, "trader", info.InsightKey)
	assert.Equal(t, PhaseTrading, info.Phase)
	assert.True(t, info.Critical)

	_, ok = Lookup(AgentID("ghost"))
	assert.False(t, ok)
}

func TestMustLookup_PanicsOnUnknown(t *testing.T) {
	assert.Panics(t, func() { MustLookup(AgentID("ghost")) })
}

func TestResolve(t *testing.T) {
	byID, err := Resolve("risk-manager")
	require.NoError(t, err)
	assert.Equal(t, AgentRiskManager, byID.ID)

	byFunction, err := Resolve("agent-risk-manager")
	require.NoError(t, err)
	assert.Equal(t, AgentRiskManager, byFunction.ID)

	byDisplay, err := Resolve("Risk Manager")
	require.NoError(t, err)
	assert.Equal(t, AgentRiskManager, byDisplay.ID)

	_, err = Resolve("nobody")
	assert.Error(t, err)
}

func TestCriticalityFlags(t *testing.T) {
	critical := map[AgentID]bool{}
	important := map[AgentID]bool{}
	for _, p := range Phases() {
		for _, info := range Agents(p.AllAgents()) {
			critical[info.ID] = info.Critical
			important[info.ID] = info.Important
		}
	}

	assert.True(t, critical[AgentTrader])
	assert.True(t, critical[AgentRiskManager])
	assert.True(t, critical[AgentPortfolioManager])
	assert.False(t, critical[AgentBullResearcher], "researchers route through debate rules instead")

	assert.True(t, important[AgentBullResearcher])
	assert.True(t, important[AgentBearResearcher])
	assert.True(t, important[AgentResearchManager])
	assert.False(t, important[AgentMacroAnalyst])
}

func TestEveryAgentBelongsToExactlyOnePhase(t *testing.T) {
	seen := map[AgentID]int{}
	for _, p := range Phases() {
		for _, id := range p.AllAgents() {
			seen[id]++
			info := MustLookup(id)
			assert.Equal(t, p.ID, info.Phase, "agent %s phase mismatch", id)
		}
	}
	assert.Len(t, seen, 14)
	for id, n := range seen {
		assert.Equal(t, 1, n, "agent %s appears in %d phases", id, n)
	}
}
