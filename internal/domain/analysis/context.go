package analysis

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"argus/internal/domain/position"
)

// ContextType discriminates the caller that started the analysis
type ContextType string

const (
	ContextIndividual ContextType = "individual"
	ContextRebalance  ContextType = "rebalance"
)

// APISettings selects the AI provider/model for every agent in a run.
// Resolved once per request and passed by value; handlers never look this up
// from ambient state mid-flight.
type APISettings struct {
	Provider        string `json:"provider"`
	Model           string `json:"model"`
	MaxDebateRounds int    `json:"maxDebateRounds,omitempty"`
}

// RebalanceConstraints carries the batch caller's sizing parameters
type RebalanceConstraints struct {
	MaxPositionSize decimal.Decimal `json:"maxPositionSize"`
	MinPositionSize decimal.Decimal `json:"minPositionSize"`
	TaxStrategy     string          `json:"taxStrategy,omitempty"`
}

// DebateRound records which debate roles have produced content for one round.
// A round counts as complete only when both flags are set.
type DebateRound struct {
	Bull bool `json:"bull"`
	Bear bool `json:"bear"`
}

// DebateState is the research phase's round counter and history
type DebateState struct {
	CurrentRound int           `json:"currentRound"`
	MaxRounds    int           `json:"maxRounds"`
	Rounds       []DebateRound `json:"rounds"`
}

// CompletedRounds counts rounds where both bull and bear produced content
func (d *DebateState) CompletedRounds() int {
	if d == nil {
		return 0
	}
	n := 0
	for _, r := range d.Rounds {
		if r.Bull && r.Bear {
			n++
		}
	}
	return n
}

// MarkRole flags a role as done for the given 1-based round, growing the
// history as needed
func (d *DebateState) MarkRole(round int, bull bool) {
	if round < 1 {
		return
	}
	for len(d.Rounds) < round {
		d.Rounds = append(d.Rounds, DebateRound{})
	}
	if bull {
		d.Rounds[round-1].Bull = true
	} else {
		d.Rounds[round-1].Bear = true
	}
}

// Context is the cross-cutting analysis context threaded through every agent
// invocation. It is reloaded from storage and re-merged at every phase
// transition because each agent call is a separate remote invocation.
type Context struct {
	Type               ContextType                 `json:"type"`
	APISettings        APISettings                 `json:"apiSettings,omitzero"`
	RebalanceRequestID *uuid.UUID                  `json:"rebalanceRequestId,omitempty"`
	TickerIndex        int                         `json:"tickerIndex,omitempty"`
	TotalTickers       int                         `json:"totalTickers,omitempty"`
	Position           *position.Snapshot          `json:"position,omitempty"`
	Portfolio          *position.PortfolioSnapshot `json:"portfolio,omitempty"`
	Constraints        *RebalanceConstraints       `json:"constraints,omitempty"`
	Debate             *DebateState                `json:"debate,omitempty"`
}

// IsRebalance reports whether the context belongs to a batch member
func (c *Context) IsRebalance() bool {
	return c != nil && c.Type == ContextRebalance
}

// Merge overlays fresh fields onto the receiver without clobbering values the
// fresh context does not carry. Used when reconstructing context on retry:
// the persisted copy keeps debate counters and batch linkage while position
// data is refreshed.
func (c *Context) Merge(fresh *Context) *Context {
	if c == nil {
		return fresh
	}
	if fresh == nil {
		return c
	}

	merged := *c
	if fresh.Type != "" {
		merged.Type = fresh.Type
	}
	if fresh.APISettings != (APISettings{}) {
		merged.APISettings = fresh.APISettings
	}
	if fresh.RebalanceRequestID != nil {
		merged.RebalanceRequestID = fresh.RebalanceRequestID
	}
	if fresh.TotalTickers > 0 {
		merged.TickerIndex = fresh.TickerIndex
		merged.TotalTickers = fresh.TotalTickers
	}
	if fresh.Position != nil {
		merged.Position = fresh.Position
	}
	if fresh.Portfolio != nil {
		merged.Portfolio = fresh.Portfolio
	}
	if fresh.Constraints != nil {
		merged.Constraints = fresh.Constraints
	}
	if fresh.Debate != nil {
		merged.Debate = fresh.Debate
	}
	return &merged
}
