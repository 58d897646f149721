package coordinator

import (
	"context"

	"argus/internal/domain/analysis"
	"argus/pkg/errors"
)

// BuildContext merges a seed context (possibly reconstructed from a
// previously persisted context on retry) with freshly fetched position and
// portfolio state, so every agent invocation carries consistent holdings
// data without re-querying.
func (c *Coordinator) BuildContext(ctx context.Context, userID, ticker string, seed *analysis.Context) (*analysis.Context, error) {
	fresh := &analysis.Context{Type: analysis.ContextIndividual}

	if c.positions != nil {
		snap, err := c.positions.GetSnapshot(ctx, userID, ticker)
		if err != nil {
			return nil, errors.Wrap(err, "fetch position snapshot")
		}
		fresh.Position = snap

		portfolio, err := c.positions.GetPortfolio(ctx, userID)
		if err != nil {
			return nil, errors.Wrap(err, "fetch portfolio snapshot")
		}
		fresh.Portfolio = portfolio
	}

	merged := seed.Merge(fresh)

	// Position data always wins from the fresh fetch; everything else the
	// seed carried (batch linkage, constraints, debate counters) survives.
	merged.Position = fresh.Position
	merged.Portfolio = fresh.Portfolio
	if seed != nil && seed.Type != "" {
		merged.Type = seed.Type
	}

	if merged.Debate == nil {
		merged.Debate = &analysis.DebateState{MaxRounds: c.cfg.MaxDebateRounds}
	}
	if merged.Debate.MaxRounds <= 0 {
		merged.Debate.MaxRounds = c.cfg.MaxDebateRounds
	}

	return merged, nil
}

// PersistContext writes the merged context back onto the record. The write
// merges at the JSON level through SaveContext so unrelated record fields are
// never clobbered, and repeating it with the same context is a no-op.
func (c *Coordinator) PersistContext(ctx context.Context, rec *analysis.Analysis, merged *analysis.Context) error {
	if merged == nil {
		return nil
	}
	if err := c.repo.SaveContext(ctx, rec.ID, merged); err != nil {
		return errors.Wrap(err, "persist analysis context")
	}
	rec.Context = merged
	return nil
}

// reloadContext re-derives the run context from storage, refreshing position
// state. Used at phase transitions and on recovery, because each agent call
// is a separate remote invocation and in-memory context does not survive.
func (c *Coordinator) reloadContext(ctx context.Context, rec *analysis.Analysis) (*analysis.Context, error) {
	merged, err := c.BuildContext(ctx, rec.UserID, rec.Ticker, rec.Context)
	if err != nil {
		return nil, err
	}
	if err := c.PersistContext(ctx, rec, merged); err != nil {
		return nil, err
	}
	return merged, nil
}
