package position

import (
	"context"
)

// Repository provides read access to the user's holdings.
// Positions are written by the trade-execution layer, which is outside this
// service; the coordinator only snapshots them into the analysis context.
type Repository interface {
	// GetSnapshot returns the user's position in a single ticker.
	// A user with no position gets a zero-quantity snapshot, not an error.
	GetSnapshot(ctx context.Context, userID, ticker string) (*Snapshot, error)

	// GetPortfolio returns the full account snapshot
	GetPortfolio(ctx context.Context, userID string) (*PortfolioSnapshot, error)
}
