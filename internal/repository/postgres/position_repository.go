package postgres

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"argus/internal/domain/position"
	"argus/pkg/errors"
)

// Compile-time check
var _ position.Repository = (*PositionRepository)(nil)

// PositionRepository reads holdings written by the trade-execution layer
type PositionRepository struct {
	db *sqlx.DB
}

// NewPositionRepository creates a new position repository
func NewPositionRepository(db *sqlx.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

type positionRow struct {
	Ticker       string          `db:"ticker"`
	Quantity     decimal.Decimal `db:"quantity"`
	AvgCost      decimal.Decimal `db:"avg_cost"`
	MarketValue  decimal.Decimal `db:"market_value"`
	UnrealizedPL decimal.Decimal `db:"unrealized_pl"`
}

func (r positionRow) toDomain() position.Snapshot {
	return position.Snapshot{
		Ticker:       r.Ticker,
		Quantity:     r.Quantity,
		AvgCost:      r.AvgCost,
		MarketValue:  r.MarketValue,
		UnrealizedPL: r.UnrealizedPL,
	}
}

// GetSnapshot returns the user's position in one ticker. A user with no
// position gets a zero-quantity snapshot, not an error.
func (r *PositionRepository) GetSnapshot(ctx context.Context, userID, ticker string) (*position.Snapshot, error) {
	var row positionRow

	query := `
		SELECT ticker, quantity, avg_cost, market_value, unrealized_pl
		FROM positions
		WHERE user_id = $1 AND ticker = $2`

	err := r.db.GetContext(ctx, &row, query, userID, ticker)
	if err == sql.ErrNoRows {
		return &position.Snapshot{Ticker: ticker}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get position snapshot")
	}

	snap := row.toDomain()
	return &snap, nil
}

// GetPortfolio returns the full account snapshot
func (r *PositionRepository) GetPortfolio(ctx context.Context, userID string) (*position.PortfolioSnapshot, error) {
	var cash decimal.Decimal
	err := r.db.GetContext(ctx, &cash, `SELECT cash FROM accounts WHERE user_id = $1`, userID)
	if err == sql.ErrNoRows {
		cash = decimal.Zero
	} else if err != nil {
		return nil, errors.Wrap(err, "get account cash")
	}

	var rows []positionRow
	query := `
		SELECT ticker, quantity, avg_cost, market_value, unrealized_pl
		FROM positions
		WHERE user_id = $1 AND quantity > 0
		ORDER BY ticker`

	if err := r.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, errors.Wrap(err, "list positions")
	}

	portfolio := &position.PortfolioSnapshot{Cash: cash, TotalValue: cash}
	for _, row := range rows {
		snap := row.toDomain()
		portfolio.Positions = append(portfolio.Positions, snap)
		portfolio.TotalValue = portfolio.TotalValue.Add(snap.MarketValue)
	}
	return portfolio, nil
}
