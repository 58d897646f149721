package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"argus/internal/domain/analysis"
	"argus/pkg/errors"
)

// Compile-time check
var _ analysis.Repository = (*AnalysisRepository)(nil)

// AnalysisRepository implements analysis.Repository using sqlx.
// Insights, steps and context live in jsonb columns; step updates run in a
// transaction with a row lock so concurrent callbacks serialize.
type AnalysisRepository struct {
	db *sqlx.DB
}

// NewAnalysisRepository creates a new analysis repository
func NewAnalysisRepository(db *sqlx.DB) *AnalysisRepository {
	return &AnalysisRepository{db: db}
}

type analysisRow struct {
	ID                 uuid.UUID       `db:"id"`
	Ticker             string          `db:"ticker"`
	UserID             string          `db:"user_id"`
	Status             string          `db:"status"`
	Decision           string          `db:"decision"`
	Confidence         int             `db:"confidence"`
	Insights           json.RawMessage `db:"insights"`
	Steps              json.RawMessage `db:"steps"`
	Context            json.RawMessage `db:"context"`
	RebalanceRequestID *uuid.UUID      `db:"rebalance_request_id"`
	CreatedAt          time.Time       `db:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at"`
	CompletedAt        *time.Time      `db:"completed_at"`
}

func (r analysisRow) toDomain() (*analysis.Analysis, error) {
	a := &analysis.Analysis{
		ID:                 r.ID,
		Ticker:             r.Ticker,
		UserID:             r.UserID,
		Status:             analysis.Status(r.Status),
		Decision:           analysis.Decision(r.Decision),
		Confidence:         r.Confidence,
		RebalanceRequestID: r.RebalanceRequestID,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
		CompletedAt:        r.CompletedAt,
	}
	if len(r.Insights) > 0 {
		if err := json.Unmarshal(r.Insights, &a.Insights); err != nil {
			return nil, errors.Wrap(err, "decode insights")
		}
	}
	if len(r.Steps) > 0 {
		if err := json.Unmarshal(r.Steps, &a.Steps); err != nil {
			return nil, errors.Wrap(err, "decode workflow steps")
		}
	}
	if len(r.Context) > 0 {
		if err := json.Unmarshal(r.Context, &a.Context); err != nil {
			return nil, errors.Wrap(err, "decode analysis context")
		}
	}
	return a, nil
}

// Create inserts a new analysis record
func (r *AnalysisRepository) Create(ctx context.Context, a *analysis.Analysis) error {
	insights, err := json.Marshal(a.Insights)
	if err != nil {
		return errors.Wrap(err, "encode insights")
	}
	steps, err := json.Marshal(a.Steps)
	if err != nil {
		return errors.Wrap(err, "encode workflow steps")
	}
	contextJSON, err := json.Marshal(a.Context)
	if err != nil {
		return errors.Wrap(err, "encode analysis context")
	}

	query := `
		INSERT INTO analyses (
			id, ticker, user_id, status, decision, confidence,
			insights, steps, context, rebalance_request_id,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW()
		)`

	_, err = r.db.ExecContext(ctx, query,
		a.ID, a.Ticker, a.UserID, a.Status, a.Decision, a.Confidence,
		insights, steps, contextJSON, a.RebalanceRequestID,
	)
	if err != nil {
		return errors.Wrap(err, "create analysis")
	}
	return nil
}

// Get retrieves an analysis by ID
func (r *AnalysisRepository) Get(ctx context.Context, id uuid.UUID) (*analysis.Analysis, error) {
	var row analysisRow

	query := `SELECT * FROM analyses WHERE id = $1`

	err := r.db.GetContext(ctx, &row, query, id)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "analysis %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get analysis")
	}
	return row.toDomain()
}

// ListActive returns Pending/Running records for the (user, ticker) pair,
// oldest first
func (r *AnalysisRepository) ListActive(ctx context.Context, userID, ticker string) ([]*analysis.Analysis, error) {
	var rows []analysisRow

	query := `
		SELECT * FROM analyses
		WHERE user_id = $1 AND ticker = $2 AND status = ANY($3)
		ORDER BY created_at ASC`

	err := r.db.SelectContext(ctx, &rows, query, userID, ticker,
		pq.Array([]string{string(analysis.StatusPending), string(analysis.StatusRunning)}))
	if err != nil {
		return nil, errors.Wrap(err, "list active analyses")
	}
	return rowsToDomain(rows)
}

// ListStaleRunning returns Running records whose last update falls inside
// the (lookback, staleAfter] window
func (r *AnalysisRepository) ListStaleRunning(ctx context.Context, staleAfter, lookback time.Duration) ([]*analysis.Analysis, error) {
	var rows []analysisRow

	query := `
		SELECT * FROM analyses
		WHERE status = $1
		  AND updated_at < NOW() - make_interval(secs => $2)
		  AND updated_at > NOW() - make_interval(secs => $3)
		ORDER BY updated_at ASC`

	err := r.db.SelectContext(ctx, &rows, query,
		analysis.StatusRunning, staleAfter.Seconds(), lookback.Seconds())
	if err != nil {
		return nil, errors.Wrap(err, "list stale analyses")
	}
	return rowsToDomain(rows)
}

func rowsToDomain(rows []analysisRow) ([]*analysis.Analysis, error) {
	out := make([]*analysis.Analysis, 0, len(rows))
	for _, row := range rows {
		a, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// UpdateStatusIf atomically sets the status when the current value is in
// allowedFrom. Returns false without error when the precondition failed.
func (r *AnalysisRepository) UpdateStatusIf(ctx context.Context, id uuid.UUID, to analysis.Status, allowedFrom ...analysis.Status) (bool, error) {
	from := make([]string, len(allowedFrom))
	for i, s := range allowedFrom {
		from[i] = string(s)
	}

	query := `
		UPDATE analyses
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)`

	res, err := r.db.ExecContext(ctx, query, id, to, pq.Array(from))
	if err != nil {
		return false, errors.Wrap(err, "update analysis status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "get rows affected")
	}
	return n > 0, nil
}

// SetCompleted force-writes completed status with the final decision.
// Cancelled records are never overwritten.
func (r *AnalysisRepository) SetCompleted(ctx context.Context, id uuid.UUID, decision analysis.Decision, confidence int) error {
	return r.setTerminal(ctx, id, analysis.StatusCompleted, decision, confidence)
}

// SetError writes error status with decision/confidence preserved by the
// caller. Cancelled records are never overwritten.
func (r *AnalysisRepository) SetError(ctx context.Context, id uuid.UUID, decision analysis.Decision, confidence int) error {
	return r.setTerminal(ctx, id, analysis.StatusError, decision, confidence)
}

func (r *AnalysisRepository) setTerminal(ctx context.Context, id uuid.UUID, status analysis.Status, decision analysis.Decision, confidence int) error {
	query := `
		UPDATE analyses
		SET status = $2, decision = $3, confidence = $4,
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status != $5`

	res, err := r.db.ExecContext(ctx, query, id, status, decision, confidence, analysis.StatusCancelled)
	if err != nil {
		return errors.Wrapf(err, "set analysis %s", status)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "get rows affected")
	}
	if n == 0 {
		var current string
		if err := r.db.GetContext(ctx, &current, `SELECT status FROM analyses WHERE id = $1`, id); err != nil {
			if err == sql.ErrNoRows {
				return errors.Wrapf(errors.ErrNotFound, "analysis %s", id)
			}
			return errors.Wrap(err, "check analysis status")
		}
		if current == string(analysis.StatusCancelled) {
			return errors.Wrapf(errors.ErrAnalysisCancelled, "analysis %s", id)
		}
		return errors.Wrapf(errors.ErrStatusConflict, "analysis %s -> %s", id, status)
	}
	return nil
}

// MergeInsights concatenates the patch into the insights jsonb without
// touching sibling keys
func (r *AnalysisRepository) MergeInsights(ctx context.Context, id uuid.UUID, patch analysis.Insights) error {
	if len(patch) == 0 {
		return nil
	}
	encoded, err := json.Marshal(patch)
	if err != nil {
		return errors.Wrap(err, "encode insights patch")
	}

	query := `
		UPDATE analyses
		SET insights = COALESCE(insights, '{}'::jsonb) || $2::jsonb,
		    updated_at = NOW()
		WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id, encoded)
	if err != nil {
		return errors.Wrap(err, "merge insights")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "analysis %s", id)
	}
	return nil
}

// SaveContext persists the merged analysis context
func (r *AnalysisRepository) SaveContext(ctx context.Context, id uuid.UUID, c *analysis.Context) error {
	encoded, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encode analysis context")
	}

	query := `UPDATE analyses SET context = $2, updated_at = NOW() WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id, encoded)
	if err != nil {
		return errors.Wrap(err, "save analysis context")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "analysis %s", id)
	}
	return nil
}

// SetWorkflowSteps replaces the whole steps structure
func (r *AnalysisRepository) SetWorkflowSteps(ctx context.Context, id uuid.UUID, steps analysis.WorkflowSteps) error {
	encoded, err := json.Marshal(steps)
	if err != nil {
		return errors.Wrap(err, "encode workflow steps")
	}

	query := `UPDATE analyses SET steps = $2, updated_at = NOW() WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id, encoded)
	if err != nil {
		return errors.Wrap(err, "set workflow steps")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "analysis %s", id)
	}
	return nil
}

// UpdateAgentStep updates one agent's status inside the nested steps
// structure. SELECT ... FOR UPDATE serializes concurrent callbacks touching
// the same record, which is what makes the returned previous status a
// reliable duplicate-callback guard.
func (r *AnalysisRepository) UpdateAgentStep(ctx context.Context, id uuid.UUID, phase, functionName string, status analysis.StepStatus, progress int) (analysis.StepStatus, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", errors.Wrap(err, "begin step update")
	}
	defer tx.Rollback() //nolint:errcheck

	var raw json.RawMessage
	err = tx.GetContext(ctx, &raw, `SELECT steps FROM analyses WHERE id = $1 FOR UPDATE`, id)
	if err == sql.ErrNoRows {
		return "", errors.Wrapf(errors.ErrNotFound, "analysis %s", id)
	}
	if err != nil {
		return "", errors.Wrap(err, "lock analysis steps")
	}

	var steps analysis.WorkflowSteps
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &steps); err != nil {
			return "", errors.Wrap(err, "decode workflow steps")
		}
	}

	prev, found := steps.SetAgentStatus(phase, functionName, status, progress)
	if !found {
		return "", errors.Wrapf(errors.ErrUnknownAgent, "%s/%s in analysis %s", phase, functionName, id)
	}

	encoded, err := json.Marshal(steps)
	if err != nil {
		return "", errors.Wrap(err, "encode workflow steps")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE analyses SET steps = $2, updated_at = NOW() WHERE id = $1`, id, encoded); err != nil {
		return "", errors.Wrap(err, "write workflow steps")
	}
	if err := tx.Commit(); err != nil {
		return "", errors.Wrap(err, "commit step update")
	}
	return prev, nil
}
