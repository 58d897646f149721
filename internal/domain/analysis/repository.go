package analysis

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines the persistence contract for analysis records.
//
// The coordinator and its handlers are stateless per call; every piece of
// cross-call state lives here. The update primitives are deliberately narrow:
// guarded status transitions and merge-style JSON updates stand in for locks,
// so duplicate or out-of-order callbacks resolve through preconditions
// instead of in-process mutual exclusion.
type Repository interface {
	Create(ctx context.Context, a *Analysis) error
	Get(ctx context.Context, id uuid.UUID) (*Analysis, error)

	// ListActive returns Pending/Running records for a (user, ticker) pair,
	// oldest first. Used to supersede duplicates on start.
	ListActive(ctx context.Context, userID, ticker string) ([]*Analysis, error)

	// ListStaleRunning returns Running records whose last update is older
	// than staleAfter but newer than lookback. Feed for the reactivation
	// worker.
	ListStaleRunning(ctx context.Context, staleAfter, lookback time.Duration) ([]*Analysis, error)

	// UpdateStatusIf atomically sets the status when the current value is in
	// allowedFrom. Returns false without error when the precondition failed.
	// This is the optimistic-concurrency guard for every status write.
	UpdateStatusIf(ctx context.Context, id uuid.UUID, to Status, allowedFrom ...Status) (bool, error)

	// SetCompleted force-writes completed status with the final decision,
	// refusing only when the record is already Cancelled.
	SetCompleted(ctx context.Context, id uuid.UUID, decision Decision, confidence int) error

	// SetError writes error status with decision/confidence, refusing only
	// when the record is already Cancelled. Callers go through the
	// coordinator's error funnel, never here directly.
	SetError(ctx context.Context, id uuid.UUID, decision Decision, confidence int) error

	// MergeInsights appends keys into the insights JSON without clobbering
	// sibling keys (jsonb concatenation, not full-document replace).
	MergeInsights(ctx context.Context, id uuid.UUID, patch Insights) error

	// SaveContext persists the merged analysis context
	SaveContext(ctx context.Context, id uuid.UUID, c *Context) error

	// SetWorkflowSteps replaces the whole steps structure (initialization
	// and phase re-initialization only)
	SetWorkflowSteps(ctx context.Context, id uuid.UUID, steps WorkflowSteps) error

	// UpdateAgentStep updates one agent's status inside the nested workflow
	// steps structure and returns the previous status, atomically.
	UpdateAgentStep(ctx context.Context, id uuid.UUID, phase, functionName string, status StepStatus, progress int) (StepStatus, error)
}
