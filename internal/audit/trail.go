package audit

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"

	pkgch "argus/pkg/clickhouse"
	"argus/pkg/logger"
)

// Transition is one workflow-step status change, recorded append-only for
// post-mortem debugging of failure scenarios
type Transition struct {
	AnalysisID uuid.UUID
	Ticker     string
	UserID     string
	Phase      string
	Agent      string
	FromStatus string
	ToStatus   string
	Detail     string
	OccurredAt time.Time
}

// Recorder accepts workflow transitions. Recording is best-effort and must
// never block or fail the workflow.
type Recorder interface {
	RecordTransition(ctx context.Context, t Transition)
}

// Trail persists transitions to ClickHouse through a batch writer
type Trail struct {
	writer *pkgch.BatchWriter
	log    *logger.Logger
}

const insertQuery = `
	INSERT INTO workflow_transitions
		(analysis_id, ticker, user_id, phase, agent, from_status, to_status, detail, occurred_at)
`

// NewTrail creates a ClickHouse-backed transition recorder
func NewTrail(conn driver.Conn) *Trail {
	t := &Trail{
		log: logger.Get().With("component", "audit_trail"),
	}

	t.writer = pkgch.NewBatchWriter(pkgch.BatchWriterConfig{
		TableName:    "workflow_transitions",
		MaxBatchSize: 200,
		MaxAge:       3 * time.Second,
		FlushFunc: func(ctx context.Context, items []interface{}) error {
			batch, err := conn.PrepareBatch(ctx, insertQuery)
			if err != nil {
				return err
			}
			for _, item := range items {
				tr := item.(Transition)
				if err := batch.Append(
					tr.AnalysisID.String(),
					tr.Ticker,
					tr.UserID,
					tr.Phase,
					tr.Agent,
					tr.FromStatus,
					tr.ToStatus,
					tr.Detail,
					tr.OccurredAt,
				); err != nil {
					return err
				}
			}
			return batch.Send()
		},
	})

	return t
}

// Start launches the background flush loop
func (t *Trail) Start(ctx context.Context) {
	t.writer.Start(ctx)
}

// Stop flushes and stops the writer
func (t *Trail) Stop(ctx context.Context) error {
	return t.writer.Stop(ctx)
}

// RecordTransition buffers one transition for batched insertion
func (t *Trail) RecordTransition(ctx context.Context, tr Transition) {
	if tr.OccurredAt.IsZero() {
		tr.OccurredAt = time.Now().UTC()
	}
	if err := t.writer.Add(ctx, tr); err != nil {
		t.log.Warnf("Failed to record transition for %s: %v", tr.AnalysisID, err)
	}
}

// Noop is a Recorder that discards transitions, used when the audit sink is
// disabled and in tests
type Noop struct{}

// RecordTransition does nothing
func (Noop) RecordTransition(ctx context.Context, t Transition) {}
