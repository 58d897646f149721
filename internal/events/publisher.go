package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"argus/internal/adapters/kafka"
	"argus/pkg/logger"
)

// producer abstracts the Kafka producer for testability
type producer interface {
	Publish(ctx context.Context, topic string, key string, event interface{}) error
}

// Publisher publishes analysis lifecycle events to Kafka.
// Publishing is best-effort: the workflow never fails because an event could
// not be emitted, it only logs.
type Publisher struct {
	producer producer
	log      *logger.Logger
}

// NewPublisher creates a new event publisher. A nil producer yields a
// publisher that drops every event, for deployments without Kafka.
func NewPublisher(p *kafka.Producer) *Publisher {
	pub := &Publisher{log: logger.Get().With("component", "event_publisher")}
	if p != nil {
		pub.producer = p
	}
	return pub
}

// newPublisherWith is the test seam
func newPublisherWith(p producer) *Publisher {
	return &Publisher{producer: p, log: logger.Get().With("component", "event_publisher")}
}

// AnalysisEvent is the common envelope for analysis lifecycle events
type AnalysisEvent struct {
	Type       string    `json:"type"`
	AnalysisID uuid.UUID `json:"analysisId"`
	Ticker     string    `json:"ticker"`
	UserID     string    `json:"userId"`
	Phase      string    `json:"phase,omitempty"`
	Agent      string    `json:"agent,omitempty"`
	Status     string    `json:"status,omitempty"`
	Decision   string    `json:"decision,omitempty"`
	Confidence int       `json:"confidence,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	TypeAnalysisStarted   = "analysis_started"
	TypePhaseAdvanced     = "phase_advanced"
	TypeAnalysisCompleted = "analysis_completed"
	TypeAnalysisFailed    = "analysis_failed"
	TypeAnalysisCancelled = "analysis_cancelled"
	TypeBatchNotified     = "batch_member_notified"
)

func (p *Publisher) publish(ctx context.Context, topic string, ev AnalysisEvent) {
	if p == nil || p.producer == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	if err := p.producer.Publish(ctx, topic, ev.AnalysisID.String(), ev); err != nil {
		p.log.Warnf("Failed to publish %s event for %s: %v", ev.Type, ev.AnalysisID, err)
	}
}

// AnalysisStarted emits the run-started event
func (p *Publisher) AnalysisStarted(ctx context.Context, id uuid.UUID, ticker, userID, caller string) {
	p.publish(ctx, kafka.TopicAnalysisEvents, AnalysisEvent{
		Type: TypeAnalysisStarted, AnalysisID: id, Ticker: ticker, UserID: userID, Status: caller,
	})
}

// PhaseAdvanced emits a phase transition event
func (p *Publisher) PhaseAdvanced(ctx context.Context, id uuid.UUID, ticker, userID, from, to string) {
	p.publish(ctx, kafka.TopicAnalysisEvents, AnalysisEvent{
		Type: TypePhaseAdvanced, AnalysisID: id, Ticker: ticker, UserID: userID, Phase: to, Reason: from,
	})
}

// AnalysisCompleted emits the terminal success event with the decision
func (p *Publisher) AnalysisCompleted(ctx context.Context, id uuid.UUID, ticker, userID, decision string, confidence int) {
	p.publish(ctx, kafka.TopicAnalysisEvents, AnalysisEvent{
		Type: TypeAnalysisCompleted, AnalysisID: id, Ticker: ticker, UserID: userID,
		Decision: decision, Confidence: confidence,
	})
}

// AnalysisFailed emits the terminal failure event
func (p *Publisher) AnalysisFailed(ctx context.Context, id uuid.UUID, ticker, userID, reason string) {
	p.publish(ctx, kafka.TopicAnalysisEvents, AnalysisEvent{
		Type: TypeAnalysisFailed, AnalysisID: id, Ticker: ticker, UserID: userID, Reason: reason,
	})
}

// AnalysisCancelled emits the cancellation event
func (p *Publisher) AnalysisCancelled(ctx context.Context, id uuid.UUID, ticker, userID string) {
	p.publish(ctx, kafka.TopicAnalysisEvents, AnalysisEvent{
		Type: TypeAnalysisCancelled, AnalysisID: id, Ticker: ticker, UserID: userID,
	})
}

// BatchNotified emits the batch-member acknowledgment event
func (p *Publisher) BatchNotified(ctx context.Context, id uuid.UUID, ticker, userID string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	p.publish(ctx, kafka.TopicRebalanceEvents, AnalysisEvent{
		Type: TypeBatchNotified, AnalysisID: id, Ticker: ticker, UserID: userID, Status: status,
	})
}
