package rebalance

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"argus/internal/metrics"
	"argus/pkg/errors"
	"argus/pkg/logger"
)

// Notification tells the parent batch coordinator that one member analysis
// reached a terminal state
type Notification struct {
	RebalanceRequestID uuid.UUID `json:"rebalanceRequestId"`
	AnalysisID         uuid.UUID `json:"analysisId"`
	Ticker             string    `json:"ticker"`
	UserID             string    `json:"userId"`
	Success            bool      `json:"success"`
	Error              string    `json:"error,omitempty"`
}

// Notifier delivers batch member completion notifications. The call is
// awaited: the coordinator needs the verdict before deciding whether the
// member's Completed status can stand.
type Notifier interface {
	NotifyCompletion(ctx context.Context, n Notification) error
}

// HTTPNotifier posts notifications to the batch coordinator endpoint
type HTTPNotifier struct {
	client     *http.Client
	url        string
	token      string
	maxRetries int
	log        *logger.Logger
}

// HTTPNotifierConfig configures the batch notifier
type HTTPNotifierConfig struct {
	URL          string
	ServiceToken string
	Timeout      time.Duration
	MaxRetries   int
}

// NewHTTPNotifier creates a notifier for the parent batch coordinator
func NewHTTPNotifier(cfg HTTPNotifierConfig) *HTTPNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &HTTPNotifier{
		client:     &http.Client{Timeout: cfg.Timeout},
		url:        cfg.URL,
		token:      cfg.ServiceToken,
		maxRetries: cfg.MaxRetries,
		log:        logger.Get().With("component", "rebalance_notifier"),
	}
}

type notifyEnvelope struct {
	Action string `json:"action"`
	Notification
}

// NotifyCompletion posts the notification, retrying transient failures.
// Returns an error only after every attempt failed.
func (n *HTTPNotifier) NotifyCompletion(ctx context.Context, notif Notification) error {
	if n.url == "" {
		return errors.Wrap(errors.ErrBatchNotifyFailed, "rebalance coordinator URL not configured")
	}

	body, err := json.Marshal(notifyEnvelope{Action: "analysis-completed", Notification: notif})
	if err != nil {
		return errors.Wrap(err, "marshal batch notification")
	}

	var lastErr error
	for attempt := 0; attempt < n.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				metrics.BatchNotifications.WithLabelValues("error").Inc()
				return errors.Wrap(ctx.Err(), "batch notification cancelled")
			}
		}

		if lastErr = n.post(ctx, body); lastErr == nil {
			metrics.BatchNotifications.WithLabelValues("success").Inc()
			return nil
		}
		n.log.Warnf("Batch notification attempt %d/%d for %s failed: %v",
			attempt+1, n.maxRetries, notif.AnalysisID, lastErr)
	}

	metrics.BatchNotifications.WithLabelValues("error").Inc()
	return errors.Wrapf(errors.ErrBatchNotifyFailed, "%v", lastErr)
}

func (n *HTTPNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errors.Newf("batch coordinator returned %d", resp.StatusCode)
	}
	return nil
}
