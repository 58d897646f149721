package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"argus/internal/domain/analysis"
	"argus/internal/metrics"
	"argus/internal/workflow"
	"argus/pkg/errors"
	"argus/pkg/logger"
)

// AgentRequest is the payload handed to a remote agent worker
type AgentRequest struct {
	Agent       workflow.AgentID
	AnalysisID  uuid.UUID
	Ticker      string
	UserID      string
	APISettings analysis.APISettings
	Phase       workflow.PhaseID
	Context     *analysis.Context
	Round       int // debate round, research phase only

	// Delay postpones the first invocation attempt. Set by the recovery
	// path to serve retry backoff without blocking the callback response.
	Delay time.Duration
}

// AgentInvoker launches remote agent workers.
//
// InvokeAgent is fire-and-forget: it returns immediately and retries
// transient transport failures internally; a terminal failure is reported
// through the failure callback, never to the caller. TryInvokeAgent is the
// awaited variant used by the fallback escalation ladder, where the caller
// needs the verdict to decide its own next step.
type AgentInvoker interface {
	InvokeAgent(ctx context.Context, req AgentRequest, maxRetries int)
	TryInvokeAgent(ctx context.Context, req AgentRequest) error
}

// InvocationFailureHandler receives terminal fire-and-forget failures
type InvocationFailureHandler func(req AgentRequest, err error)

// HTTPInvoker calls agent workers over HTTP
type HTTPInvoker struct {
	client    *http.Client
	baseURL   string
	callback  string
	token     string
	limiter   *rate.Limiter
	onFailure InvocationFailureHandler
	log       *logger.Logger
}

// HTTPInvokerConfig configures the HTTP invoker
type HTTPInvokerConfig struct {
	WorkerBaseURL string
	CallbackURL   string
	ServiceToken  string
	Timeout       time.Duration
	RatePerSec    float64
	Burst         int
}

// NewHTTPInvoker creates an invoker for remote agent workers.
// The rate limiter smooths invocation bursts: agent workers front LLM APIs
// with their own rate limits.
func NewHTTPInvoker(cfg HTTPInvokerConfig, onFailure InvocationFailureHandler) *HTTPInvoker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}

	return &HTTPInvoker{
		client:    &http.Client{Timeout: cfg.Timeout},
		baseURL:   cfg.WorkerBaseURL,
		callback:  cfg.CallbackURL,
		token:     cfg.ServiceToken,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		onFailure: onFailure,
		log:       logger.Get().With("component", "agent_invoker"),
	}
}

type agentPayload struct {
	AnalysisID      uuid.UUID            `json:"analysisId"`
	Ticker          string               `json:"ticker"`
	UserID          string               `json:"userId"`
	APISettings     analysis.APISettings `json:"apiSettings"`
	Phase           string               `json:"phase"`
	AnalysisContext *analysis.Context    `json:"analysisContext,omitempty"`
	Round           int                  `json:"round,omitempty"`
	CallbackURL     string               `json:"callbackUrl,omitempty"`
}

// InvokeAgent fires the request without blocking the caller's response.
// The goroutine uses a detached context so HTTP request cancellation on the
// inbound side never kills an in-flight downstream invocation.
func (inv *HTTPInvoker) InvokeAgent(ctx context.Context, req AgentRequest, maxRetries int) {
	go func() {
		callCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		if req.Delay > 0 {
			select {
			case <-time.After(req.Delay):
			case <-callCtx.Done():
				return
			}
		}

		var lastErr error
		for attempt := 0; attempt <= maxRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-time.After(time.Duration(attempt) * time.Second):
				case <-callCtx.Done():
				}
				if callCtx.Err() != nil {
					lastErr = callCtx.Err()
					break
				}
			}

			if lastErr = inv.post(callCtx, req); lastErr == nil {
				metrics.AgentInvocations.WithLabelValues(string(req.Agent), "async", "success").Inc()
				return
			}
			inv.log.Warnf("Invocation attempt %d/%d for %s failed: %v",
				attempt+1, maxRetries+1, req.Agent, lastErr)
		}

		metrics.AgentInvocations.WithLabelValues(string(req.Agent), "async", "error").Inc()
		if inv.onFailure != nil {
			inv.onFailure(req, lastErr)
		}
	}()
}

// TryInvokeAgent performs an awaited single invocation attempt
func (inv *HTTPInvoker) TryInvokeAgent(ctx context.Context, req AgentRequest) error {
	err := inv.post(ctx, req)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.AgentInvocations.WithLabelValues(string(req.Agent), "awaited", status).Inc()
	return err
}

func (inv *HTTPInvoker) post(ctx context.Context, req AgentRequest) error {
	info, ok := workflow.Lookup(req.Agent)
	if !ok {
		return errors.Wrapf(errors.ErrUnknownAgent, "%q", req.Agent)
	}

	if err := inv.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limiter wait")
	}

	body, err := json.Marshal(agentPayload{
		AnalysisID:      req.AnalysisID,
		Ticker:          req.Ticker,
		UserID:          req.UserID,
		APISettings:     req.APISettings,
		Phase:           string(req.Phase),
		AnalysisContext: req.Context,
		Round:           req.Round,
		CallbackURL:     inv.callback,
	})
	if err != nil {
		return errors.Wrap(err, "marshal agent payload")
	}

	url := fmt.Sprintf("%s/%s", inv.baseURL, info.FunctionName)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build agent request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if inv.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+inv.token)
	}

	resp, err := inv.client.Do(httpReq)
	if err != nil {
		return errors.Wrapf(errors.ErrInvocationFailed, "%s: %v", info.FunctionName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errors.Wrapf(errors.ErrInvocationFailed, "%s returned %d", info.FunctionName, resp.StatusCode)
	}
	return nil
}
