package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"argus/internal/coordinator"
	"argus/internal/domain/analysis"
	"argus/internal/workflow"
	"argus/pkg/errors"
	"argus/pkg/logger"
)

// Actions accepted by the dispatch endpoint
const (
	ActionStartAnalysis   = "start-analysis"
	ActionReactivate      = "reactivate"
	ActionAgentCompletion = "agent-completion"
	ActionCancel          = "cancel"
)

// userIDHeader carries the authenticated end-user identity injected by the
// gateway in front of this service
const userIDHeader = "X-User-Id"

// WorkflowHandler is the single action-dispatched workflow endpoint
type WorkflowHandler struct {
	coord        *coordinator.Coordinator
	serviceToken string
	log          *logger.Logger
}

// NewWorkflowHandler creates the workflow endpoint handler
func NewWorkflowHandler(coord *coordinator.Coordinator, serviceToken string) *WorkflowHandler {
	return &WorkflowHandler{
		coord:        coord,
		serviceToken: serviceToken,
		log:          logger.Get().With("component", "workflow_handler"),
	}
}

// requestBody is the union of every action's fields. The action discriminant
// picks the shape; legacy callers omit it and are classified by which fields
// are present.
type requestBody struct {
	Action string `json:"action,omitempty"`

	// start-analysis / shared
	Ticker             string               `json:"ticker,omitempty"`
	UserID             string               `json:"userId,omitempty"`
	APISettings        analysis.APISettings `json:"apiSettings,omitzero"`
	Context            *analysis.Context    `json:"analysisContext,omitempty"`
	RebalanceRequestID *uuid.UUID           `json:"rebalanceRequestId,omitempty"`

	// reactivate / agent-completion
	AnalysisID *uuid.UUID `json:"analysisId,omitempty"`

	// agent-completion
	Phase          string          `json:"phase,omitempty"`
	Agent          string          `json:"agent,omitempty"`
	CompletionType string          `json:"completionType,omitempty"`
	Round          int             `json:"round,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	ErrorType      string          `json:"errorType,omitempty"`
	FailedToInvoke string          `json:"failedToInvoke,omitempty"`
	Decision       string          `json:"decision,omitempty"`
	Confidence     int             `json:"confidence,omitempty"`
}

// resolveAction classifies legacy bodies that predate the discriminant
func (b *requestBody) resolveAction() string {
	if b.Action != "" {
		return b.Action
	}
	if b.Phase != "" && b.Agent != "" {
		return ActionAgentCompletion
	}
	if b.AnalysisID != nil {
		return ActionReactivate
	}
	if b.Ticker != "" {
		return ActionStartAnalysis
	}
	return ""
}

type errorResponse struct {
	Error   string `json:"error"`
	Status  int    `json:"status"`
	Details string `json:"details,omitempty"`
}

func (h *WorkflowHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}

	var body requestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body", err.Error())
		return
	}

	serviceCall := h.isServiceCall(r)
	userID, err := h.resolveUserID(r, &body, serviceCall)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, err.Error(), "")
		return
	}
	body.UserID = userID

	action := body.resolveAction()
	switch action {
	case ActionStartAnalysis:
		h.handleStart(w, r.Context(), &body)
	case ActionReactivate:
		h.handleReactivate(w, r.Context(), &body)
	case ActionAgentCompletion:
		if !serviceCall {
			h.writeError(w, http.StatusForbidden, "agent callbacks require a service token", "")
			return
		}
		h.handleCompletion(w, r.Context(), &body)
	case ActionCancel:
		h.handleCancel(w, r.Context(), &body)
	default:
		h.writeError(w, http.StatusBadRequest, "unrecognized action", "expected start-analysis, reactivate, agent-completion or cancel")
	}
}

// isServiceCall checks the bearer token against the shared service secret
func (h *WorkflowHandler) isServiceCall(r *http.Request) bool {
	if h.serviceToken == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.serviceToken)) == 1
}

// resolveUserID enforces the identity rules: trusted service callers must
// name a userId in the body; end-user calls take identity from the gateway
// header, and a body userId that disagrees with it is rejected.
func (h *WorkflowHandler) resolveUserID(r *http.Request, body *requestBody, serviceCall bool) (string, error) {
	if serviceCall {
		if body.UserID == "" {
			return "", errors.Wrap(errors.ErrInvalidInput, "service calls must carry userId")
		}
		return body.UserID, nil
	}

	sessionUser := r.Header.Get(userIDHeader)
	if sessionUser == "" {
		return "", errors.Wrap(errors.ErrUnauthorized, "no authenticated user")
	}
	if body.UserID != "" && body.UserID != sessionUser {
		return "", errors.Wrap(errors.ErrUnauthorized, "userId does not match authenticated session")
	}
	return sessionUser, nil
}

func (h *WorkflowHandler) handleStart(w http.ResponseWriter, ctx context.Context, body *requestBody) {
	rec, err := h.coord.StartAnalysis(ctx, coordinator.StartRequest{
		Ticker:             body.Ticker,
		UserID:             body.UserID,
		APISettings:        body.APISettings,
		Context:            body.Context,
		RebalanceRequestID: body.RebalanceRequestID,
	})
	if err != nil {
		h.writeCoordError(w, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]any{
		"message":    "analysis started",
		"analysisId": rec.ID,
		"ticker":     rec.Ticker,
		"status":     rec.Status,
	})
}

func (h *WorkflowHandler) handleReactivate(w http.ResponseWriter, ctx context.Context, body *requestBody) {
	if body.AnalysisID == nil {
		h.writeError(w, http.StatusBadRequest, "analysisId is required", "")
		return
	}

	outcome, err := h.coord.Reactivate(ctx, *body.AnalysisID)
	if err != nil {
		h.writeCoordError(w, err)
		return
	}
	h.writeOutcome(w, outcome)
}

func (h *WorkflowHandler) handleCancel(w http.ResponseWriter, ctx context.Context, body *requestBody) {
	if body.AnalysisID == nil {
		h.writeError(w, http.StatusBadRequest, "analysisId is required", "")
		return
	}

	outcome, err := h.coord.Cancel(ctx, *body.AnalysisID)
	if err != nil {
		h.writeCoordError(w, err)
		return
	}
	h.writeOutcome(w, outcome)
}

func (h *WorkflowHandler) handleCompletion(w http.ResponseWriter, ctx context.Context, body *requestBody) {
	if body.AnalysisID == nil {
		h.writeError(w, http.StatusBadRequest, "analysisId is required", "")
		return
	}

	agent, err := workflow.Resolve(body.Agent)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "unknown agent", body.Agent)
		return
	}

	completionType := coordinator.CompletionType(body.CompletionType)
	if completionType == "" {
		completionType = coordinator.CompletionNormal
	}

	outcome, err := h.coord.HandleAgentCompletion(ctx, coordinator.CompletionRequest{
		AnalysisID:     *body.AnalysisID,
		Phase:          workflow.PhaseID(body.Phase),
		Agent:          agent.ID,
		APISettings:    body.APISettings,
		CompletionType: completionType,
		Round:          body.Round,
		Result:         body.Result,
		Error:          body.Error,
		ErrorType:      workflow.ErrorType(body.ErrorType),
		FailedToInvoke: body.FailedToInvoke,
		Decision:       analysis.Decision(body.Decision),
		Confidence:     body.Confidence,
	})
	if err != nil {
		h.writeCoordError(w, err)
		return
	}
	h.writeOutcome(w, outcome)
}

// writeOutcome renders the coordinator's outcome; cancelled outcomes get a
// distinct shape so callers can tell intentional stops from failures
func (h *WorkflowHandler) writeOutcome(w http.ResponseWriter, outcome coordinator.Outcome) {
	if outcome.Cancelled {
		h.writeJSON(w, http.StatusOK, map[string]any{
			"message":   outcome.Message,
			"status":    outcome.Status,
			"cancelled": true,
		})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"message": outcome.Message,
		"status":  outcome.Status,
	})
}

func (h *WorkflowHandler) writeCoordError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errors.ErrInvalidInput), errors.Is(err, errors.ErrUnknownAgent), errors.Is(err, errors.ErrUnknownPhase):
		status = http.StatusBadRequest
	case errors.Is(err, errors.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, errors.ErrStatusConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.log.Errorf("Workflow request failed: %v", err)
	}
	h.writeError(w, status, err.Error(), "")
}

func (h *WorkflowHandler) writeError(w http.ResponseWriter, status int, msg, details string) {
	h.writeJSON(w, status, errorResponse{Error: msg, Status: status, Details: details})
}

func (h *WorkflowHandler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.log.Errorf("Could not encode response: %v", err)
	}
}
