package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-router/pkg/auth"
	"github.com/ekaya-inc/ekaya-router/pkg/middleware"
	"github.com/ekaya-inc/ekaya-router/pkg/models"
	"github.com/ekaya-inc/ekaya-router/pkg/services"
)

// maxEventBodyBytes bounds ingress request bodies.
const maxEventBodyBytes = 4 << 20

// BatchRequest for POST /api/events/batch
type BatchRequest struct {
	Events []*models.Event `json:"events"`
}

// BatchResponse for POST /api/events/batch
type BatchResponse struct {
	Items []services.BatchItem `json:"items"`
}

// EventsHandler handles collector traffic: events, module responses and retries.
type EventsHandler struct {
	ingress    services.IngressService
	correlator services.CorrelatorService
	dispatcher services.DispatchService
	logger     *zap.Logger
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(
	ingress services.IngressService,
	correlator services.CorrelatorService,
	dispatcher services.DispatchService,
	logger *zap.Logger,
) *EventsHandler {
	return &EventsHandler{
		ingress:    ingress,
		correlator: correlator,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// RegisterRoutes registers the events handler's routes on the given mux.
func (h *EventsHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	collector := authMiddleware.RequireRole(auth.RoleCollector, auth.RoleAdmin)

	mux.Handle("POST /api/events", middleware.EventRequestLogger(h.logger)(collector(h.SubmitEvent)))
	mux.HandleFunc("POST /api/events/batch", collector(h.SubmitBatch))
	mux.HandleFunc("POST /api/sessions/{sid}/responses", collector(h.SubmitResponse))
	mux.HandleFunc("POST /api/executions/{eid}/retry", collector(h.Retry))
}

// SubmitEvent handles POST /api/events
func (h *EventsHandler) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxEventBodyBytes)

	var event models.Event
	if !decodeBody(w, r, h.logger, &event) {
		return
	}

	result, err := h.ingress.SubmitEvent(r.Context(), &event)
	if err != nil {
		writeServiceError(w, h.logger, "submit event", err)
		return
	}

	writeData(w, h.logger, http.StatusOK, result)
}

// SubmitBatch handles POST /api/events/batch
func (h *EventsHandler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxEventBodyBytes)

	var req BatchRequest
	if !decodeBody(w, r, h.logger, &req) {
		return
	}

	items, err := h.ingress.SubmitBatch(r.Context(), req.Events)
	if err != nil {
		writeServiceError(w, h.logger, "submit batch", err)
		return
	}

	writeData(w, h.logger, http.StatusOK, BatchResponse{Items: items})
}

// SubmitResponse handles POST /api/sessions/{sid}/responses
func (h *EventsHandler) SubmitResponse(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := ParseSessionID(w, r, h.logger)
	if !ok {
		return
	}

	var req services.ResponseSubmission
	if !decodeBody(w, r, h.logger, &req) {
		return
	}

	resp, err := h.correlator.SubmitResponse(r.Context(), sessionID, req)
	if err != nil {
		writeServiceError(w, h.logger, "submit response", err)
		return
	}

	writeData(w, h.logger, http.StatusCreated, resp)
}

// Retry handles POST /api/executions/{eid}/retry
func (h *EventsHandler) Retry(w http.ResponseWriter, r *http.Request) {
	executionID, ok := ParseExecutionID(w, r, h.logger)
	if !ok {
		return
	}

	outcome, err := h.dispatcher.Retry(r.Context(), executionID)
	if err != nil {
		writeServiceError(w, h.logger, "retry execution", err)
		return
	}

	h.logger.Info("Retried execution",
		zap.String("execution_id", executionID.String()),
		zap.String("new_execution_id", outcome.ExecutionID.String()),
		zap.String("status", string(outcome.Status)),
		zap.String("subject", auth.GetSubjectFromContext(r.Context())))

	writeData(w, h.logger, http.StatusOK, outcome)
}
